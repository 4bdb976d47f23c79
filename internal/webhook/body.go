package webhook

import (
	"encoding/json"
	"fmt"

	"chatvault/internal/events"
)

// discordPayload is the minimal subset of the Discord webhook execute body
// chatvault renders into: a single embed per delivery (spec.md §8's
// "Discord webhook schema in practice" note).
type discordPayload struct {
	Content string          `json:"content,omitempty"`
	Embeds  []discordEmbed  `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

func discordEmbedBody(ev events.Event) ([]byte, error) {
	var embed discordEmbed
	switch data := ev.Payload.(type) {
	case events.ChatMessageData:
		embed = discordEmbed{
			Title:       fmt.Sprintf("Tracked message in #%s", data.ChannelName),
			Description: data.MessageText,
			Fields: []discordEmbedField{
				{Name: "User", Value: data.UserDisplayName, Inline: true},
			},
		}
	case events.ModActionData:
		embed = discordEmbed{
			Title:       fmt.Sprintf("Mod action in #%s", data.ChannelName),
			Description: string(data.Kind),
			Fields: []discordEmbedField{
				{Name: "Target", Value: data.TargetUsername, Inline: true},
			},
		}
		if data.Reason != nil {
			embed.Fields = append(embed.Fields, discordEmbedField{Name: "Reason", Value: *data.Reason})
		}
	default:
		return rawEventBody(ev)
	}
	return json.Marshal(discordPayload{Embeds: []discordEmbed{embed}})
}

// rawEventBody is used for kinds with no collaborator-specified shape: the
// destination gets the event's own payload struct, JSON-encoded as-is.
func rawEventBody(ev events.Event) ([]byte, error) {
	return json.Marshal(ev.Payload)
}
