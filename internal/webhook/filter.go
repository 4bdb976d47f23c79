package webhook

import (
	"strings"

	"chatvault/internal/events"
	"chatvault/pkg/models"
)

// matches evaluates reg's filter predicate against ev (spec.md §4.8's
// bullet list, verbatim). transition is the pre-computed channel_status
// edge (live/offline/game_change) for KindChannelStatus events — computed
// once per incoming event in Dispatcher.classifyStatusTransition rather
// than per registration, since every channel_status event has exactly one
// transition regardless of how many registrations evaluate it.
func matches(reg models.WebhookRegistration, ev events.Event, transition models.WebhookKind) bool {
	switch ev.Kind {
	case events.KindChatMessage:
		if reg.Kind != models.WebhookTrackedUserMessage {
			return false
		}
		data := ev.Payload.(events.ChatMessageData)
		return containsLower(reg.Filter.TrackedUsernames, data.Username)

	case events.KindModAction:
		if reg.Kind != models.WebhookModAction {
			return false
		}
		data := ev.Payload.(events.ModActionData)
		if !containsActionType(reg.Filter.ActionTypes, data.Kind) {
			return false
		}
		return len(reg.Filter.ChannelIDs) == 0 || containsChannel(reg.Filter.ChannelIDs, data.ChannelID)

	case events.KindChannelStatus:
		if transition == "" || reg.Kind != transition {
			return false
		}
		data := ev.Payload.(events.ChannelStatusData)
		return containsChannel(reg.Filter.ChannelIDs, data.ChannelID)

	case events.KindBits:
		if reg.Kind != models.WebhookChannelBits {
			return false
		}
		data := ev.Payload.(events.BitsData)
		if !containsChannel(reg.Filter.ChannelIDs, data.ChannelID) {
			return false
		}
		return data.Bits >= reg.Filter.MinBits

	case events.KindSubscription:
		if reg.Kind != models.WebhookChannelSub {
			return false
		}
		data := ev.Payload.(events.SubscriptionData)
		if !containsChannel(reg.Filter.ChannelIDs, data.ChannelID) {
			return false
		}
		if !containsString(reg.Filter.SubTypes, data.SubType) {
			return false
		}
		return data.CumulativeMonths >= reg.Filter.MinMonths

	case events.KindGiftSub:
		if reg.Kind != models.WebhookChannelGiftSub {
			return false
		}
		data := ev.Payload.(events.GiftSubData)
		if !containsChannel(reg.Filter.ChannelIDs, data.ChannelID) {
			return false
		}
		return data.GiftCount >= reg.Filter.MinGiftCount

	case events.KindRaid:
		if reg.Kind != models.WebhookChannelRaid {
			return false
		}
		data := ev.Payload.(events.RaidData)
		if !containsChannel(reg.Filter.ChannelIDs, data.ChannelID) {
			return false
		}
		return data.ViewerCount >= reg.Filter.MinViewers

	default:
		return false
	}
}

func containsLower(set []string, username string) bool {
	_, ok := lowerSet(set)[strings.ToLower(username)]
	return ok
}

func containsActionType(set []models.ModActionKind, kind models.ModActionKind) bool {
	for _, k := range set {
		if k == kind {
			return true
		}
	}
	return false
}

func containsChannel(set []int64, id int64) bool {
	for _, c := range set {
		if c == id {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
