package frameparser

import (
	"strconv"
	"strings"

	"chatvault/pkg/models"
)

// parseBadges turns Twitch's "subscriber/12,premium/1" badges tag into
// typed Badge values.
func parseBadges(raw string) []models.Badge {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	badges := make([]models.Badge, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		typ, version, _ := strings.Cut(p, "/")
		badges = append(badges, models.Badge{Type: typ, Version: version})
	}
	return badges
}

// parseEmotes turns Twitch's "25:0-4,12-16/1902:6-10" emotes tag into one
// Emote per occurrence range.
func parseEmotes(raw string) []models.Emote {
	if raw == "" {
		return nil
	}
	var emotes []models.Emote
	for _, idGroup := range strings.Split(raw, "/") {
		if idGroup == "" {
			continue
		}
		id, ranges, ok := strings.Cut(idGroup, ":")
		if !ok {
			continue
		}
		for _, r := range strings.Split(ranges, ",") {
			startStr, endStr, ok := strings.Cut(r, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(startStr)
			end, err2 := strconv.Atoi(endStr)
			if err1 != nil || err2 != nil {
				continue
			}
			emotes = append(emotes, models.Emote{ID: id, Start: start, End: end})
		}
	}
	return emotes
}

// parseTmiSentTSMillis parses the tmi-sent-ts tag (milliseconds since epoch).
// Returns ok=false if the tag is missing or malformed.
func parseTmiSentTSMillis(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
