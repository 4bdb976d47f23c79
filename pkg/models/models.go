package models

import "time"

// Channel is the source-of-truth row for a joined Twitch channel.
// Rows are never hard-deleted so mod_actions/messages foreign keys stay valid.
type Channel struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"` // lower-case ASCII, unique
	DisplayName string  `json:"display_name"`
	TwitchID    *string `json:"twitch_id,omitempty"`
	Active      bool    `json:"active"`
}

// User is a lazily-created (channel-independent) chatter identity.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"` // lower-case, unique
	DisplayName string    `json:"display_name"`
	TwitchID    *string   `json:"twitch_id,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Badge is a single chat badge tag (e.g. {"subscriber", "12"}).
type Badge struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Emote is a single emote occurrence within a message's text.
type Emote struct {
	ID    string `json:"id"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Message is a single archived chat line.
type Message struct {
	ID             int64     `json:"id"`
	ChannelID      int64     `json:"channel_id"`
	UserID         int64     `json:"user_id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"ts"`
	WireID         string    `json:"wire_id"` // opaque UUID from IRC, unique
	Badges         []Badge   `json:"badges"`
	Emotes         []Emote   `json:"emotes"`
	ReplyToWireID  *string   `json:"reply_to_wire_id,omitempty"`
	IsDeleted      bool      `json:"is_deleted"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	DeletedBy      *int64    `json:"deleted_by,omitempty"`
	SynthesizedTS  bool      `json:"synthesized_ts,omitempty"`
}

// ModActionKind enumerates the moderator-action variants in the data model.
type ModActionKind string

const (
	ModActionBan       ModActionKind = "ban"
	ModActionTimeout   ModActionKind = "timeout"
	ModActionDelete    ModActionKind = "delete"
	ModActionClear     ModActionKind = "clear"
	ModActionUnban     ModActionKind = "unban"
	ModActionUntimeout ModActionKind = "untimeout"
)

// ModAction is a single archived moderation event.
type ModAction struct {
	ID             int64         `json:"id"`
	ChannelID      int64         `json:"channel_id"`
	ModeratorID    *int64        `json:"moderator_id,omitempty"`
	TargetUserID   int64         `json:"target_user_id"`
	Kind           ModActionKind `json:"kind"`
	DurationS      *int          `json:"duration_s,omitempty"`
	Reason         *string       `json:"reason,omitempty"`
	Timestamp      time.Time     `json:"ts"`
	RelatedWireID  *string       `json:"related_wire_id,omitempty"`
}

// WebhookKind enumerates the registration kinds evaluated by the dispatcher.
type WebhookKind string

const (
	WebhookTrackedUserMessage WebhookKind = "tracked_user_message"
	WebhookModAction          WebhookKind = "mod_action"
	WebhookChannelLive        WebhookKind = "channel_live"
	WebhookChannelOffline     WebhookKind = "channel_offline"
	WebhookChannelGameChange  WebhookKind = "channel_game_change"
	WebhookChannelBits        WebhookKind = "channel_bits"
	WebhookChannelSub         WebhookKind = "channel_subscription"
	WebhookChannelGiftSub     WebhookKind = "channel_gift_sub"
	WebhookChannelRaid        WebhookKind = "channel_raid"
)

// WebhookFilter is the kind-specific predicate configuration for a registration.
// Only the fields relevant to Kind are populated; the rest are zero values.
type WebhookFilter struct {
	TrackedUsernames []string `json:"tracked_usernames,omitempty"`
	ActionTypes      []ModActionKind `json:"action_types,omitempty"`
	ChannelIDs       []int64  `json:"channel_ids,omitempty"`
	MinBits          int      `json:"min_bits,omitempty"`
	SubTypes         []string `json:"sub_types,omitempty"`
	MinMonths        int      `json:"min_months,omitempty"`
	MinGiftCount     int      `json:"min_gift_count,omitempty"`
	MinViewers       int      `json:"min_viewers,omitempty"`
}

// WebhookRegistration is an outbound delivery target and its filter.
// URL is never serialized on read paths; callers get Mask instead.
type WebhookRegistration struct {
	ID                  int64         `json:"id"`
	OwnerID             int64         `json:"owner_id"`
	Kind                WebhookKind   `json:"kind"`
	Filter              WebhookFilter `json:"filter"`
	URL                 string        `json:"-"`
	Mask                string        `json:"url_mask"`
	Enabled             bool          `json:"enabled"`
	Muted               bool          `json:"muted"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastTriggeredAt     *time.Time    `json:"last_triggered_at,omitempty"`
	TriggerCount        int64         `json:"trigger_count"`
}
