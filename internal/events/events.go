// Package events defines the transient sum type carried on the Event Bus.
// None of these are persisted as-is; the Archive Buffer derives store rows
// from them and the Subscription Broker/Webhook Dispatcher derive wire
// messages and delivery payloads from them.
package events

import (
	"time"

	"chatvault/pkg/models"
)

// Kind tags the payload carried by an Event. Dispatch on Kind is a plain
// switch at each consumer — no reflection.
type Kind string

const (
	KindChatMessage     Kind = "chat_message"
	KindMessageDeleted  Kind = "message_deleted"
	KindModAction       Kind = "mod_action"
	KindChannelStatus   Kind = "channel_status"
	KindMpsSnapshot     Kind = "mps_update"
	KindChannelMps      Kind = "channel_mps"
	KindMessagesFlushed Kind = "messages_flushed"

	// Supplemented beyond spec.md's formal Event sum type (see SPEC_FULL.md
	// §5) so the webhook predicates in spec.md §4.8 have something to
	// evaluate against.
	KindBits            Kind = "channel_bits"
	KindSubscription    Kind = "channel_subscription"
	KindGiftSub         Kind = "channel_gift_sub"
	KindRaid            Kind = "channel_raid"
	KindWebhookAutoMuted Kind = "webhook_auto_muted"
)

// GlobalChannel is the pseudo-channel-id used for bus/broker "global" rooms.
const GlobalChannel int64 = 0

// Event is the bus envelope. ChannelID is GlobalChannel for system-wide
// events (e.g. node/infra status); Payload is one of the *Data structs
// below, chosen by Kind.
type Event struct {
	Kind      Kind
	ChannelID int64
	Payload   interface{}
	Synthesized bool // true if ts fields within Payload were synthesized (no tmi-sent-ts)
}

// ChatMessageData is the chat_message.data wire shape (spec.md §6).
// MessageID/MessageIDSnake and the other camelCase/snake_case pairs are
// kept duplicated per spec.md §9's backward-compatibility note.
type ChatMessageData struct {
	ChannelID       int64          `json:"channelId"`
	UserID          int64          `json:"userId"`
	MessageText     string         `json:"message_text"`
	Timestamp       time.Time      `json:"timestamp"`
	MessageID       string         `json:"messageId"`
	MessageIDSnake  string         `json:"message_id"`
	Badges          []models.Badge `json:"badges"`
	Emotes          []models.Emote `json:"emotes"`
	Username        string         `json:"username"`
	UserDisplayName string         `json:"user_display_name"`
	ChannelName     string         `json:"channel_name"`
	ChannelTwitchID string         `json:"channel_twitch_id,omitempty"`
	ReplyToWireID   string         `json:"reply_to_wire_id,omitempty"`
}

// MessageDeletedData is the message_deleted.data wire shape.
type MessageDeletedData struct {
	MessageID      string     `json:"messageId"`
	MessageIDSnake string     `json:"message_id"`
	ChannelID      int64      `json:"channelId"`
	ChannelName    string     `json:"channel_name"`
	DeletedAt      time.Time  `json:"deleted_at"`
	DeletedBy      *int64     `json:"deleted_by,omitempty"`
}

// ModActionData is the mod_action / global_mod_action data wire shape.
type ModActionData struct {
	ChannelID      int64                `json:"channelId"`
	ChannelName    string               `json:"channel_name"`
	Kind           models.ModActionKind `json:"kind"`
	TargetUserID   int64                `json:"targetUserId"`
	TargetUsername string               `json:"target_username"`
	ModeratorID    *int64               `json:"moderatorId,omitempty"`
	DurationS      *int                 `json:"duration_s,omitempty"`
	Reason         *string              `json:"reason,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
	RelatedWireID  *string              `json:"related_wire_id,omitempty"`
}

// ChannelStatusData is the channel_status data wire shape. Populated by the
// out-of-scope C9 collaborator (see internal/livestatus); defined here so
// the broker/bus don't need to change when C9 is implemented.
type ChannelStatusData struct {
	ChannelID   int64     `json:"channelId"`
	ChannelName string    `json:"channel_name"`
	Live        bool      `json:"live"`
	Game        *string   `json:"game,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// MessagesFlushedData is the messages_flushed.data wire shape (spec.md §6).
type MessagesFlushedData struct {
	Usernames []string  `json:"usernames"`
	Channels  []string  `json:"channels"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// MpsSnapshotData is the global mps_update.data wire shape.
type MpsSnapshotData struct {
	MPS        float64            `json:"mps"`
	ChannelMPS map[string]float64 `json:"channelMps"`
	Timestamp  time.Time          `json:"timestamp"`
}

// ChannelMpsData is the per-channel channel_mps.data wire shape.
type ChannelMpsData struct {
	Channel   string    `json:"channel"`
	MPS       float64   `json:"mps"`
	Timestamp time.Time `json:"timestamp"`
}

// BitsData backs the channel_bits webhook predicate and stats_update events.
type BitsData struct {
	ChannelID     int64     `json:"channelId"`
	ChannelName   string    `json:"channel_name"`
	UserID        int64     `json:"userId"`
	Username      string    `json:"username"`
	Bits          int       `json:"bits"`
	MessageWireID string    `json:"message_wire_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SubscriptionData backs the channel_subscription webhook predicate.
type SubscriptionData struct {
	ChannelID        int64     `json:"channelId"`
	ChannelName      string    `json:"channel_name"`
	UserID           int64     `json:"userId"`
	Username         string    `json:"username"`
	SubType          string    `json:"sub_type"` // "sub" | "resub"
	SubPlan          string    `json:"sub_plan,omitempty"`
	CumulativeMonths int       `json:"cumulative_months"`
	Timestamp        time.Time `json:"timestamp"`
}

// GiftSubData backs the channel_gift_sub webhook predicate.
type GiftSubData struct {
	ChannelID      int64     `json:"channelId"`
	ChannelName    string    `json:"channel_name"`
	GifterUserID   int64     `json:"gifterUserId"`
	GifterUsername string    `json:"gifter_username"`
	GiftCount      int       `json:"gift_count"`
	Timestamp      time.Time `json:"timestamp"`
}

// RaidData backs the channel_raid webhook predicate.
type RaidData struct {
	ChannelID   int64     `json:"channelId"`
	ChannelName string    `json:"channel_name"`
	FromChannel string    `json:"from_channel"`
	ViewerCount int       `json:"viewer_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// WebhookAutoMutedData is the audit event published when a registration is
// auto-muted after crossing the consecutive-failure threshold (spec.md §4.8).
type WebhookAutoMutedData struct {
	RegistrationID int64     `json:"registration_id"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}
