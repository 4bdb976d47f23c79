// Package frameparser implements the Frame Parser (C3, spec.md §4.3): it
// turns a raw IRC frame from the IRC Session into a typed domain event,
// resolving channel/user identity along the way, then feeds the same
// event into both the Archive Buffer (durable path) and the Event Bus
// (volatile path) per spec.md §3's dual data flow.
package frameparser

import (
	"context"
	"strconv"
	"time"

	"chatvault/internal/bus"
	"chatvault/internal/events"
	"chatvault/internal/ircsession"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

// IdentitySource is the Identity Resolver surface the parser needs.
type IdentitySource interface {
	ResolveChannel(ctx context.Context, name string, twitchID *string) (models.Channel, error)
	ResolveUser(ctx context.Context, username, displayName string, twitchID *string) (models.User, error)
}

// Archiver is the Archive Buffer's producer-facing surface: append and
// return immediately, per spec.md §4.5.
type Archiver interface {
	Append(ev events.Event)
}

// Publisher is the Event Bus's producer-facing surface.
type Publisher interface {
	Publish(topic bus.Topic, ev events.Event)
}

// Metrics are the optional Prometheus hooks for parse activity.
type Metrics struct {
	Unparsed Counter
}

type Counter interface{ Inc() }

// Parser is the Frame Parser. Zero value is not usable; use New.
type Parser struct {
	identity IdentitySource
	archiver Archiver
	bus      Publisher
	logger   logging.Logger
	metrics  *Metrics
}

// New creates a Parser.
func New(identity IdentitySource, archiver Archiver, publisher Publisher, logger logging.Logger, metrics *Metrics) *Parser {
	return &Parser{identity: identity, archiver: archiver, bus: publisher, logger: logger, metrics: metrics}
}

// Run consumes frames until the channel closes or ctx is canceled.
func (p *Parser) Run(ctx context.Context, frames <-chan ircsession.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			p.handle(ctx, f)
		}
	}
}

func (p *Parser) handle(ctx context.Context, f ircsession.Frame) {
	switch f.Command {
	case "PRIVMSG":
		p.handlePrivmsg(ctx, f)
	case "CLEARMSG":
		p.handleClearMsg(ctx, f)
	case "CLEARCHAT":
		p.handleClearChat(ctx, f)
	case "USERNOTICE":
		p.handleUserNotice(ctx, f)
	}
	// Any other command (JOIN, PART, ROOMSTATE, USERSTATE, NOTICE, numeric
	// replies, ...) carries no domain event and is silently ignored — this
	// is routine IRC chatter, not an unparseable frame.
}

// frameTimestamp resolves tmi-sent-ts, falling back to now() with the
// synthesized flag per spec.md §4.3's tie-break policy.
func frameTimestamp(f ircsession.Frame) (time.Time, bool) {
	if ms, ok := parseTmiSentTSMillis(f.Tags["tmi-sent-ts"]); ok {
		return time.UnixMilli(ms), false
	}
	return time.Now(), true
}

func (p *Parser) markUnparsed() {
	if p.metrics != nil && p.metrics.Unparsed != nil {
		p.metrics.Unparsed.Inc()
	}
}

func (p *Parser) handlePrivmsg(ctx context.Context, f ircsession.Frame) {
	wireID := f.Tags["id"]
	if wireID == "" || f.ChannelName == "" || f.Trailing == "" {
		p.markUnparsed()
		return
	}

	login := f.Login()
	if login == "" {
		login = f.Tags["display-name"]
	}
	if login == "" {
		p.markUnparsed()
		return
	}

	ts, synthesized := frameTimestamp(f)

	ch, err := p.identity.ResolveChannel(ctx, f.ChannelName, nil)
	if err != nil {
		p.logger.WithFields(logging.Fields{"error": err, "channel": f.ChannelName}).Error("resolve channel failed")
		return
	}
	var userTwitchID *string
	if uid := f.Tags["user-id"]; uid != "" {
		userTwitchID = &uid
	}
	displayName := f.Tags["display-name"]
	if displayName == "" {
		displayName = login
	}
	user, err := p.identity.ResolveUser(ctx, login, displayName, userTwitchID)
	if err != nil {
		p.logger.WithFields(logging.Fields{"error": err, "user": login}).Error("resolve user failed")
		return
	}

	var replyTo string
	if v := f.Tags["reply-parent-msg-id"]; v != "" {
		replyTo = v
	}

	data := events.ChatMessageData{
		ChannelID:       ch.ID,
		UserID:          user.ID,
		MessageText:     f.Trailing,
		Timestamp:       ts,
		MessageID:       wireID,
		MessageIDSnake:  wireID,
		Badges:          parseBadges(f.Tags["badges"]),
		Emotes:          parseEmotes(f.Tags["emotes"]),
		Username:        login,
		UserDisplayName: displayName,
		ChannelName:     f.ChannelName,
		ReplyToWireID:   replyTo,
	}
	if ch.TwitchID != nil {
		data.ChannelTwitchID = *ch.TwitchID
	}

	ev := events.Event{Kind: events.KindChatMessage, ChannelID: ch.ID, Payload: data, Synthesized: synthesized}
	p.archiver.Append(ev)
	p.bus.Publish(bus.Topic{Kind: events.KindChatMessage, ChannelID: ch.ID}, ev)

	if bitsRaw := f.Tags["bits"]; bitsRaw != "" {
		if bits, err := strconv.Atoi(bitsRaw); err == nil && bits > 0 {
			bitsEv := events.Event{
				Kind:      events.KindBits,
				ChannelID: ch.ID,
				Payload: events.BitsData{
					ChannelID:     ch.ID,
					ChannelName:   f.ChannelName,
					UserID:        user.ID,
					Username:      login,
					Bits:          bits,
					MessageWireID: wireID,
					Timestamp:     ts,
				},
			}
			p.archiver.Append(bitsEv)
			p.bus.Publish(bus.Topic{Kind: events.KindBits, ChannelID: ch.ID}, bitsEv)
		}
	}
}

func (p *Parser) handleClearMsg(ctx context.Context, f ircsession.Frame) {
	targetMsgID := f.Tags["target-msg-id"]
	if targetMsgID == "" || f.ChannelName == "" {
		p.markUnparsed()
		return
	}

	ts, synthesized := frameTimestamp(f)

	ch, err := p.identity.ResolveChannel(ctx, f.ChannelName, nil)
	if err != nil {
		p.logger.WithFields(logging.Fields{"error": err, "channel": f.ChannelName}).Error("resolve channel failed")
		return
	}

	var targetUserID *int64
	if login := f.Tags["login"]; login != "" {
		if u, err := p.identity.ResolveUser(ctx, login, login, nil); err == nil {
			id := u.ID
			targetUserID = &id
		}
	}

	modEv := events.Event{
		Kind:      events.KindModAction,
		ChannelID: ch.ID,
		Payload: events.ModActionData{
			ChannelID:     ch.ID,
			ChannelName:   f.ChannelName,
			Kind:          models.ModActionDelete,
			TargetUserID:  derefInt64(targetUserID),
			Timestamp:     ts,
			RelatedWireID: &targetMsgID,
		},
		Synthesized: synthesized,
	}
	p.archiver.Append(modEv)
	p.bus.Publish(bus.Topic{Kind: events.KindModAction, ChannelID: ch.ID}, modEv)

	deletedEv := events.Event{
		Kind:      events.KindMessageDeleted,
		ChannelID: ch.ID,
		Payload: events.MessageDeletedData{
			MessageID:      targetMsgID,
			MessageIDSnake: targetMsgID,
			ChannelID:      ch.ID,
			ChannelName:    f.ChannelName,
			DeletedAt:      ts,
			DeletedBy:      targetUserID,
		},
	}
	p.bus.Publish(bus.Topic{Kind: events.KindMessageDeleted, ChannelID: ch.ID}, deletedEv)
}

func (p *Parser) handleClearChat(ctx context.Context, f ircsession.Frame) {
	if f.ChannelName == "" {
		p.markUnparsed()
		return
	}
	ts, synthesized := frameTimestamp(f)

	ch, err := p.identity.ResolveChannel(ctx, f.ChannelName, nil)
	if err != nil {
		p.logger.WithFields(logging.Fields{"error": err, "channel": f.ChannelName}).Error("resolve channel failed")
		return
	}

	var kind models.ModActionKind
	var targetUserID int64
	var durationS *int

	targetLogin := f.Trailing
	targetUserIDTag := f.Tags["target-user-id"]

	switch {
	case targetLogin == "" && targetUserIDTag == "":
		kind = models.ModActionClear
	case f.Tags["ban-duration"] != "":
		kind = models.ModActionTimeout
		if n, err := strconv.Atoi(f.Tags["ban-duration"]); err == nil {
			durationS = &n
		}
	default:
		kind = models.ModActionBan
	}

	if kind != models.ModActionClear && targetLogin != "" {
		if u, err := p.identity.ResolveUser(ctx, targetLogin, targetLogin, nil); err == nil {
			targetUserID = u.ID
		}
	}

	ev := events.Event{
		Kind:      events.KindModAction,
		ChannelID: ch.ID,
		Payload: events.ModActionData{
			ChannelID:       ch.ID,
			ChannelName:     f.ChannelName,
			Kind:            kind,
			TargetUserID:    targetUserID,
			TargetUsername:  targetLogin,
			DurationS:       durationS,
			Timestamp:       ts,
		},
		Synthesized: synthesized,
	}
	p.archiver.Append(ev)
	p.bus.Publish(bus.Topic{Kind: events.KindModAction, ChannelID: ch.ID}, ev)
}

func (p *Parser) handleUserNotice(ctx context.Context, f ircsession.Frame) {
	if f.ChannelName == "" {
		p.markUnparsed()
		return
	}
	msgID := f.Tags["msg-id"]
	ts, _ := frameTimestamp(f)

	ch, err := p.identity.ResolveChannel(ctx, f.ChannelName, nil)
	if err != nil {
		p.logger.WithFields(logging.Fields{"error": err, "channel": f.ChannelName}).Error("resolve channel failed")
		return
	}

	login := f.Tags["login"]
	var userID int64
	if login != "" {
		if u, err := p.identity.ResolveUser(ctx, login, f.Tags["display-name"], nil); err == nil {
			userID = u.ID
		}
	}

	switch msgID {
	case "sub", "resub":
		months, _ := strconv.Atoi(f.Tags["msg-param-cumulative-months"])
		subType := "sub"
		if msgID == "resub" {
			subType = "resub"
		}
		ev := events.Event{
			Kind:      events.KindSubscription,
			ChannelID: ch.ID,
			Payload: events.SubscriptionData{
				ChannelID:        ch.ID,
				ChannelName:      f.ChannelName,
				UserID:           userID,
				Username:         login,
				SubType:          subType,
				SubPlan:          f.Tags["msg-param-sub-plan"],
				CumulativeMonths: months,
				Timestamp:        ts,
			},
		}
		p.archiver.Append(ev)
		p.bus.Publish(bus.Topic{Kind: events.KindSubscription, ChannelID: ch.ID}, ev)

	case "subgift", "submysterygift":
		giftCount := 1
		if msgID == "submysterygift" {
			if n, err := strconv.Atoi(f.Tags["msg-param-mass-gift-count"]); err == nil {
				giftCount = n
			}
		}
		ev := events.Event{
			Kind:      events.KindGiftSub,
			ChannelID: ch.ID,
			Payload: events.GiftSubData{
				ChannelID:      ch.ID,
				ChannelName:    f.ChannelName,
				GifterUserID:   userID,
				GifterUsername: login,
				GiftCount:      giftCount,
				Timestamp:      ts,
			},
		}
		p.archiver.Append(ev)
		p.bus.Publish(bus.Topic{Kind: events.KindGiftSub, ChannelID: ch.ID}, ev)

	case "raid":
		viewers, _ := strconv.Atoi(f.Tags["msg-param-viewerCount"])
		ev := events.Event{
			Kind:      events.KindRaid,
			ChannelID: ch.ID,
			Payload: events.RaidData{
				ChannelID:   ch.ID,
				ChannelName: f.ChannelName,
				FromChannel: f.Tags["msg-param-login"],
				ViewerCount: viewers,
				Timestamp:   ts,
			},
		}
		p.archiver.Append(ev)
		p.bus.Publish(bus.Topic{Kind: events.KindRaid, ChannelID: ch.ID}, ev)

	default:
		p.markUnparsed()
	}
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
