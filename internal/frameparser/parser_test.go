package frameparser

import (
	"context"
	"testing"

	"chatvault/internal/bus"
	"chatvault/internal/events"
	"chatvault/internal/ircsession"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

type fakeIdentity struct {
	channels map[string]models.Channel
	users    map[string]models.User
	nextID   int64
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{channels: map[string]models.Channel{}, users: map[string]models.User{}}
}

func (f *fakeIdentity) ResolveChannel(ctx context.Context, name string, twitchID *string) (models.Channel, error) {
	if ch, ok := f.channels[name]; ok {
		return ch, nil
	}
	f.nextID++
	ch := models.Channel{ID: f.nextID, Name: name, Active: true}
	f.channels[name] = ch
	return ch, nil
}

func (f *fakeIdentity) ResolveUser(ctx context.Context, username, displayName string, twitchID *string) (models.User, error) {
	if u, ok := f.users[username]; ok {
		return u, nil
	}
	f.nextID++
	u := models.User{ID: f.nextID, Username: username, DisplayName: displayName}
	f.users[username] = u
	return u, nil
}

type fakeArchiver struct {
	appended []events.Event
}

func (a *fakeArchiver) Append(ev events.Event) { a.appended = append(a.appended, ev) }

type fakePublisher struct {
	published []events.Event
}

func (p *fakePublisher) Publish(topic bus.Topic, ev events.Event) { p.published = append(p.published, ev) }

func newTestParser() (*Parser, *fakeIdentity, *fakeArchiver, *fakePublisher) {
	identity := newFakeIdentity()
	archiver := &fakeArchiver{}
	publisher := &fakePublisher{}
	p := New(identity, archiver, publisher, logging.NewLogger(), nil)
	return p, identity, archiver, publisher
}

func TestPrivmsgProducesChatMessage(t *testing.T) {
	p, _, archiver, publisher := newTestParser()

	frame := ircsession.Frame{
		ChannelName: "foo",
		Prefix:      "bob!bob@bob.tmi.twitch.tv",
		Command:     "PRIVMSG",
		Params:      []string{"#foo"},
		Trailing:    "hi",
		Tags: map[string]string{
			"id":           "A",
			"tmi-sent-ts":  "1700000000000",
			"display-name": "Bob",
		},
	}

	p.handle(context.Background(), frame)

	if len(archiver.appended) != 1 {
		t.Fatalf("expected 1 archived event, got %d", len(archiver.appended))
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(publisher.published))
	}
	data, ok := publisher.published[0].Payload.(events.ChatMessageData)
	if !ok {
		t.Fatalf("expected ChatMessageData payload, got %T", publisher.published[0].Payload)
	}
	if data.MessageID != "A" || data.MessageText != "hi" || data.Username != "bob" {
		t.Fatalf("unexpected chat message data: %+v", data)
	}
	if publisher.published[0].Synthesized {
		t.Fatalf("expected non-synthesized timestamp when tmi-sent-ts present")
	}
}

func TestPrivmsgMissingTmiSentTSIsSynthesized(t *testing.T) {
	p, _, _, publisher := newTestParser()

	frame := ircsession.Frame{
		ChannelName: "foo",
		Prefix:      "bob!bob@bob.tmi.twitch.tv",
		Command:     "PRIVMSG",
		Trailing:    "hi",
		Tags:        map[string]string{"id": "A"},
	}
	p.handle(context.Background(), frame)

	if len(publisher.published) != 1 || !publisher.published[0].Synthesized {
		t.Fatalf("expected a synthesized chat message event")
	}
}

func TestBitsTagProducesBitsEvent(t *testing.T) {
	p, _, _, publisher := newTestParser()

	frame := ircsession.Frame{
		ChannelName: "foo",
		Prefix:      "bob!bob@bob.tmi.twitch.tv",
		Command:     "PRIVMSG",
		Trailing:    "cheer100",
		Tags:        map[string]string{"id": "A", "tmi-sent-ts": "1700000000000", "bits": "100"},
	}
	p.handle(context.Background(), frame)

	var sawBits bool
	for _, ev := range publisher.published {
		if ev.Kind == events.KindBits {
			sawBits = true
			bd := ev.Payload.(events.BitsData)
			if bd.Bits != 100 {
				t.Fatalf("expected 100 bits, got %d", bd.Bits)
			}
		}
	}
	if !sawBits {
		t.Fatalf("expected a bits event in addition to chat_message")
	}
}

func TestClearMsgProducesDeleteModActionAndMessageDeleted(t *testing.T) {
	p, _, archiver, publisher := newTestParser()

	frame := ircsession.Frame{
		ChannelName: "foo",
		Command:     "CLEARMSG",
		Tags:        map[string]string{"target-msg-id": "A", "login": "bob", "tmi-sent-ts": "1700000000000"},
	}
	p.handle(context.Background(), frame)

	if len(archiver.appended) != 1 {
		t.Fatalf("expected 1 archived mod_action, got %d", len(archiver.appended))
	}
	var sawDeleted bool
	for _, ev := range publisher.published {
		if ev.Kind == events.KindMessageDeleted {
			sawDeleted = true
			md := ev.Payload.(events.MessageDeletedData)
			if md.MessageID != "A" {
				t.Fatalf("expected deleted messageId A, got %s", md.MessageID)
			}
		}
	}
	if !sawDeleted {
		t.Fatalf("expected a message_deleted event")
	}
}

func TestClearChatTimeoutVsBanVsClear(t *testing.T) {
	p, _, _, publisher := newTestParser()

	// timeout
	p.handle(context.Background(), ircsession.Frame{
		ChannelName: "foo",
		Command:     "CLEARCHAT",
		Trailing:    "bob",
		Tags:        map[string]string{"target-user-id": "1", "ban-duration": "600"},
	})
	ev := publisher.published[len(publisher.published)-1]
	ma := ev.Payload.(events.ModActionData)
	if ma.Kind != models.ModActionTimeout || ma.DurationS == nil || *ma.DurationS != 600 {
		t.Fatalf("expected timeout 600s, got %+v", ma)
	}

	// ban
	p.handle(context.Background(), ircsession.Frame{
		ChannelName: "foo",
		Command:     "CLEARCHAT",
		Trailing:    "carol",
		Tags:        map[string]string{"target-user-id": "2"},
	})
	ev = publisher.published[len(publisher.published)-1]
	ma = ev.Payload.(events.ModActionData)
	if ma.Kind != models.ModActionBan {
		t.Fatalf("expected ban, got %+v", ma)
	}

	// clear (no target)
	p.handle(context.Background(), ircsession.Frame{
		ChannelName: "foo",
		Command:     "CLEARCHAT",
	})
	ev = publisher.published[len(publisher.published)-1]
	ma = ev.Payload.(events.ModActionData)
	if ma.Kind != models.ModActionClear {
		t.Fatalf("expected clear, got %+v", ma)
	}
}

func TestUserNoticeRaid(t *testing.T) {
	p, _, _, publisher := newTestParser()

	p.handle(context.Background(), ircsession.Frame{
		ChannelName: "foo",
		Command:     "USERNOTICE",
		Tags: map[string]string{
			"msg-id":                  "raid",
			"login":                   "raider",
			"msg-param-viewerCount":   "250",
			"msg-param-login":         "raider",
		},
	})

	if len(publisher.published) != 1 {
		t.Fatalf("expected 1 event, got %d", len(publisher.published))
	}
	rd := publisher.published[0].Payload.(events.RaidData)
	if rd.ViewerCount != 250 {
		t.Fatalf("expected 250 viewers, got %d", rd.ViewerCount)
	}
}

func TestUnparseablePrivmsgIsCountedNotFatal(t *testing.T) {
	var unparsed int
	metrics := &Metrics{Unparsed: counterFunc(func() { unparsed++ })}
	identity := newFakeIdentity()
	archiver := &fakeArchiver{}
	publisher := &fakePublisher{}
	p := New(identity, archiver, publisher, logging.NewLogger(), metrics)

	// missing wire id -> unparseable
	p.handle(context.Background(), ircsession.Frame{
		ChannelName: "foo",
		Command:     "PRIVMSG",
		Trailing:    "hi",
	})

	if unparsed != 1 {
		t.Fatalf("expected 1 unparsed frame counted, got %d", unparsed)
	}
	if len(archiver.appended) != 0 || len(publisher.published) != 0 {
		t.Fatalf("expected no events produced for unparseable frame")
	}
}

type counterFunc func()

func (f counterFunc) Inc() { f() }
