package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatvault/internal/events"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

type fakeStore struct {
	mu      sync.Mutex
	batches []Batch
	failN   int // fail the first failN calls, then succeed
	calls   int
}

func (s *fakeStore) CommitBatch(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return errors.New("transient store error")
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *fakeStore) snapshot() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

type fakeBus struct {
	mu        sync.Mutex
	published []events.Event
}

func (b *fakeBus) Publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, ev)
}

func (b *fakeBus) snapshot() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.published))
	copy(out, b.published)
	return out
}

func chatEvent(channel, username, wireID string) events.Event {
	return events.Event{
		Kind: events.KindChatMessage,
		Payload: events.ChatMessageData{
			ChannelID:   1,
			UserID:      1,
			MessageText: "hi",
			Timestamp:   time.Now(),
			MessageID:   wireID,
			Username:    username,
			ChannelName: channel,
		},
	}
}

func modActionEvent(channel string) events.Event {
	return events.Event{
		Kind: events.KindModAction,
		Payload: events.ModActionData{
			ChannelID:   1,
			ChannelName: channel,
			Kind:        models.ModActionBan,
			Timestamp:   time.Now(),
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 3
	cfg.MaxBatchAge = 50 * time.Millisecond
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.CommitTimeout = time.Second
	return cfg
}

func TestFlushesOnMaxBatchSize(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	b := New(store, bus, logging.NewLogger(), nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Append(chatEvent("foo", "bob", "1"))
	b.Append(chatEvent("foo", "carol", "2"))
	b.Append(chatEvent("foo", "dave", "3")) // hits MaxBatchSize=3

	waitFor(t, func() bool { return len(store.snapshot()) == 1 })
	batches := store.snapshot()
	if len(batches[0].Messages) != 3 {
		t.Fatalf("expected batch of 3 messages, got %d", len(batches[0].Messages))
	}
}

func TestFlushesOnMaxBatchAge(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	b := New(store, bus, logging.NewLogger(), nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Append(chatEvent("foo", "bob", "1"))

	waitFor(t, func() bool { return len(store.snapshot()) == 1 })
}

func TestMessagesFlushedCarriesDedupedLowercasedSets(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	b := New(store, bus, logging.NewLogger(), nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Append(chatEvent("Foo", "Bob", "1"))
	b.Append(chatEvent("foo", "bob", "2"))
	b.Append(chatEvent("foo", "Carol", "3"))

	waitFor(t, func() bool { return len(bus.snapshot()) == 1 })
	ev := bus.snapshot()[0]
	data := ev.Payload.(events.MessagesFlushedData)
	if data.Count != 3 {
		t.Fatalf("expected count 3, got %d", data.Count)
	}
	if len(data.Channels) != 1 || data.Channels[0] != "foo" {
		t.Fatalf("expected deduped channel [foo], got %v", data.Channels)
	}
	if len(data.Usernames) != 2 {
		t.Fatalf("expected 2 deduped usernames, got %v", data.Usernames)
	}
}

func TestRetriesOnCommitFailureWithoutDroppingEvents(t *testing.T) {
	store := &fakeStore{failN: 2}
	bus := &fakeBus{}
	b := New(store, bus, logging.NewLogger(), nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Append(chatEvent("foo", "bob", "1"))

	waitFor(t, func() bool { return len(store.snapshot()) == 1 })
	if store.snapshot()[0].Messages[0].WireID != "1" {
		t.Fatalf("expected the original event to survive retries")
	}
}

func TestFlushNowBlocksUntilCommitted(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	b := New(store, bus, logging.NewLogger(), nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Append(chatEvent("foo", "bob", "1"))
	if err := b.FlushNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.snapshot()) != 1 {
		t.Fatalf("expected FlushNow to have committed the pending batch")
	}
}

func TestModActionNeverDroppedWhenBacklogFull(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig()
	cfg.BacklogCap = 2
	cfg.MaxBatchSize = 1_000_000 // never flush on size — force a full backlog
	cfg.MaxBatchAge = time.Hour
	cfg.BlockTimeout = time.Millisecond
	b := New(store, nil, logging.NewLogger(), nil, cfg)

	b.Append(chatEvent("foo", "bob", "1"))
	b.Append(chatEvent("foo", "carol", "2"))
	// backlog now at cap; a 3rd chat message should be dropped (oldest evicted)
	b.Append(chatEvent("foo", "dave", "3"))
	// mod actions must never be evicted or rejected
	b.Append(modActionEvent("foo"))
	b.Append(modActionEvent("foo"))

	b.mu.Lock()
	defer b.mu.Unlock()
	var modActions int
	for _, it := range b.pending {
		if it.kind == events.KindModAction {
			modActions++
		}
	}
	if modActions != 2 {
		t.Fatalf("expected both mod actions retained, got %d", modActions)
	}
}

func TestStatsReportsBufferedAndFlushErrors(t *testing.T) {
	store := &fakeStore{failN: 1}
	b := New(store, nil, logging.NewLogger(), nil, testConfig())

	b.Append(chatEvent("foo", "bob", "1"))
	if got := b.Stats().Buffered; got != 1 {
		t.Fatalf("expected Buffered=1 before any flush, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	waitFor(t, func() bool { return b.Stats().FlushErrors >= 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
