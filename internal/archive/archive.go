// Package archive implements the Archive Buffer (C5, spec.md §4.5): the
// durability kernel that accepts a high-rate stream of events and commits
// them to the store in batches, exposing append as the only thing
// producers need to know about.
//
// Modeled on the usage-tracking aggregator pattern
// (api_gateway/internal/middleware/usage_tracker.go): a ticker-driven flush
// loop, a single control goroutine so commits never overlap, and a
// final flush on shutdown.
package archive

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatvault/internal/events"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

// OverflowPolicy selects what Append does once the backlog is at capacity,
// per spec.md §4.5's invitation to "pick one and document it".
type OverflowPolicy string

const (
	// OverflowDrop is the reference policy: block append for up to
	// BlockTimeout, then drop the oldest droppable (non-mod-action) item.
	OverflowDrop OverflowPolicy = "drop"
	// OverflowSpill appends droppable items to an on-disk JSONL file
	// instead, draining them back into the backlog as room frees up.
	OverflowSpill OverflowPolicy = "spill"
)

// Config holds the Archive Buffer's tunables (spec.md §4.5, §6).
type Config struct {
	MaxBatchSize   int
	MaxBatchAge    time.Duration
	BacklogCap     int
	BlockTimeout   time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	CommitTimeout  time.Duration
	OverflowPolicy OverflowPolicy
	SpillDir       string
}

// DefaultConfig fills in spec.md's suggested defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:   500,
		MaxBatchAge:    2 * time.Second,
		BacklogCap:     50_000,
		BlockTimeout:   100 * time.Millisecond,
		BackoffMin:     100 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		CommitTimeout:  10 * time.Second,
		OverflowPolicy: OverflowDrop,
		SpillDir:       "",
	}
}

// Batch is one commit's worth of rows, grouped by destination table.
type Batch struct {
	Messages     []models.Message
	ModActions   []models.ModAction
	Monetization []MonetizationEvent
}

func (b Batch) empty() bool {
	return len(b.Messages) == 0 && len(b.ModActions) == 0 && len(b.Monetization) == 0
}

// MonetizationEvent is the generic row shape for the "monetization-event
// tables" spec.md §6 mentions without specifying columns for (bits, subs,
// gift subs, raids) — kept as one table with a kind discriminator and a
// JSON payload since column layout is a collaborator contract, not part
// of the core.
type MonetizationEvent struct {
	ChannelID int64
	UserID    int64
	Kind      events.Kind
	Payload   []byte
	Timestamp time.Time
}

// Store is the collaborator contract for committing a batch durably.
// CommitBatch must be transactional: either the whole batch lands or none
// of it does (spec.md §4.5, §5).
type Store interface {
	CommitBatch(ctx context.Context, batch Batch) error
}

// Publisher is the Event Bus's producer-facing surface, used to re-emit
// MessagesFlushed after every successful commit (spec.md §4.5, §3).
type Publisher interface {
	Publish(ev events.Event)
}

// Metrics are the optional Prometheus hooks for archive activity.
type Metrics struct {
	Flushes       Counter
	FlushErrors   Counter
	FlushDuration Observer
	Dropped       Counter
	Buffered      Gauge
	Inflight      Gauge
}

type Counter interface{ Inc() }
type Gauge interface{ Set(float64) }
type Observer interface{ Observe(float64) }

// item is the buffer's internal, table-agnostic unit. channelName/username
// are carried alongside the typed row purely so a completed batch can
// report deduplicated, lowercased sets in MessagesFlushed without a
// round-trip back through the Identity Resolver.
type item struct {
	kind        events.Kind
	channelName string
	username    string
	message     *models.Message
	modAction   *models.ModAction
	mon         *MonetizationEvent
}

// Stats is the snapshot returned by Buffer.Stats, mirroring spec.md §4.5's
// `stats() → {buffered, inflight, lastFlushAt, flushErrors}`.
type Stats struct {
	Buffered    int
	Inflight    bool
	LastFlushAt time.Time
	FlushErrors uint64
}

// Buffer is the Archive Buffer. Zero value is not usable; use New.
type Buffer struct {
	store   Store
	bus     Publisher
	logger  logging.Logger
	metrics *Metrics
	cfg     Config
	spill   *spillFile

	mu      sync.Mutex
	pending []item
	notify  chan struct{}

	sizeSignal chan struct{}
	flushNowCh chan chan error

	inflight    atomic.Bool
	lastFlushAt atomic.Value // time.Time
	flushErrors atomic.Uint64
}

// New creates a Buffer. bus may be nil in tests that don't care about the
// messages_flushed side effect.
func New(store Store, bus Publisher, logger logging.Logger, metrics *Metrics, cfg Config) *Buffer {
	if cfg.MaxBatchSize <= 0 {
		cfg = DefaultConfig()
	}
	b := &Buffer{
		store:      store,
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
		notify:     make(chan struct{}),
		sizeSignal: make(chan struct{}, 1),
		flushNowCh: make(chan chan error),
	}
	if cfg.OverflowPolicy == OverflowSpill {
		b.spill = newSpillFile(cfg.SpillDir)
	}
	b.lastFlushAt.Store(time.Time{})
	return b
}

// Append enqueues ev for the next batch and returns immediately. Events of
// kinds the Archive Buffer doesn't persist (message_deleted, channel_status,
// stats snapshots, ...) are silently ignored — those are derived/volatile,
// not store-backed.
func (b *Buffer) Append(ev events.Event) {
	it, ok := toItem(ev)
	if !ok {
		return
	}

	droppable := it.kind != events.KindModAction
	if droppable {
		b.waitForRoom(b.cfg.BlockTimeout)
	}

	b.mu.Lock()
	if droppable && len(b.pending) >= b.cfg.BacklogCap {
		switch b.cfg.OverflowPolicy {
		case OverflowSpill:
			b.mu.Unlock()
			if err := b.spill.append(it); err != nil {
				b.logger.WithFields(logging.Fields{"error": err}).Error("archive: spill to overflow file failed")
			}
			return
		default:
			if idx := indexOfOldestDroppable(b.pending); idx >= 0 {
				b.pending = append(b.pending[:idx], b.pending[idx+1:]...)
				if b.metrics != nil && b.metrics.Dropped != nil {
					b.metrics.Dropped.Inc()
				}
			}
		}
	}

	b.pending = append(b.pending, it)
	shouldFlush := len(b.pending) >= b.cfg.MaxBatchSize
	if b.metrics != nil && b.metrics.Buffered != nil {
		b.metrics.Buffered.Set(float64(len(b.pending)))
	}
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.sizeSignal <- struct{}{}:
		default:
		}
	}
}

// waitForRoom blocks up to timeout for the backlog to drop below capacity.
// It never blocks mod actions — callers only invoke it for droppable kinds.
func (b *Buffer) waitForRoom(timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if len(b.pending) < b.cfg.BacklogCap {
			b.mu.Unlock()
			return
		}
		ch := b.notify
		b.mu.Unlock()
		select {
		case <-ch:
		case <-deadline.C:
			return
		}
	}
}

// indexOfOldestDroppable returns the index of the oldest non-mod-action
// item, or -1 if the backlog is entirely mod actions (which can happen
// transiently — mod actions are never dropped, so the backlog can
// legitimately exceed BacklogCap by however many are in flight).
func indexOfOldestDroppable(pending []item) int {
	for i, it := range pending {
		if it.kind != events.KindModAction {
			return i
		}
	}
	return -1
}

func toItem(ev events.Event) (item, bool) {
	switch data := ev.Payload.(type) {
	case events.ChatMessageData:
		msg := models.Message{
			ChannelID:     data.ChannelID,
			UserID:        data.UserID,
			Text:          data.MessageText,
			Timestamp:     data.Timestamp,
			WireID:        data.MessageID,
			Badges:        data.Badges,
			Emotes:        data.Emotes,
			SynthesizedTS: ev.Synthesized,
		}
		if data.ReplyToWireID != "" {
			reply := data.ReplyToWireID
			msg.ReplyToWireID = &reply
		}
		return item{kind: events.KindChatMessage, message: &msg, channelName: data.ChannelName, username: data.Username}, true

	case events.ModActionData:
		ma := models.ModAction{
			ChannelID:     data.ChannelID,
			ModeratorID:   data.ModeratorID,
			TargetUserID:  data.TargetUserID,
			Kind:          data.Kind,
			DurationS:     data.DurationS,
			Reason:        data.Reason,
			Timestamp:     data.Timestamp,
			RelatedWireID: data.RelatedWireID,
		}
		return item{kind: events.KindModAction, modAction: &ma, channelName: data.ChannelName, username: data.TargetUsername}, true

	case events.BitsData:
		return monetizationItem(ev.Kind, data.ChannelID, data.UserID, data.Timestamp, data.ChannelName, data.Username, data)
	case events.SubscriptionData:
		return monetizationItem(ev.Kind, data.ChannelID, data.UserID, data.Timestamp, data.ChannelName, data.Username, data)
	case events.GiftSubData:
		return monetizationItem(ev.Kind, data.ChannelID, data.GifterUserID, data.Timestamp, data.ChannelName, data.GifterUsername, data)
	case events.RaidData:
		return monetizationItem(ev.Kind, data.ChannelID, 0, data.Timestamp, data.ChannelName, data.FromChannel, data)

	default:
		return item{}, false
	}
}

func monetizationItem(kind events.Kind, channelID, userID int64, ts time.Time, channelName, username string, payload interface{}) (item, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return item{}, false
	}
	mon := MonetizationEvent{ChannelID: channelID, UserID: userID, Kind: kind, Payload: raw, Timestamp: ts}
	return item{kind: kind, mon: &mon, channelName: channelName, username: username}, true
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	buffered := len(b.pending)
	b.mu.Unlock()
	last, _ := b.lastFlushAt.Load().(time.Time)
	return Stats{
		Buffered:    buffered,
		Inflight:    b.inflight.Load(),
		LastFlushAt: last,
		FlushErrors: b.flushErrors.Load(),
	}
}

// Run drives the flush loop until ctx is canceled, then performs one final
// flush before returning — the "archive buffer runs a final flushNow"
// step of spec.md §5's shutdown sequence.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.MaxBatchAge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush()
			return
		case <-ticker.C:
			b.flush()
			b.drainSpill()
		case <-b.sizeSignal:
			b.flush()
			b.drainSpill()
		case resp := <-b.flushNowCh:
			b.flush()
			resp <- nil
		}
	}
}

// FlushNow forces an immediate batch and blocks until it has committed
// (spec.md §4.5's `flushNow()` contract). Used by callers that need a
// read-your-writes guarantee, and by shutdown.
func (b *Buffer) FlushNow(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case b.flushNowCh <- resp:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush commits the current backlog as one transaction. Commit retries are
// unbounded with exponential backoff (spec.md §4.5) — events are never
// dropped on commit failure, so this call always eventually returns once
// the store accepts the batch. It is only ever invoked from Run's single
// goroutine (or synchronously before Run starts, in tests), which is what
// keeps commits serialized.
func (b *Buffer) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	old := b.notify
	b.notify = make(chan struct{})
	if b.metrics != nil && b.metrics.Buffered != nil {
		b.metrics.Buffered.Set(0)
	}
	b.mu.Unlock()
	close(old)

	out := splitBatch(batch)
	if out.empty() {
		return
	}

	b.inflight.Store(true)
	if b.metrics != nil && b.metrics.Inflight != nil {
		b.metrics.Inflight.Set(1)
	}
	start := time.Now()

	attempt := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CommitTimeout)
		err := b.store.CommitBatch(ctx, out)
		cancel()
		if err == nil {
			break
		}
		b.flushErrors.Add(1)
		if b.metrics != nil && b.metrics.FlushErrors != nil {
			b.metrics.FlushErrors.Inc()
		}
		wait := backoffDuration(attempt, b.cfg.BackoffMin, b.cfg.BackoffMax)
		b.logger.WithFields(logging.Fields{"error": err, "attempt": attempt, "wait": wait}).
			Error("archive: batch commit failed, retrying")
		attempt++
		time.Sleep(wait)
	}

	b.inflight.Store(false)
	if b.metrics != nil {
		if b.metrics.Inflight != nil {
			b.metrics.Inflight.Set(0)
		}
		if b.metrics.Flushes != nil {
			b.metrics.Flushes.Inc()
		}
		if b.metrics.FlushDuration != nil {
			b.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		}
	}
	b.lastFlushAt.Store(time.Now())

	if b.bus != nil {
		b.bus.Publish(flushedEvent(batch))
	}
}

// drainSpill moves spilled items back into the backlog once there's room,
// per spec.md §4.5's overflow-to-file description ("drained back into the
// backlog once space frees up").
func (b *Buffer) drainSpill() {
	if b.spill == nil {
		return
	}
	b.mu.Lock()
	room := b.cfg.BacklogCap - len(b.pending)
	b.mu.Unlock()
	if room <= 0 {
		return
	}
	items, err := b.spill.drain(room)
	if err != nil {
		b.logger.WithFields(logging.Fields{"error": err}).Error("archive: draining overflow file failed")
		return
	}
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, items...)
	b.mu.Unlock()
}

// flushedEvent builds the MessagesFlushed marker spec.md §8 asks for: count
// equal to the whole batch's size, usernames/channels the deduplicated
// lowercased sets seen anywhere in the batch.
func flushedEvent(items []item) events.Event {
	userSet := map[string]struct{}{}
	channelSet := map[string]struct{}{}
	for _, it := range items {
		if it.username != "" {
			userSet[strings.ToLower(it.username)] = struct{}{}
		}
		if it.channelName != "" {
			channelSet[strings.ToLower(it.channelName)] = struct{}{}
		}
	}
	usernames := make([]string, 0, len(userSet))
	for u := range userSet {
		usernames = append(usernames, u)
	}
	channels := make([]string, 0, len(channelSet))
	for c := range channelSet {
		channels = append(channels, c)
	}
	return events.Event{
		Kind:      events.KindMessagesFlushed,
		ChannelID: events.GlobalChannel,
		Payload: events.MessagesFlushedData{
			Usernames: usernames,
			Channels:  channels,
			Count:     len(items),
			Timestamp: time.Now(),
		},
	}
}

func backoffDuration(attempt int, min, max time.Duration) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	d := min * time.Duration(uint64(1)<<uint(attempt))
	if d <= 0 || d > max {
		d = max
	}
	return d
}

func splitBatch(items []item) Batch {
	var out Batch
	for _, it := range items {
		switch {
		case it.message != nil:
			out.Messages = append(out.Messages, *it.message)
		case it.modAction != nil:
			out.ModActions = append(out.ModActions, *it.modAction)
		case it.mon != nil:
			out.Monetization = append(out.Monetization, *it.mon)
		}
	}
	return out
}
