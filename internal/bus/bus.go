// Package bus implements the in-process publish/subscribe fabric described
// in spec.md §4.6. Topics are typed by event kind and keyed by channel id
// (or events.GlobalChannel). A slow subscriber never blocks publication to
// any other subscriber — its bounded buffer fills and further events for it
// are dropped, tail-first, with a counter on its handle.
package bus

import (
	"sync"
	"sync/atomic"

	"chatvault/internal/events"
	"chatvault/pkg/logging"
)

// DefaultBufferSize is the suggested per-subscriber buffer from spec.md §4.6.
const DefaultBufferSize = 256

// AllChannels is an internal-only wildcard channel id. Consumers that need
// to observe every channel's events of a given Kind (the Subscription
// Broker's room-dispatch loop, the Webhook Dispatcher)
// subscribe to Topic{Kind, AllChannels} instead of one topic per channel.
// It is never used as a client-facing room — events.GlobalChannel is the
// room clients subscribe to for system-wide events.
const AllChannels int64 = -1

// Topic identifies a fan-out bucket: an event Kind scoped to one channel,
// or to events.GlobalChannel for system-wide topics.
type Topic struct {
	Kind      events.Kind
	ChannelID int64
}

// Subscriber is a single consumer's handle on the bus. Events arrive on C in
// publication order for any one topic; Dropped() reports how many events
// this subscriber has lost to a full buffer.
type Subscriber struct {
	id      uint64
	C       <-chan events.Event
	c       chan events.Event
	dropped uint64
	topics  map[Topic]struct{}
}

// Dropped returns the number of events dropped for this subscriber so far.
func (s *Subscriber) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Bus is the publish/subscribe fabric. Zero value is not usable; use New.
type Bus struct {
	mu         sync.RWMutex
	bufferSize int
	nextID     uint64
	byTopic    map[Topic]map[uint64]*Subscriber
	logger     logging.Logger
	metrics    *Metrics
}

// Metrics are the optional Prometheus hooks for bus activity. Any field may
// be left nil; nil-safe helpers below handle that.
type Metrics struct {
	Published PublishCounter
	Dropped   DropCounter
}

// PublishCounter and DropCounter are narrow seams so bus doesn't import
// prometheus directly; cmd/chatvaultd wires concrete collectors in.
type PublishCounter interface {
	Inc(kind string, channelID int64)
}
type DropCounter interface {
	Inc(kind string, channelID int64)
}

// New creates a Bus. bufferSize <= 0 uses DefaultBufferSize.
func New(bufferSize int, logger logging.Logger, metrics *Metrics) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize: bufferSize,
		byTopic:    make(map[Topic]map[uint64]*Subscriber),
		logger:     logger,
		metrics:    metrics,
	}
}

// Subscribe returns a Subscriber registered against every given topic.
func (b *Bus) Subscribe(topics ...Topic) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan events.Event, b.bufferSize)
	sub := &Subscriber{
		id:     b.nextID,
		C:      ch,
		c:      ch,
		topics: make(map[Topic]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
		if b.byTopic[t] == nil {
			b.byTopic[t] = make(map[uint64]*Subscriber)
		}
		b.byTopic[t][sub.id] = sub
	}
	return sub
}

// Unsubscribe removes a subscriber from every topic it was registered for.
// Its channel is left open (never closed), so a reader blocked on C is not
// woken. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for t := range sub.topics {
		if set, ok := b.byTopic[t]; ok {
			if _, present := set[sub.id]; present {
				delete(set, sub.id)
				if len(set) == 0 {
					delete(b.byTopic, t)
				}
			}
		}
	}
	sub.topics = nil
}

// Publish delivers ev to every subscriber of topic, non-blocking, and also
// to every subscriber of the AllChannels wildcard topic for the same Kind
// (unless topic is itself the wildcard). A subscriber whose buffer is full
// does not receive ev and its dropped counter increments; no other
// subscriber is affected.
func (b *Bus) Publish(topic Topic, ev events.Event) {
	b.mu.RLock()
	set := b.byTopic[topic]
	subs := make([]*Subscriber, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	if topic.ChannelID != AllChannels {
		wildcard := b.byTopic[Topic{Kind: topic.Kind, ChannelID: AllChannels}]
		for _, s := range wildcard {
			if _, dup := set[s.id]; !dup {
				subs = append(subs, s)
			}
		}
	}
	b.mu.RUnlock()

	if b.metrics != nil && b.metrics.Published != nil {
		b.metrics.Published.Inc(string(topic.Kind), topic.ChannelID)
	}

	for _, s := range subs {
		select {
		case s.c <- ev:
		default:
			atomic.AddUint64(&s.dropped, 1)
			if b.metrics != nil && b.metrics.Dropped != nil {
				b.metrics.Dropped.Inc(string(topic.Kind), topic.ChannelID)
			}
		}
	}
}

// SubscriberCount returns how many subscribers are registered on a topic.
// Intended for tests and diagnostics.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTopic[topic])
}
