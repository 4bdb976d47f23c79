// Package webhook implements the Webhook Dispatcher (C8, spec.md §4.8): for
// every persisted event of interest, evaluate each registration's filter
// predicate and deliver matches of enabled, unmuted registrations to the
// destination URL with
// at-least-once semantics and per-destination failure isolation.
//
// Grounded on the Archive Buffer's "single control goroutine per unit of
// serialization" shape (internal/archive/archive.go): here the unit is one
// registration, not the whole buffer, so each registration gets its own
// worker goroutine draining its own FIFO queue, giving parallel delivery
// across registrations and strict order within one.
package webhook

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatvault/internal/bus"
	"chatvault/internal/events"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

// QueueBound is the suggested per-registration FIFO depth (spec.md §4.8).
const QueueBound = 100

// AutoMuteThreshold is the suggested consecutive-failure count at which a
// registration is muted (spec.md §4.8).
const AutoMuteThreshold = 20

// DefaultAttempts is the suggested retry attempt count for 429/5xx responses.
const DefaultAttempts = 5

// DefaultRatePerSecond is the suggested per-destination-URL request rate.
const DefaultRatePerSecond = 5.0

// Store is the dispatcher's read/write collaborator for registrations.
// Registration rows themselves are written by an out-of-scope admin
// surface; this package lists every registration (muted or disabled ones
// included, so their filters are still evaluated; no count of those
// matches is kept) and records delivery outcomes against them.
type Store interface {
	ListAll(ctx context.Context) ([]models.WebhookRegistration, error)
	RecordSuccess(ctx context.Context, id int64, at time.Time) error
	RecordFailure(ctx context.Context, id int64) (consecutiveFailures int, err error)
	Mute(ctx context.Context, id int64) error
}

// Deliverer sends one outbound POST and reports how the destination
// responded. Implemented by httpDeliverer (retryablehttp-backed); a fake
// stands in for it in tests.
type Deliverer interface {
	Deliver(ctx context.Context, url string, body []byte) (outcome Outcome, err error)
}

// Outcome classifies a completed delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryableFailure
	OutcomePermanentFailure
)

// Publisher is the bus seam the dispatcher uses to emit WebhookAutoMuted.
type Publisher interface {
	Publish(topic bus.Topic, ev events.Event)
}

// Metrics are the optional Prometheus hooks for dispatcher activity.
type Metrics struct {
	Delivered  Counter
	Failed     Counter
	AutoMuted  Counter
	QueueDrops Counter
	QueueDepth Gauge
}

type Counter interface{ Inc() }
type Gauge interface{ Set(float64) }

// Config holds the dispatcher's tunables.
type Config struct {
	QueueBound        int
	AutoMuteThreshold int
	Attempts          int
	RatePerSecond     float64
	RefreshInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueBound:        QueueBound,
		AutoMuteThreshold: AutoMuteThreshold,
		Attempts:          DefaultAttempts,
		RatePerSecond:     DefaultRatePerSecond,
		RefreshInterval:   10 * time.Second,
	}
}

// Dispatcher subscribes to the event bus, evaluates every registration's
// filter against each incoming event, and fans matches of enabled, unmuted
// registrations out to one worker goroutine per registration.
type Dispatcher struct {
	store     Store
	deliverer Deliverer
	bus       Publisher
	logger    logging.Logger
	metrics   *Metrics
	cfg       Config
	limiters  *limiterSet

	sub *bus.Subscriber

	mu      sync.Mutex
	workers map[int64]*worker
	regs    []models.WebhookRegistration
	regByID map[int64]models.WebhookRegistration

	statusMu   sync.Mutex
	lastStatus map[int64]events.ChannelStatusData
}

func New(store Store, deliverer Deliverer, pub Publisher, logger logging.Logger, metrics *Metrics, cfg Config) *Dispatcher {
	if cfg.QueueBound <= 0 {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		store:     store,
		deliverer: deliverer,
		bus:       pub,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		limiters:   newLimiterSet(cfg.RatePerSecond),
		workers:    make(map[int64]*worker),
		regByID:    make(map[int64]models.WebhookRegistration),
		lastStatus: make(map[int64]events.ChannelStatusData),
	}
}

// Subscribe registers the dispatcher against every Kind it evaluates, on
// the AllChannels wildcard so it sees events for every channel.
func (d *Dispatcher) Subscribe(b *bus.Bus) {
	kinds := []events.Kind{
		events.KindChatMessage,
		events.KindModAction,
		events.KindChannelStatus,
		events.KindBits,
		events.KindSubscription,
		events.KindGiftSub,
		events.KindRaid,
	}
	topics := make([]bus.Topic, 0, len(kinds))
	for _, k := range kinds {
		topics = append(topics, bus.Topic{Kind: k, ChannelID: bus.AllChannels})
	}
	d.sub = b.Subscribe(topics...)
}

// Run drives both the registration-list refresh loop and the event-intake
// loop until ctx is cancelled. Each registration's own worker goroutine
// (see worker.go) keeps running until it is stopped: by stopAllWorkers when
// Run returns, or by ensureWorkers when its registration disappears.
func (d *Dispatcher) Run(ctx context.Context) {
	d.refresh(ctx)
	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()
	defer d.stopAllWorkers()
	defer d.limiters.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		case ev, ok := <-d.sub.C:
			if !ok {
				return
			}
			d.route(ctx, ev)
		}
	}
}

func (d *Dispatcher) refresh(ctx context.Context) {
	regs, err := d.store.ListAll(ctx)
	if err != nil {
		d.logger.WithFields(logging.Fields{"error": err}).Error("webhook: failed to refresh registrations")
		return
	}
	d.mu.Lock()
	d.regs = regs
	d.regByID = make(map[int64]models.WebhookRegistration, len(regs))
	for _, r := range regs {
		d.regByID[r.ID] = r
	}
	d.mu.Unlock()
	d.ensureWorkers(regs)
}

func (d *Dispatcher) ensureWorkers(regs []models.WebhookRegistration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := make(map[int64]struct{}, len(regs))
	for _, r := range regs {
		live[r.ID] = struct{}{}
		if _, ok := d.workers[r.ID]; !ok {
			w := newWorker(r.ID, d, d.cfg.QueueBound)
			d.workers[r.ID] = w
			go w.run()
		}
	}
	for id, w := range d.workers {
		if _, ok := live[id]; !ok {
			w.stop()
			delete(d.workers, id)
		}
	}
}

func (d *Dispatcher) stopAllWorkers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, w := range d.workers {
		w.stop()
		delete(d.workers, id)
	}
}

// route evaluates ev against every known registration and enqueues it onto
// every matching registration's worker.
func (d *Dispatcher) route(ctx context.Context, ev events.Event) {
	var transition models.WebhookKind
	if ev.Kind == events.KindChannelStatus {
		transition = d.classifyStatusTransition(ev.Payload.(events.ChannelStatusData))
		if transition == "" {
			return // no edge (e.g. a repeated "still live" snapshot with no game change)
		}
	}

	d.mu.Lock()
	regs := make([]models.WebhookRegistration, len(d.regs))
	copy(regs, d.regs)
	d.mu.Unlock()

	for _, reg := range regs {
		if !matches(reg, ev, transition) {
			continue
		}
		if !reg.Enabled || reg.Muted {
			continue // matched but not delivered; no counter records this match
		}
		d.mu.Lock()
		w := d.workers[reg.ID]
		d.mu.Unlock()
		if w == nil {
			continue
		}
		if !w.enqueue(ev) {
			if d.metrics != nil && d.metrics.QueueDrops != nil {
				d.metrics.QueueDrops.Inc()
			}
			d.logger.WithFields(logging.Fields{"registration_id": reg.ID}).Warn("webhook: queue full, dropping event")
		}
	}
}

// classifyStatusTransition compares a channel_status snapshot against the
// last one seen for that channel and reports which webhook kind (if any)
// the edge corresponds to. The first snapshot for a channel is always
// treated as an edge (live or offline, whichever it reports) since there is
// no prior state to compare against.
func (d *Dispatcher) classifyStatusTransition(data events.ChannelStatusData) models.WebhookKind {
	d.statusMu.Lock()
	prev, ok := d.lastStatus[data.ChannelID]
	d.lastStatus[data.ChannelID] = data
	d.statusMu.Unlock()

	switch {
	case !ok:
		if data.Live {
			return models.WebhookChannelLive
		}
		return models.WebhookChannelOffline
	case !prev.Live && data.Live:
		return models.WebhookChannelLive
	case prev.Live && !data.Live:
		return models.WebhookChannelOffline
	case prev.Live && data.Live && gameChanged(prev.Game, data.Game):
		return models.WebhookChannelGameChange
	default:
		return ""
	}
}

func gameChanged(prev, cur *string) bool {
	switch {
	case prev == nil && cur == nil:
		return false
	case prev == nil || cur == nil:
		return true
	default:
		return *prev != *cur
	}
}

// registration returns the current known state of a registration by id, for
// a worker that needs the URL/kind/filter at delivery time.
func (d *Dispatcher) registration(id int64) (models.WebhookRegistration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regByID[id]
	return r, ok
}

func lowerSet(ss []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		set[strings.ToLower(s)] = struct{}{}
	}
	return set
}
