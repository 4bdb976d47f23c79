package webhook

import (
	"context"
	"time"

	"chatvault/internal/bus"
	"chatvault/internal/events"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

// worker owns one registration's FIFO queue and delivers strictly
// serially, so a human reading one destination's deliveries sees them in
// the order the matching events occurred (spec.md §4.8).
type worker struct {
	id   int64
	d    *Dispatcher
	in   chan events.Event
	done chan struct{}
}

func newWorker(id int64, d *Dispatcher, bound int) *worker {
	return &worker{
		id:   id,
		d:    d,
		in:   make(chan events.Event, bound),
		done: make(chan struct{}),
	}
}

// enqueue is non-blocking: a full queue drops the event rather than stall
// the router, since a slow destination must never back up delivery to
// every other registration.
func (w *worker) enqueue(ev events.Event) bool {
	select {
	case w.in <- ev:
		return true
	default:
		return false
	}
}

func (w *worker) stop() {
	close(w.done)
}

func (w *worker) run() {
	for {
		select {
		case <-w.done:
			return
		case ev := <-w.in:
			w.deliver(ev)
		}
	}
}

func (w *worker) deliver(ev events.Event) {
	reg, ok := w.d.registration(w.id)
	if !ok || !reg.Enabled || reg.Muted {
		return
	}

	body, err := buildBody(reg, ev)
	if err != nil {
		w.d.logger.WithFields(logging.Fields{"registration_id": w.id, "error": err}).Error("webhook: failed to build delivery body")
		return
	}

	ctx := context.Background()
	if err := w.d.limiters.wait(ctx, reg.URL); err != nil {
		return
	}

	outcome, err := w.d.deliverer.Deliver(ctx, reg.URL, body)
	switch outcome {
	case OutcomeSuccess:
		if serr := w.d.store.RecordSuccess(ctx, w.id, time.Now()); serr != nil {
			w.d.logger.WithFields(logging.Fields{"registration_id": w.id, "error": serr}).Error("webhook: failed to record delivery success")
		}
		if w.d.metrics != nil && w.d.metrics.Delivered != nil {
			w.d.metrics.Delivered.Inc()
		}
	case OutcomeRetryableFailure, OutcomePermanentFailure:
		w.d.logger.WithFields(logging.Fields{"registration_id": w.id, "error": err}).Warn("webhook: delivery failed")
		if w.d.metrics != nil && w.d.metrics.Failed != nil {
			w.d.metrics.Failed.Inc()
		}
		failures, ferr := w.d.store.RecordFailure(ctx, w.id)
		if ferr != nil {
			w.d.logger.WithFields(logging.Fields{"registration_id": w.id, "error": ferr}).Error("webhook: failed to record delivery failure")
			return
		}
		if failures >= w.d.cfg.AutoMuteThreshold {
			w.autoMute(ctx)
		}
	}
}

func (w *worker) autoMute(ctx context.Context) {
	if err := w.d.store.Mute(ctx, w.id); err != nil {
		w.d.logger.WithFields(logging.Fields{"registration_id": w.id, "error": err}).Error("webhook: failed to auto-mute registration")
		return
	}
	if w.d.metrics != nil && w.d.metrics.AutoMuted != nil {
		w.d.metrics.AutoMuted.Inc()
	}
	if w.d.bus != nil {
		topic := bus.Topic{Kind: events.KindWebhookAutoMuted, ChannelID: events.GlobalChannel}
		w.d.bus.Publish(topic, events.Event{
			Kind:      events.KindWebhookAutoMuted,
			ChannelID: events.GlobalChannel,
			Payload: events.WebhookAutoMutedData{
				RegistrationID: w.id,
				Reason:         "consecutive_failures threshold reached",
				Timestamp:      time.Now(),
			},
		})
	}
	w.d.mu.Lock()
	if reg, ok := w.d.regByID[w.id]; ok {
		reg.Muted = true
		w.d.regByID[w.id] = reg
	}
	w.d.mu.Unlock()
}

// buildBody renders the outbound JSON payload. mod_action and
// tracked_user_message registrations get a Discord-shaped embed body
// (spec.md §8's "Discord webhook schema in practice" note); every other
// kind gets the raw event payload, since no particular collaborator shape
// for bits/subs/gift-subs/raids is specified.
func buildBody(reg models.WebhookRegistration, ev events.Event) ([]byte, error) {
	switch reg.Kind {
	case models.WebhookModAction, models.WebhookTrackedUserMessage:
		return discordEmbedBody(ev)
	default:
		return rawEventBody(ev)
	}
}
