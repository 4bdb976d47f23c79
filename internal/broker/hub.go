// Package broker implements the Subscription Broker (spec.md §4.7): a
// gorilla/websocket hub that fans bus events out to subscribed clients by
// room (a channel id, or the global room) and meters messages-per-second
// per channel and globally.
package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatvault/internal/bus"
	"chatvault/internal/events"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

// resolveTimeout bounds how long a single subscribe control frame's
// channel-name resolution may take before the hub gives up on it.
const resolveTimeout = 5 * time.Second

// ChannelResolver is the Identity Resolver surface the hub needs to turn a
// client-supplied channel name into its stable internal id, once per
// subscribe (spec.md §4.7: "resolves channel names to ids once and stores
// ids; name mutations do not rebind a live subscription").
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, name string, twitchID *string) (models.Channel, error)
}

// routeRule says which wire event name (if any) a Kind is delivered under
// to channel-room subscribers and to global-room subscribers.
type routeRule struct {
	channelEvent string
	globalEvent  string
}

var routes = map[events.Kind]routeRule{
	events.KindChatMessage:      {channelEvent: "chat_message"},
	events.KindMessageDeleted:   {channelEvent: "message_deleted"},
	events.KindModAction:        {channelEvent: "mod_action", globalEvent: "global_mod_action"},
	events.KindChannelStatus:    {channelEvent: "channel_status", globalEvent: "channel_status"},
	events.KindMessagesFlushed:  {globalEvent: "messages_flushed"},
	events.KindBits:             {channelEvent: "stats_update"},
	events.KindSubscription:     {channelEvent: "stats_update"},
	events.KindGiftSub:          {channelEvent: "stats_update"},
	events.KindRaid:             {channelEvent: "stats_update"},
	events.KindWebhookAutoMuted: {globalEvent: "webhook_auto_muted"},
	events.KindMpsSnapshot:      {globalEvent: "mps_update"},
	events.KindChannelMps:       {channelEvent: "channel_mps"},
}

// Metrics are the optional Prometheus hooks the hub reports through.
type Metrics struct {
	ActiveConnections GaugeSetter
	ForceClosed       Counter
}

type GaugeSetter interface{ Set(float64) }
type Counter interface{ Inc() }

// Hub is the Subscription Broker. Zero value is not usable; use New.
type Hub struct {
	bus      *bus.Bus
	resolver ChannelResolver
	logger   logging.Logger
	metrics  *Metrics
	sub      *bus.Subscriber

	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client

	mu            sync.RWMutex
	rooms         map[int64]map[*client]struct{}
	globalClients map[*client]struct{}
	allClients    map[*client]struct{}

	mps *mpsCounter
}

// New creates a Hub. Call Run to start its dispatch loop before accepting
// connections through ServeWS.
func New(b *bus.Bus, resolver ChannelResolver, logger logging.Logger, metrics *Metrics) *Hub {
	return &Hub{
		bus:      b,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:      make(chan *client, 64),
		unregister:    make(chan *client, 64),
		rooms:         make(map[int64]map[*client]struct{}),
		globalClients: make(map[*client]struct{}),
		allClients:    make(map[*client]struct{}),
		mps:           newMPSCounter(),
	}
}

// interestedKinds lists every Kind the hub needs to observe to serve its
// routes, subscribed at the bus.AllChannels wildcard.
func interestedKinds() []events.Kind {
	kinds := make([]events.Kind, 0, len(routes))
	for k := range routes {
		kinds = append(kinds, k)
	}
	return kinds
}

// Run subscribes to the bus and drives the dispatch loop until ctx is
// canceled, at which point every connection is closed.
func (h *Hub) Run(ctx context.Context) {
	topics := make([]bus.Topic, 0, len(routes))
	for _, k := range interestedKinds() {
		topics = append(topics, bus.Topic{Kind: k, ChannelID: bus.AllChannels})
	}
	h.sub = h.bus.Subscribe(topics...)
	defer h.bus.Unsubscribe(h.sub)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.allClients[c] = struct{}{}
			n := len(h.allClients)
			h.mu.Unlock()
			h.setActiveConnections(n)
		case c := <-h.unregister:
			h.removeClient(c)
		case ev, ok := <-h.sub.C:
			if !ok {
				continue
			}
			h.dispatch(ev)
		case <-ticker.C:
			h.flushMPS()
		}
	}
}

func (h *Hub) setActiveConnections(n int) {
	if h.metrics != nil && h.metrics.ActiveConnections != nil {
		h.metrics.ActiveConnections.Set(float64(n))
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.allClients {
		close(c.send)
	}
	h.allClients = make(map[*client]struct{})
	h.rooms = make(map[int64]map[*client]struct{})
	h.globalClients = make(map[*client]struct{})
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, set := range h.rooms {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.rooms, id)
			}
		}
	}
	delete(h.globalClients, c)

	if _, ok := h.allClients[c]; ok {
		delete(h.allClients, c)
		close(c.send)
	}
	h.setActiveConnections(len(h.allClients))
}

// ServeWS upgrades an HTTP request to a websocket connection and registers
// the resulting client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := newClient(h, conn, h.logger)
	h.register <- c

	go c.writePump()
	go c.readPump(h)
	return nil
}

// handleControl applies a decoded client control frame and answers it.
func (h *Hub) handleControl(c *client, frame controlFrame) {
	switch frame.Type {
	case "subscribe":
		resolved := h.resolveChannels(frame.Channels)

		c.mu.Lock()
		for id, name := range resolved {
			c.channels[id] = name
		}
		c.state = stateSubscribed
		snapshot := c.snapshotChannelNamesLocked()
		c.mu.Unlock()

		h.mu.Lock()
		for id := range resolved {
			if h.rooms[id] == nil {
				h.rooms[id] = make(map[*client]struct{})
			}
			h.rooms[id][c] = struct{}{}
		}
		h.mu.Unlock()

		c.enqueue(newEnvelope("subscribed", map[string]interface{}{"channels": snapshot}))

	case "unsubscribe":
		requested := make(map[string]struct{}, len(frame.Channels))
		for _, name := range frame.Channels {
			requested[name] = struct{}{}
		}

		c.mu.Lock()
		var ids []int64
		for id, name := range c.channels {
			if _, ok := requested[name]; ok {
				ids = append(ids, id)
			}
		}
		for _, id := range ids {
			delete(c.channels, id)
		}
		c.mu.Unlock()

		h.mu.Lock()
		for _, id := range ids {
			if set, ok := h.rooms[id]; ok {
				delete(set, c)
				if len(set) == 0 {
					delete(h.rooms, id)
				}
			}
		}
		h.mu.Unlock()

		c.enqueue(newEnvelope("unsubscribed", map[string]interface{}{"channels": frame.Channels}))

	case "subscribe_global":
		c.mu.Lock()
		c.global = true
		c.state = stateSubscribed
		c.mu.Unlock()

		h.mu.Lock()
		h.globalClients[c] = struct{}{}
		h.mu.Unlock()

		c.enqueue(newEnvelope("subscribed_global", map[string]interface{}{}))

	case "unsubscribe_global":
		c.mu.Lock()
		c.global = false
		c.mu.Unlock()

		h.mu.Lock()
		delete(h.globalClients, c)
		h.mu.Unlock()

		c.enqueue(newEnvelope("unsubscribed_global", map[string]interface{}{}))

	case "ping":
		c.enqueue(newEnvelope("pong", map[string]interface{}{}))

	default:
		c.enqueue(newEnvelope("error", map[string]string{"message": "unknown control frame type"}))
	}
}

// resolveChannels turns each requested channel name into its stable id,
// once, per spec.md §4.7. Names that fail to resolve are logged and
// dropped rather than failing the whole subscribe request.
func (h *Hub) resolveChannels(names []string) map[int64]string {
	resolved := make(map[int64]string, len(names))
	if h.resolver == nil {
		return resolved
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	for _, name := range names {
		ch, err := h.resolver.ResolveChannel(ctx, name, nil)
		if err != nil {
			h.logger.WithFields(logging.Fields{"channel": name, "error": err}).Warn("subscribe: resolve channel failed")
			continue
		}
		resolved[ch.ID] = ch.Name
	}
	return resolved
}

// dispatch routes a bus event to every interested client, incrementing the
// MPS counters for chat traffic along the way.
func (h *Hub) dispatch(ev events.Event) {
	if ev.Kind == events.KindChatMessage {
		h.mps.record(ev.ChannelID)
	}

	rule, ok := routes[ev.Kind]
	if !ok {
		return
	}

	h.mu.RLock()
	var channelTargets, globalTargets []*client
	if rule.channelEvent != "" {
		for c := range h.rooms[ev.ChannelID] {
			channelTargets = append(channelTargets, c)
		}
	}
	if rule.globalEvent != "" {
		for c := range h.globalClients {
			globalTargets = append(globalTargets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range channelTargets {
		h.deliver(c, newEnvelope(rule.channelEvent, ev.Payload))
	}
	for _, c := range globalTargets {
		h.deliver(c, newEnvelope(rule.globalEvent, ev.Payload))
	}
}

// deliver attempts a non-blocking send to c. A full outbound queue force
// closes the connection instead of blocking the dispatch loop.
func (h *Hub) deliver(c *client, ev envelope) {
	if c.enqueue(ev) {
		return
	}
	if h.metrics != nil && h.metrics.ForceClosed != nil {
		h.metrics.ForceClosed.Inc()
	}
	select {
	case h.unregister <- c:
	default:
	}
}

func (h *Hub) flushMPS() {
	global, perChannel := h.mps.snapshot()
	now := time.Now()

	channelMPS := make(map[string]float64, len(perChannel))
	for id, count := range perChannel {
		rate := float64(count)
		channelMPS[formatChannelKey(id)] = rate
		h.bus.Publish(bus.Topic{Kind: events.KindChannelMps, ChannelID: id}, events.Event{
			Kind:      events.KindChannelMps,
			ChannelID: id,
			Payload: events.ChannelMpsData{
				Channel:   formatChannelKey(id),
				MPS:       rate,
				Timestamp: now,
			},
		})
	}

	h.bus.Publish(bus.Topic{Kind: events.KindMpsSnapshot, ChannelID: events.GlobalChannel}, events.Event{
		Kind:      events.KindMpsSnapshot,
		ChannelID: events.GlobalChannel,
		Payload: events.MpsSnapshotData{
			MPS:        float64(global),
			ChannelMPS: channelMPS,
			Timestamp:  now,
		},
	})
}

// ConnectionCount returns the number of currently registered clients.
// Intended for tests and the health checker.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

// roomSize and globalSize are test helpers exposing room membership size.
func (h *Hub) roomSize(channelID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channelID])
}

func (h *Hub) globalSize() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.globalClients)
}
