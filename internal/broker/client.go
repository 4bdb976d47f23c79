package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatvault/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
	// controlFramesPerSecond bounds subscribe/unsubscribe/ping frames from
	// any one client before it gets force-closed.
	controlFramesPerSecond = 20
)

// clientState tracks where a connection sits in the subscribe protocol.
// It is recorded but never read; the hub accepts subscribe frames in any
// state.
type clientState int

const (
	stateHandshaking clientState = iota
	stateSubscribed
	stateClosed
)

// client is one websocket connection registered with the hub. channels and
// global record its current room membership; send is its bounded outbound
// queue. A full send queue force-closes the connection — a different
// backpressure policy than the bus's tail-drop, since a client that can't
// keep up with its own subscriptions is better disconnected than silently
// starved.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan envelope
	logger logging.Logger

	mu       sync.Mutex
	channels map[int64]string // channel id -> name, resolved once at subscribe time
	global   bool
	state    clientState

	limiter *limiterHandle
}

func newClient(h *Hub, conn *websocket.Conn, logger logging.Logger) *client {
	lim, err := newControlLimiter(controlFramesPerSecond)
	handle := &limiterHandle{limiter: lim, err: err}
	return &client{
		hub:      h,
		conn:     conn,
		send:     make(chan envelope, sendBuffer),
		logger:   logger,
		channels: make(map[int64]string),
		state:    stateHandshaking,
		limiter:  handle,
	}
}

// limiterHandle tolerates a limiter construction error (e.g. a future
// slidingwindow version changing its Window contract) by failing open
// rather than panicking the connection.
type limiterHandle struct {
	limiter interface{ Allow() bool }
	err     error
}

func (l *limiterHandle) allow() bool {
	if l == nil || l.err != nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}

func (c *client) subscribedChannels() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.channels))
	for id := range c.channels {
		out = append(out, id)
	}
	return out
}

// snapshotChannelNamesLocked returns the current subscribed channel names.
// Caller must hold c.mu.
func (c *client) snapshotChannelNamesLocked() []string {
	out := make([]string, 0, len(c.channels))
	for _, name := range c.channels {
		out = append(out, name)
	}
	return out
}

func (c *client) isSubscribed(channelID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok
}

func (c *client) isGlobal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}

// enqueue delivers ev to the client's outbound queue without blocking the
// caller. On overflow the connection is force-closed by the hub.
func (c *client) enqueue(ev envelope) bool {
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.allow() {
			c.logger.WithFields(logging.Fields{"event": "control_flood"}).Warn("client control-message rate exceeded, closing")
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.enqueue(newEnvelope("error", map[string]string{"message": "invalid control frame"}))
			continue
		}

		h.handleControl(c, frame)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
