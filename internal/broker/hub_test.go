package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatvault/internal/bus"
	"chatvault/internal/events"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

// stubResolver resolves channel names to ids from a fixed map, standing in
// for the Identity Resolver in tests.
type stubResolver struct{ byName map[string]int64 }

func (s stubResolver) ResolveChannel(_ context.Context, name string, _ *string) (models.Channel, error) {
	id, ok := s.byName[name]
	if !ok {
		return models.Channel{}, fmt.Errorf("unknown channel %q", name)
	}
	return models.Channel{ID: id, Name: name}, nil
}

func newTestHub(t *testing.T) (*Hub, *bus.Bus, *httptest.Server, func()) {
	t.Helper()
	logger := logging.NewLogger()
	b := bus.New(bus.DefaultBufferSize, logger, nil)
	resolver := stubResolver{byName: map[string]int64{"channel42": 42, "channel1": 1}}
	h := New(b, resolver, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := h.ServeWS(w, r); err != nil {
			t.Logf("serveWS: %v", err)
		}
	})
	srv := httptest.NewServer(mux)

	cleanup := func() {
		cancel()
		srv.Close()
	}
	return h, b, srv, cleanup
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestSubscribeAndReceiveChatMessage(t *testing.T) {
	h, b, srv, cleanup := newTestHub(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(controlFrame{Type: "subscribe", Channels: []string{"channel42"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var ack envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Event != "subscribed" {
		t.Fatalf("expected subscribed ack, got %s", ack.Event)
	}

	// give the hub loop time to register the room membership
	waitUntil(t, func() bool { return h.roomSize(42) == 1 })

	b.Publish(bus.Topic{Kind: events.KindChatMessage, ChannelID: 42}, events.Event{
		Kind:      events.KindChatMessage,
		ChannelID: 42,
		Payload:   events.ChatMessageData{ChannelID: 42, MessageText: "hello"},
	})

	var msg envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read chat message: %v", err)
	}
	if msg.Event != "chat_message" {
		t.Fatalf("expected chat_message event, got %s", msg.Event)
	}
}

func TestUnsubscribedChannelDoesNotReceive(t *testing.T) {
	h, b, srv, cleanup := newTestHub(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(controlFrame{Type: "subscribe", Channels: []string{"channel1"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var ack envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadJSON(&ack)

	waitUntil(t, func() bool { return h.roomSize(1) == 1 })

	b.Publish(bus.Topic{Kind: events.KindChatMessage, ChannelID: 2}, events.Event{
		Kind:      events.KindChatMessage,
		ChannelID: 2,
		Payload:   events.ChatMessageData{ChannelID: 2, MessageText: "other channel"},
	})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg envelope
	err := conn.ReadJSON(&msg)
	if err == nil {
		t.Fatalf("expected no message for unsubscribed channel, got %s", msg.Event)
	}
}

func TestGlobalSubscriberReceivesModActionUnderGlobalName(t *testing.T) {
	h, b, srv, cleanup := newTestHub(t)
	defer cleanup()
	_ = h

	conn := dial(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(controlFrame{Type: "subscribe_global"}); err != nil {
		t.Fatalf("write subscribe_global: %v", err)
	}
	var ack envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Event != "subscribed_global" {
		t.Fatalf("expected subscribed_global, got %s", ack.Event)
	}

	waitUntil(t, func() bool { return h.globalSize() == 1 })

	b.Publish(bus.Topic{Kind: events.KindModAction, ChannelID: 9}, events.Event{
		Kind:      events.KindModAction,
		ChannelID: 9,
		Payload:   events.ModActionData{ChannelID: 9, Kind: "ban"},
	})

	var msg envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read global mod action: %v", err)
	}
	if msg.Event != "global_mod_action" {
		t.Fatalf("expected global_mod_action, got %s", msg.Event)
	}
}

func TestPingPong(t *testing.T) {
	_, _, srv, cleanup := newTestHub(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(controlFrame{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var pong envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Event != "pong" {
		t.Fatalf("expected pong, got %s", pong.Event)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
