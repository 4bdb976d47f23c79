package ircsession

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"chatvault/internal/registry"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

type fakeMembers struct {
	channels []models.Channel
	stream   chan registry.Intent
}

func newFakeMembers(names ...string) *fakeMembers {
	fm := &fakeMembers{stream: make(chan registry.Intent, 16)}
	for _, n := range names {
		fm.channels = append(fm.channels, models.Channel{Name: n, Active: true})
	}
	return fm
}

func (f *fakeMembers) List(activeOnly bool) []models.Channel { return f.channels }
func (f *fakeMembers) WatchChanges() <-chan registry.Intent  { return f.stream }

func pipeDialer(conn net.Conn) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return conn, nil
	}
}

func TestSessionRejoinsOnConnectAndParsesFrames(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	members := newFakeMembers("foo")
	logger := logging.NewLogger()
	sess := New(DefaultConfig(), members, logger, nil, pipeDialer(clientConn))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverLines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(serverConn)
		for scanner.Scan() {
			serverLines <- scanner.Text()
		}
	}()

	go sess.Run(ctx)

	expectLine(t, serverLines, "PASS")
	expectLine(t, serverLines, "NICK")
	expectLine(t, serverLines, "CAP REQ")
	expectLine(t, serverLines, "PART #foo")
	expectLine(t, serverLines, "JOIN #foo")

	if !waitForTrue(func() bool { return sess.Connected() }) {
		t.Fatal("session never reached Connected state")
	}

	serverConn.Write([]byte("@id=abc;tmi-sent-ts=1700000000000 PRIVMSG #foo :hello world\r\n"))

	select {
	case frame := <-sess.Frames():
		if frame.Command != "PRIVMSG" {
			t.Fatalf("expected PRIVMSG frame, got %s", frame.Command)
		}
		if frame.ChannelName != "foo" {
			t.Fatalf("expected channel foo, got %s", frame.ChannelName)
		}
		if frame.Tags["id"] != "abc" {
			t.Fatalf("expected id tag abc, got %+v", frame.Tags)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for parsed frame")
	}

	serverConn.Write([]byte("PING :tmi.twitch.tv\r\n"))
	expectLine(t, serverLines, "PONG :tmi.twitch.tv")
}

func expectLine(t *testing.T, lines <-chan string, prefix string) {
	t.Helper()
	select {
	case line := <-lines:
		if len(line) < len(prefix) || line[:len(prefix)] != prefix {
			t.Fatalf("expected line with prefix %q, got %q", prefix, line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for line with prefix %q", prefix)
	}
}

func waitForTrue(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestBackoffDurationCapsAtMax(t *testing.T) {
	max := 30 * time.Second
	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDuration(attempt, 500*time.Millisecond, max)
		if d > max {
			t.Fatalf("attempt %d: backoff %s exceeded cap %s", attempt, d, max)
		}
	}
}
