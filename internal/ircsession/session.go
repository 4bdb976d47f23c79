// Package ircsession implements the IRC Session (C2, spec.md §4.2): a
// single reconnecting TLS connection to the Twitch IRC host that keeps
// membership in sync with the Channel Registry's desired state and hands
// parsed-free raw frames off to the Frame Parser through a bounded queue.
//
// No IRC client library is available for this wire codec, so the
// connection itself is built directly on crypto/tls and bufio, the same
// way the lowest-level transport code elsewhere in this codebase talks
// to raw sockets.
package ircsession

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatvault/internal/registry"
	"chatvault/pkg/logging"
	"chatvault/pkg/models"
)

// State is the per-connection lifecycle stage (spec.md §4.2).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds the session's tunables. All are spec.md §6's configuration
// surface for C2.
type Config struct {
	Host              string // "irc.chat.twitch.tv:6697"
	Username          string
	OAuthToken        string // "oauth:..."
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	HandoffBufferSize int
}

// DefaultConfig fills in spec.md's suggested defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "irc.chat.twitch.tv:6697",
		BackoffMin:        500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		HandoffBufferSize: 2000,
	}
}

// Dialer opens the underlying transport. Swappable in tests so the
// session's state machine and reconnect logic can be exercised without a
// real TLS socket.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

func tlsDialer(host string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := &tls.Dialer{}
		return d.DialContext(ctx, "tcp", host)
	}
}

// MembershipSource is the Channel Registry surface the session needs: the
// currently-active channel set (for rejoin-on-connect) and a live intent
// stream (for steady-state join/part).
type MembershipSource interface {
	List(activeOnly bool) []models.Channel
	WatchChanges() <-chan registry.Intent
}

// Metrics are the optional Prometheus hooks for session activity.
type Metrics struct {
	DroppedFrames Counter
	Reconnects    Counter
}

type Counter interface{ Inc() }

// Session is the IRC Session. Zero value is not usable; use New.
type Session struct {
	cfg      Config
	dial     Dialer
	logger   logging.Logger
	metrics  *Metrics
	members  MembershipSource

	mu    sync.Mutex
	state State
	conn  io.ReadWriteCloser
	w     *bufio.Writer
	joinedCurrently map[string]struct{}

	backingOff atomic.Bool
	dropped    atomic.Uint64

	out chan Frame
}

// New creates a Session. Pass a nil Dialer to use a real TLS connection to
// cfg.Host.
func New(cfg Config, members MembershipSource, logger logging.Logger, metrics *Metrics, dial Dialer) *Session {
	if dial == nil {
		dial = tlsDialer(cfg.Host)
	}
	if cfg.HandoffBufferSize <= 0 {
		cfg.HandoffBufferSize = DefaultConfig().HandoffBufferSize
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultConfig().BackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Session{
		cfg:             cfg,
		dial:            dial,
		logger:          logger,
		metrics:         metrics,
		members:         members,
		joinedCurrently: make(map[string]struct{}),
		out:             make(chan Frame, cfg.HandoffBufferSize),
	}
}

// Frames returns the hand-off channel the Frame Parser reads from.
func (s *Session) Frames() <-chan Frame { return s.out }

// DroppedFrames returns how many inbound frames were dropped because the
// hand-off queue was full.
func (s *Session) DroppedFrames() uint64 { return s.dropped.Load() }

// Connected reports whether the session currently holds a live, registered
// connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// BackingOff reports whether the session is between connection attempts.
func (s *Session) BackingOff() bool { return s.backingOff.Load() }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session until ctx is canceled: connect, authenticate,
// rejoin, read, reconnect with backoff on any failure.
func (s *Session) Run(ctx context.Context) error {
	go s.watchIntents(ctx)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			s.close()
			return ctx.Err()
		default:
		}

		if err := s.connectAndServe(ctx); err != nil {
			if ctx.Err() != nil {
				s.close()
				return ctx.Err()
			}
			s.logger.WithFields(logging.Fields{"error": err, "attempt": attempt}).Warn("irc session disconnected")
		}

		s.setState(StateDisconnected)
		if s.metrics != nil && s.metrics.Reconnects != nil {
			s.metrics.Reconnects.Inc()
		}

		wait := backoffDuration(attempt, s.cfg.BackoffMin, s.cfg.BackoffMax)
		s.backingOff.Store(true)
		select {
		case <-ctx.Done():
			s.backingOff.Store(false)
			s.close()
			return ctx.Err()
		case <-time.After(wait):
		}
		s.backingOff.Store(false)
		attempt++
	}
}

// connectAndServe performs one connection attempt's full lifecycle:
// connect, authenticate, rejoin every active channel, then read until
// error or ctx cancellation.
func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.w = bufio.NewWriter(conn)
	s.joinedCurrently = make(map[string]struct{})
	s.mu.Unlock()

	s.setState(StateAuthenticating)
	if err := s.authenticate(); err != nil {
		conn.Close()
		return fmt.Errorf("authenticate: %w", err)
	}

	s.setState(StateConnected)
	for _, ch := range s.members.List(true) {
		s.rejoin(ch.Name)
	}

	return s.readLoop(ctx, conn)
}

func (s *Session) authenticate() error {
	if err := s.writeLine("PASS " + s.cfg.OAuthToken); err != nil {
		return err
	}
	if err := s.writeLine("NICK " + s.cfg.Username); err != nil {
		return err
	}
	return s.writeLine("CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership")
}

func (s *Session) readLoop(ctx context.Context, conn io.ReadWriteCloser) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		tags, prefix, command, params, trailing := parseLine(line)

		if command == "PING" {
			s.writeLine("PONG :" + trailing)
			continue
		}

		frame := Frame{
			ChannelName: channelFromParams(params),
			ServerTS:    time.Now(),
			Tags:        tags,
			Prefix:      prefix,
			Command:     command,
			Params:      params,
			Trailing:    trailing,
		}

		select {
		case s.out <- frame:
		default:
			s.dropped.Add(1)
			if s.metrics != nil && s.metrics.DroppedFrames != nil {
				s.metrics.DroppedFrames.Inc()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// rejoin issues PART then JOIN unconditionally — idempotent against an
// upstream that silently dropped the channel from the session's real
// membership, per spec.md §4.2.
func (s *Session) rejoin(name string) {
	name = strings.ToLower(name)
	s.writeLine("PART #" + name)
	s.writeLine("JOIN #" + name)
	s.mu.Lock()
	s.joinedCurrently[name] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) part(name string) {
	name = strings.ToLower(name)
	s.writeLine("PART #" + name)
	s.mu.Lock()
	delete(s.joinedCurrently, name)
	s.mu.Unlock()
}

func (s *Session) writeLine(line string) error {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	if w == nil {
		return fmt.Errorf("ircsession: not connected")
	}
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// watchIntents applies steady-state Join/Part intents from the registry
// while the session is connected. Intents arriving while disconnected are
// naturally picked back up by connectAndServe's rejoin-on-connect sweep,
// since that sweep reads the registry's current active set —
// this goroutine only needs to react, not catch up.
func (s *Session) watchIntents(ctx context.Context) {
	stream := s.members.WatchChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-stream:
			if !ok {
				return
			}
			if !s.Connected() {
				continue
			}
			switch in.Kind {
			case registry.IntentJoin:
				s.rejoin(in.Name)
			case registry.IntentPart:
				s.part(in.Name)
			}
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = StateDisconnected
}

// backoffDuration computes exponential backoff with jitter, capped at max.
func backoffDuration(attempt int, min, max time.Duration) time.Duration {
	if attempt > 10 {
		attempt = 10 // avoid overflow in the shift below
	}
	d := min * time.Duration(uint64(1)<<uint(attempt))
	if d <= 0 || d > max {
		d = max
	}
	half := d / 2
	jitter := time.Duration(0)
	if half > 0 {
		jitter = time.Duration(rand.Int63n(int64(half)))
	}
	return half + jitter
}
