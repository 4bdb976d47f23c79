package webhook

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// cleanupInterval and staleAfter bound the limiter map's growth: a
// destination URL that stops receiving deliveries eventually drops its
// limiter rather than living forever.
const (
	cleanupInterval = 5 * time.Minute
	staleAfter      = 15 * time.Minute
)

// limiterSet hands out one token-bucket limiter per destination URL.
// Modeled on the per-IP ConnectionRateLimiter
// (adred-codev-ws_poc/ws/internal/shared/limits/connection_rate_limiter.go):
// a mutex-guarded map, lazy creation with double-checked locking, and a
// periodic cleanup goroutine that evicts entries idle past staleAfter.
type limiterSet struct {
	rps float64

	mu       sync.RWMutex
	entries  map[string]*limiterEntry
	stopOnce sync.Once
	stop_    chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastUsedAt time.Time
}

func newLimiterSet(rps float64) *limiterSet {
	if rps <= 0 {
		rps = DefaultRatePerSecond
	}
	s := &limiterSet{
		rps:     rps,
		entries: make(map[string]*limiterEntry),
		stop_:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *limiterSet) wait(ctx context.Context, url string) error {
	return s.get(url).limiter.Wait(ctx)
}

func (s *limiterSet) get(url string) *limiterEntry {
	s.mu.RLock()
	e, ok := s.entries[url]
	s.mu.RUnlock()
	if ok {
		s.touch(e)
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[url]; ok {
		s.touchLocked(e)
		return e
	}
	e = &limiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(s.rps), 1),
		lastUsedAt: time.Now(),
	}
	s.entries[url] = e
	return e
}

func (s *limiterSet) touch(e *limiterEntry) {
	s.mu.Lock()
	s.touchLocked(e)
	s.mu.Unlock()
}

func (s *limiterSet) touchLocked(e *limiterEntry) {
	e.lastUsedAt = time.Now()
}

func (s *limiterSet) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop_:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *limiterSet) cleanup() {
	cutoff := time.Now().Add(-staleAfter)
	s.mu.Lock()
	defer s.mu.Unlock()
	for url, e := range s.entries {
		if e.lastUsedAt.Before(cutoff) {
			delete(s.entries, url)
		}
	}
}

func (s *limiterSet) stop() {
	s.stopOnce.Do(func() { close(s.stop_) })
}
