package broker

import (
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
)

// localWindow is the minimal slidingwindow.Window implementation the
// control-message limiter runs on: a single mutex-guarded counter plus the
// instant it started counting from. slidingwindow ships its own "local"
// window too, but this one keeps the dependency surface to the root
// package and its public Window interface.
type localWindow struct {
	mu    sync.Mutex
	start time.Time
	count int64
}

func newLocalWindow() (slidingwindow.Window, error) {
	return &localWindow{start: time.Now()}, nil
}

func (w *localWindow) Start() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.start
}

func (w *localWindow) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *localWindow) AddCount(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count += n
}

func (w *localWindow) Reset(s time.Time, c int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start = s
	w.count = c
}

func (w *localWindow) Sync(time.Time) {}

// newControlLimiter builds a per-client sliding-window limiter capping
// control-frame rate (subscribe/unsubscribe/ping). A client that trips it
// gets force-closed by the read pump rather than starving the hub loop.
func newControlLimiter(framesPerSecond int64) (*slidingwindow.Limiter, error) {
	return slidingwindow.NewLimiter(time.Second, framesPerSecond, func() (slidingwindow.Window, error) {
		return newLocalWindow()
	})
}
