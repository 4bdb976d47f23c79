package broker

import (
	"strconv"
	"sync"
)

// mpsCounter is a tumbling 1-second messages-per-second meter, reset at
// each second boundary rather than decayed like a sliding window (spec.md
// §9's open question, decided in favor of tumbling: simpler to reason
// about for a once-a-second snapshot and cheaper than a decaying counter).
type mpsCounter struct {
	mu       sync.Mutex
	global   int64
	channels map[int64]int64
}

func newMPSCounter() *mpsCounter {
	return &mpsCounter{channels: make(map[int64]int64)}
}

func (m *mpsCounter) record(channelID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global++
	m.channels[channelID]++
}

// snapshot returns the counts accumulated since the last snapshot and
// resets them to zero, per the tumbling-window contract.
func (m *mpsCounter) snapshot() (global int64, perChannel map[int64]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	global = m.global
	perChannel = m.channels
	m.global = 0
	m.channels = make(map[int64]int64, len(perChannel))
	return global, perChannel
}

func formatChannelKey(channelID int64) string {
	return strconv.FormatInt(channelID, 10)
}
