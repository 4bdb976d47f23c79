package broker

import "testing"

func TestMPSCounterSnapshotResets(t *testing.T) {
	m := newMPSCounter()
	m.record(1)
	m.record(1)
	m.record(2)

	global, perChannel := m.snapshot()
	if global != 3 {
		t.Fatalf("expected global=3, got %d", global)
	}
	if perChannel[1] != 2 || perChannel[2] != 1 {
		t.Fatalf("unexpected per-channel counts: %+v", perChannel)
	}

	global, perChannel = m.snapshot()
	if global != 0 || len(perChannel) != 0 {
		t.Fatalf("expected counters reset after snapshot, got global=%d perChannel=%+v", global, perChannel)
	}
}

func TestControlLimiterAllowsWithinBudget(t *testing.T) {
	limiter, err := newControlLimiter(5)
	if err != nil {
		t.Fatalf("newControlLimiter: %v", err)
	}
	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Fatalf("expected frame %d to be allowed", i)
		}
	}
}
