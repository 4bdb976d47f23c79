package livestatus

import (
	"context"
	"testing"
	"time"
)

func TestNoopFeedReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- (NoopFeed{}).Run(ctx, nil) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("NoopFeed did not return after context cancellation")
	}
}
