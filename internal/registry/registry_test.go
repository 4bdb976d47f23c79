package registry

import (
	"context"
	"testing"
	"time"

	"chatvault/pkg/models"
)

type fakeStore struct{}

func (fakeStore) ResolveChannel(ctx context.Context, name string, twitchID *string) (models.Channel, error) {
	return models.Channel{ID: 1, Name: name, Active: true}, nil
}

func recvWithTimeout(t *testing.T, ch <-chan Intent) Intent {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for intent")
		return Intent{}
	}
}

func TestAddEmitsJoinAndReplaysOnAttach(t *testing.T) {
	r := New(fakeStore{})
	ctx := context.Background()

	if _, err := r.Add(ctx, "Foo"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// attach after the channel is already active: replay delivers it
	stream := r.WatchChanges()
	in := recvWithTimeout(t, stream)
	if in.Kind != IntentJoin || in.Name != "foo" {
		t.Fatalf("expected replayed Join(foo), got %+v", in)
	}
}

func TestRedundantJoinsCoalesce(t *testing.T) {
	r := New(fakeStore{})
	ctx := context.Background()
	stream := r.WatchChanges()

	if _, err := r.Add(ctx, "foo"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	in := recvWithTimeout(t, stream)
	if in.Kind != IntentJoin {
		t.Fatalf("expected Join, got %+v", in)
	}

	// second Add while already active must not emit another intent
	if _, err := r.Add(ctx, "foo"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	select {
	case in := <-stream:
		t.Fatalf("expected no further intent, got %+v", in)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoveEmitsPart(t *testing.T) {
	r := New(fakeStore{})
	ctx := context.Background()
	stream := r.WatchChanges()

	r.Add(ctx, "foo")
	recvWithTimeout(t, stream) // join

	r.Remove("foo")
	in := recvWithTimeout(t, stream)
	if in.Kind != IntentPart || in.Name != "foo" {
		t.Fatalf("expected Part(foo), got %+v", in)
	}
}

func TestListActiveOnly(t *testing.T) {
	r := New(fakeStore{})
	ctx := context.Background()

	r.Add(ctx, "foo")
	r.Add(ctx, "bar")
	r.Remove("bar")

	active := r.List(true)
	if len(active) != 1 || active[0].Name != "foo" {
		t.Fatalf("expected only foo active, got %+v", active)
	}

	all := r.List(false)
	if len(all) != 2 {
		t.Fatalf("expected both channels listed, got %+v", all)
	}
}
