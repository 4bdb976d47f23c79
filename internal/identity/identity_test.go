package identity

import (
	"context"
	"testing"

	"chatvault/pkg/models"
)

// fakeStore mimics PostgresStore's COALESCE-upgrade semantics in memory so
// the Resolver's caching behavior can be tested without a database.
type fakeStore struct {
	channels map[string]models.Channel
	users    map[string]models.User
	calls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{channels: map[string]models.Channel{}, users: map[string]models.User{}}
}

func (s *fakeStore) UpsertChannel(ctx context.Context, name string, twitchID *string) (models.Channel, error) {
	s.calls++
	ch, ok := s.channels[name]
	if !ok {
		ch = models.Channel{ID: int64(len(s.channels) + 1), Name: name, DisplayName: name, Active: true}
	}
	if ch.TwitchID == nil && twitchID != nil {
		ch.TwitchID = twitchID
	}
	s.channels[name] = ch
	return ch, nil
}

func (s *fakeStore) UpsertUser(ctx context.Context, username, displayName string, twitchID *string) (models.User, error) {
	s.calls++
	u, ok := s.users[username]
	if !ok {
		u = models.User{ID: int64(len(s.users) + 1), Username: username, DisplayName: displayName}
	}
	u.DisplayName = displayName
	if u.TwitchID == nil && twitchID != nil {
		u.TwitchID = twitchID
	}
	s.users[username] = u
	return u, nil
}

func TestResolveChannelIsIdempotent(t *testing.T) {
	store := newFakeStore()
	r, err := New(store, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	a, err := r.ResolveChannel(ctx, "Foo", nil)
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	b, err := r.ResolveChannel(ctx, "foo", nil)
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected same channel id across calls, got %d and %d", a.ID, b.ID)
	}
	if store.calls != 1 {
		t.Fatalf("expected second call to be served from cache, store.calls=%d", store.calls)
	}
}

func TestTwitchIDUpgradeWriteOnce(t *testing.T) {
	store := newFakeStore()
	r, err := New(store, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	r.ResolveChannel(ctx, "foo", nil)

	twitchID := "12345"
	ch, err := r.ResolveChannel(ctx, "foo", &twitchID)
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	if ch.TwitchID == nil || *ch.TwitchID != "12345" {
		t.Fatalf("expected twitch_id to be set to 12345, got %+v", ch.TwitchID)
	}

	other := "99999"
	ch, err = r.ResolveChannel(ctx, "foo", &other)
	if err != nil {
		t.Fatalf("ResolveChannel: %v", err)
	}
	if *ch.TwitchID != "12345" {
		t.Fatalf("expected twitch_id to remain 12345 once set, got %s", *ch.TwitchID)
	}
}

func TestResolveUserIdempotent(t *testing.T) {
	store := newFakeStore()
	r, err := New(store, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	a, err := r.ResolveUser(ctx, "Bob", "Bob", nil)
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	b, err := r.ResolveUser(ctx, "bob", "Bob", nil)
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected same user id, got %d and %d", a.ID, b.ID)
	}
}
