// Package identity implements the Identity Resolver (C4, spec.md §4.4):
// idempotent find-or-create for channels and users, backed by a uniqueness
// constraint + upsert so concurrent first-observation never races, with an
// in-process MRU cache as a pure optimization on top.
package identity

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"chatvault/pkg/models"
)

// DefaultCacheSize is the suggested MRU capacity from spec.md §4.4.
const DefaultCacheSize = 100_000

// Store performs the actual upsert against the relational store. The
// twitch_id upgrade rule (write once, never overwrite) is implemented in
// the SQL itself via COALESCE so it holds even when Resolver's cache is
// bypassed or cold.
type Store interface {
	UpsertChannel(ctx context.Context, name string, twitchID *string) (models.Channel, error)
	UpsertUser(ctx context.Context, username, displayName string, twitchID *string) (models.User, error)
}

// Resolver is the Identity Resolver. Zero value is not usable; use New.
type Resolver struct {
	store        Store
	channelCache *lru.Cache[string, models.Channel]
	userCache    *lru.Cache[string, models.User]
}

// New creates a Resolver. cacheSize <= 0 uses DefaultCacheSize.
func New(store Store, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	channelCache, err := lru.New[string, models.Channel](cacheSize)
	if err != nil {
		return nil, err
	}
	userCache, err := lru.New[string, models.User](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{store: store, channelCache: channelCache, userCache: userCache}, nil
}

// ResolveChannel is idempotent find-or-create by name. twitchID may be nil;
// when non-nil it is written only if the store's current value is null
// (enforced by the upsert SQL, not by this cache).
func (r *Resolver) ResolveChannel(ctx context.Context, name string, twitchID *string) (models.Channel, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	// A cached row with no twitch_id can't answer an upgrade request —
	// fall through to the store so COALESCE gets a chance to apply it.
	if ch, ok := r.channelCache.Get(name); ok && (twitchID == nil || ch.TwitchID != nil) {
		return ch, nil
	}

	ch, err := r.store.UpsertChannel(ctx, name, twitchID)
	if err != nil {
		return models.Channel{}, err
	}
	r.channelCache.Add(name, ch)
	return ch, nil
}

// ResolveUser is idempotent find-or-create by username.
func (r *Resolver) ResolveUser(ctx context.Context, username, displayName string, twitchID *string) (models.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if displayName == "" {
		displayName = username
	}

	if u, ok := r.userCache.Get(username); ok && (twitchID == nil || u.TwitchID != nil) {
		return u, nil
	}

	u, err := r.store.UpsertUser(ctx, username, displayName, twitchID)
	if err != nil {
		return models.User{}, err
	}
	r.userCache.Add(username, u)
	return u, nil
}
