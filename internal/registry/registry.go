// Package registry implements the Channel Registry (C1, spec.md §4.1): the
// desired-membership set the IRC Session keeps in sync with. It owns no
// network or store state of its own — callers wire it to the Identity
// Resolver for Channel creation and to the IRC Session for intent replay.
package registry

import (
	"context"
	"strings"
	"sync"

	"chatvault/pkg/models"
)

// IntentKind distinguishes the two membership-change intents.
type IntentKind int

const (
	IntentJoin IntentKind = iota
	IntentPart
)

// Intent is a single desired-membership transition the IRC Session must
// act on.
type Intent struct {
	Kind IntentKind
	Name string
}

// ChannelStore resolves a channel name to a persisted Channel. The
// registry defers to it rather than owning identity resolution itself —
// grounded on the same seam pattern used elsewhere for "resolver"
// dependencies (pkg/database callers take an interface, not a concrete
// store).
type ChannelStore interface {
	ResolveChannel(ctx context.Context, name string, twitchID *string) (models.Channel, error)
}

// watcher is one subscriber's buffered intent stream; WatchChanges fills it
// with the replay of the current active set on attach.
type watcher struct {
	ch chan Intent
}

// Registry maintains the set of channels the system must be joined to.
// Zero value is not usable; use New.
type Registry struct {
	store ChannelStore

	mu       sync.Mutex
	channels map[string]*models.Channel
	active   map[string]bool

	watchersMu sync.Mutex
	watchers   map[*watcher]struct{}
}

// New creates a Registry backed by store for name→Channel resolution.
func New(store ChannelStore) *Registry {
	return &Registry{
		store:    store,
		channels: make(map[string]*models.Channel),
		active:   make(map[string]bool),
		watchers: make(map[*watcher]struct{}),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Add resolves name to a Channel, marks it active, and emits a Join intent
// if it wasn't already active.
func (r *Registry) Add(ctx context.Context, name string) (models.Channel, error) {
	name = normalize(name)
	ch, err := r.store.ResolveChannel(ctx, name, nil)
	if err != nil {
		return models.Channel{}, err
	}

	r.mu.Lock()
	wasActive := r.active[name]
	r.channels[name] = &ch
	r.active[name] = true
	r.mu.Unlock()

	if !wasActive {
		r.broadcast(Intent{Kind: IntentJoin, Name: name})
	}
	return ch, nil
}

// Remove marks name inactive and emits a Part intent if it was active.
func (r *Registry) Remove(name string) {
	name = normalize(name)

	r.mu.Lock()
	wasActive := r.active[name]
	r.active[name] = false
	r.mu.Unlock()

	if wasActive {
		r.broadcast(Intent{Kind: IntentPart, Name: name})
	}
}

// SetActive toggles a known channel's active flag, emitting Join/Part as
// needed. A call that leaves the state unchanged emits nothing; every
// actual change emits its own intent, so rapid toggles are not collapsed.
func (r *Registry) SetActive(name string, active bool) {
	name = normalize(name)

	r.mu.Lock()
	wasActive := r.active[name]
	r.active[name] = active
	r.mu.Unlock()

	if active && !wasActive {
		r.broadcast(Intent{Kind: IntentJoin, Name: name})
	} else if !active && wasActive {
		r.broadcast(Intent{Kind: IntentPart, Name: name})
	}
}

// List returns known channels, optionally filtered to active ones.
func (r *Registry) List(activeOnly bool) []models.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Channel, 0, len(r.channels))
	for name, ch := range r.channels {
		if activeOnly && !r.active[name] {
			continue
		}
		out = append(out, *ch)
	}
	return out
}

// WatchChanges returns a stream of Intents. The current desired state
// (every active channel, as Join intents) is replayed first so a consumer
// attaching after channels were already added doesn't miss them.
func (r *Registry) WatchChanges() <-chan Intent {
	w := &watcher{ch: make(chan Intent, 256)}

	r.mu.Lock()
	replay := make([]Intent, 0, len(r.active))
	for name, active := range r.active {
		if active {
			replay = append(replay, Intent{Kind: IntentJoin, Name: name})
		}
	}
	r.mu.Unlock()

	r.watchersMu.Lock()
	r.watchers[w] = struct{}{}
	r.watchersMu.Unlock()

	for _, in := range replay {
		w.ch <- in
	}

	return w.ch
}

// broadcast sends an intent to every attached watcher, non-blocking — a
// watcher slow enough to fill its buffer loses the oldest undelivered
// intent rather than stalling registry mutation for everyone else.
func (r *Registry) broadcast(in Intent) {
	r.watchersMu.Lock()
	defer r.watchersMu.Unlock()

	for w := range r.watchers {
		select {
		case w.ch <- in:
		default:
			select {
			case <-w.ch:
			default:
			}
			select {
			case w.ch <- in:
			default:
			}
		}
	}
}
