// Package livestatus defines the seam for the out-of-scope C9 collaborator
// (spec.md §4.9): a Twitch Helix live/offline/game poller this repo does
// not implement. Feed exists so a future poller can publish channel_status
// events onto the same Event Bus this repo already wires up, without any
// change to the Webhook Dispatcher or Subscription Broker that consume
// them.
package livestatus

import (
	"context"

	"chatvault/internal/bus"
)

// Feed is implemented by whatever eventually polls Twitch Helix for
// channel live/offline/game-change state. Run should publish
// events.ChannelStatusData onto bus.Topic{Kind: events.KindChannelStatus,
// ChannelID: <channel>} for every channel it watches, and return when ctx
// is cancelled.
type Feed interface {
	Run(ctx context.Context, b *bus.Bus) error
}

// NoopFeed is the zero-cost Feed chatvault ships by default: it publishes
// nothing and returns immediately once ctx is cancelled. cmd/chatvaultd
// wires this in until a real Helix poller exists.
type NoopFeed struct{}

func (NoopFeed) Run(ctx context.Context, b *bus.Bus) error {
	<-ctx.Done()
	return nil
}

var _ Feed = NoopFeed{}
