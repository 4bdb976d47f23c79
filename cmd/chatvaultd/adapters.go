package main

import (
	"chatvault/internal/bus"
	"chatvault/internal/events"
)

// archiveBusPublisher adapts *bus.Bus to archive.Publisher. The Archive
// Buffer's producer-facing seam only knows about the event itself
// (single-argument Publish), unlike frameparser.Publisher/webhook.Publisher
// which already take the bus's own two-argument (topic, event) shape and
// so need no adapter.
type archiveBusPublisher struct{ b *bus.Bus }

func (p archiveBusPublisher) Publish(ev events.Event) {
	p.b.Publish(bus.Topic{Kind: ev.Kind, ChannelID: ev.ChannelID}, ev)
}
