package bus

import (
	"testing"
	"time"

	"chatvault/internal/events"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(8, nil, nil)
	topic := Topic{Kind: events.KindChatMessage, ChannelID: 1}
	sub := b.Subscribe(topic)

	for i := 0; i < 5; i++ {
		b.Publish(topic, events.Event{Kind: topic.Kind, ChannelID: 1, Payload: i})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.C:
			if ev.Payload.(int) != i {
				t.Fatalf("expected payload %d, got %v", i, ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberIsolation(t *testing.T) {
	b := New(2, nil, nil)
	topic := Topic{Kind: events.KindChatMessage, ChannelID: 1}
	slow := b.Subscribe(topic)
	fast := b.Subscribe(topic)

	for i := 0; i < 10; i++ {
		b.Publish(topic, events.Event{Kind: topic.Kind, ChannelID: 1, Payload: i})
	}

	if slow.Dropped() == 0 {
		t.Fatal("expected slow subscriber to have dropped events")
	}

	drained := 0
	for {
		select {
		case <-fast.C:
			drained++
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Fatal("expected fast subscriber to receive events despite slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(4, nil, nil)
	topic := Topic{Kind: events.KindModAction, ChannelID: 2}
	sub := b.Subscribe(topic)
	b.Unsubscribe(sub)

	if got := b.SubscriberCount(topic); got != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", got)
	}

	b.Publish(topic, events.Event{Kind: topic.Kind, ChannelID: 2})
	select {
	case <-sub.C:
		t.Fatal("did not expect delivery after unsubscribe")
	default:
	}
}

func TestDifferentTopicsIsolated(t *testing.T) {
	b := New(4, nil, nil)
	t1 := Topic{Kind: events.KindChatMessage, ChannelID: 1}
	t2 := Topic{Kind: events.KindChatMessage, ChannelID: 2}
	sub1 := b.Subscribe(t1)
	sub2 := b.Subscribe(t2)

	b.Publish(t1, events.Event{Kind: t1.Kind, ChannelID: 1})

	select {
	case <-sub1.C:
	default:
		t.Fatal("expected sub1 to receive event for its topic")
	}
	select {
	case <-sub2.C:
		t.Fatal("sub2 should not receive events published to a different topic")
	default:
	}
}
