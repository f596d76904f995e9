package web

import (
	"testing"
	"time"

	"navbridge/internal/bridge"
)

func TestEventBroadcasterReplaysLastState(t *testing.T) {
	b := NewEventBroadcaster()
	b.PublishState(bridge.StateChange{From: bridge.Searching, To: bridge.Connected, Peer: "10.0.0.1", At: time.Now()})
	b.PublishSent(3)

	id, ch := b.Subscribe(4)
	defer b.Unsubscribe(id)

	select {
	case ev := <-ch:
		if ev.Type != "state" || ev.State == nil || ev.State.To != bridge.Connected {
			t.Fatalf("replayed=%+v", ev)
		}
	default:
		t.Fatalf("expected replayed state event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestEventBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := NewEventBroadcaster()
	id, ch := b.Subscribe(1)

	b.PublishSent(1)
	b.PublishSent(2)

	ev := <-ch
	if ev.Type != "sent" || ev.Packets != 1 {
		t.Fatalf("event=%+v", ev)
	}

	b.Unsubscribe(id)
	if n := b.Subscribers(); n != 0 {
		t.Fatalf("subscribers=%d", n)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
}
