package web

import (
	"sync"
	"time"

	"navbridge/internal/bridge"
)

// Event is one item on the /api/events stream.
type Event struct {
	Type    string              `json:"type"`
	TimeUTC string              `json:"time_utc"`
	State   *bridge.StateChange `json:"state,omitempty"`
	Packets uint64              `json:"packets,omitempty"`
}

// EventBroadcaster fans bridge events out to stream subscribers. Slow
// subscribers miss events instead of blocking the bridge. The last state
// event is replayed to new subscribers.
type EventBroadcaster struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	nextID    int
	lastState Event
	haveState bool
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{subs: make(map[int]chan Event)}
}

func (b *EventBroadcaster) Subscribe(buffer int) (int, <-chan Event) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haveState {
		ch <- b.lastState
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return id, ch
}

func (b *EventBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *EventBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PublishState matches the bridge state observer signature.
func (b *EventBroadcaster) PublishState(ev bridge.StateChange) {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	b.publish(Event{Type: "state", TimeUTC: at.Format(time.RFC3339Nano), State: &ev})
}

// PublishSent matches the bridge data-sent observer signature.
func (b *EventBroadcaster) PublishSent(count uint64) {
	b.publish(Event{Type: "sent", TimeUTC: time.Now().UTC().Format(time.RFC3339Nano), Packets: count})
}

func (b *EventBroadcaster) publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Type == "state" {
		b.lastState = ev
		b.haveState = true
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
