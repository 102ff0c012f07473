// Package fabric is the live broadcast layer: an in-process event bus feeding
// a WebSocket hub with bounded per-subscriber queues, plus an optional Redis
// bridge for cross-instance fan-out. Delivery is best-effort; a slow consumer
// is dropped, never waited for.
package fabric

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Event types pushed to dashboards.
const (
	EventRequestLog = "request_log"
	EventAlert      = "alert"
)

// Event is one broadcastable frame. Payload is the exact JSON written to
// subscriber sockets; Origin identifies the publishing instance so the Redis
// bridge can discard its own echoes.
type Event struct {
	Type    string `json:"type"`
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// NewEvent marshals a flat JSON frame of the given type. The "type" field is
// injected into the payload.
func NewEvent(eventType string, fields map[string]interface{}) (Event, error) {
	body := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["type"] = eventType

	payload, err := json.Marshal(body)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	return Event{Type: eventType, Payload: payload}, nil
}

const busBuffer = 256

// Bus is an in-process pub/sub fan-out. Publish never blocks: a subscriber
// whose channel is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel receiving all published events.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, busBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers the event to every current subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
