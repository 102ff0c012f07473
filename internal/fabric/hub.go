package fabric

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub maintains the set of connected dashboard clients and fans bus events
// out to them. Broadcast iterates a snapshot of the registry so client
// registration never contends with socket writes; a client whose outbound
// queue is full is dropped rather than awaited.
type Hub struct {
	bus *Bus
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	// OnClientCount and OnClientDropped observe registry changes, for metrics.
	OnClientCount   func(n int)
	OnClientDropped func()
}

func NewHub(bus *Bus, log *zap.Logger) *Hub {
	return &Hub{
		bus:     bus,
		log:     log.Named("fabric"),
		clients: make(map[*Client]struct{}),
	}
}

// Run consumes the bus until the context ends. Events published on the bus
// before Run starts are not replayed; the live feed has no backlog.
func (h *Hub) Run(ctx context.Context) {
	ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(ev.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast queues the payload on every connected client. Per-client order
// is preserved by the client's own write pump; cross-client order is not.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		select {
		case c.send <- payload:
		case <-c.done:
			// Already closing; skip.
		default:
			// Queue overflow: the dashboard fell behind. Drop it so the
			// broadcaster never blocks the ingest path.
			h.log.Warn("dropping slow subscriber", zap.String("remote", c.remote))
			if h.OnClientDropped != nil {
				h.OnClientDropped()
			}
			h.unregister(c)
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("subscriber connected", zap.String("remote", c.remote), zap.Int("clients", n))
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

// unregister removes the client and closes it exactly once.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !present {
		return
	}
	c.close()
	h.log.Info("subscriber disconnected", zap.String("remote", c.remote), zap.Int("clients", n))
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

// ClientCount reports connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
