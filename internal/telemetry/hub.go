// Package telemetry is a read-only TCP fan-out service: it broadcasts the
// engine's state transitions and issued commands (peer replies and command
// timeouts are not broadcast) to any number of connected monitoring clients — a
// field technician's laptop, say — so the robot's behavior is observable
// without a physical console. It is strictly one-way into the network:
// the reader side only watches for disconnects, it never forwards
// anything a client sends back into the control path.
package telemetry

import (
	"sync"

	"github.com/eggbot/robot-controller/internal/logging"
	"github.com/eggbot/robot-controller/internal/metrics"
)

// Policy governs what happens to a slow client under backpressure.
type Policy int

const (
	PolicyDrop Policy = iota
	PolicyKick
)

// Client is one connected monitoring session.
type Client struct {
	Out       chan []byte
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

// Hub fans encoded telemetry frames out to every connected client.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     Policy
}

// NewHub creates a Hub with default settings.
func NewHub() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 64} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Remove unregisters a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	select {
	case <-c.Closed:
	default:
		c.Close()
	}
}

// Broadcast sends an already-encoded frame to every connected client,
// honoring the configured backpressure policy.
func (h *Hub) Broadcast(payload []byte) {
	clients := h.Snapshot()
	for _, c := range clients {
		select {
		case c.Out <- payload:
		default:
			if h.Policy == PolicyKick {
				c.Close()
			} else {
				metrics.IncError(metrics.ErrTelemetry)
				logging.L().Debug("telemetry_drop")
			}
		}
	}
}

// Snapshot returns a slice copy of current clients.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); defer h.mu.RUnlock(); return len(h.clients) }
