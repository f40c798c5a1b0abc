// Package hub fans received frames out to tap clients.
package hub

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/logging"
	"github.com/kstaniek/go-can-example/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // drop the frame for that client
	PolicyKick                           // disconnect the client
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy accepts "drop" or "kick".
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch strings.ToLower(s) {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("invalid hub policy %q (drop|kick)", s)
}

// Client is one subscriber. Out is drained by the client's writer; Closed is
// closed when the hub kicks it or it is removed.
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound queue of buf frames.
func NewClient(buf int) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close is idempotent.
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.Closed) }) }

// Hub is a receiver sink: every published frame is offered to every client
// without blocking the receive loop.
type Hub struct {
	OutBufSize int
	Policy     BackpressurePolicy

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers c.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		logging.L().Info("tap_first_client")
	}
}

// Remove unregisters and closes c. Safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(n)
	if ok && n == 0 {
		logging.L().Info("tap_last_client_gone")
	}
}

// Publish offers fr to every client, applying the backpressure policy.
func (h *Hub) Publish(fr can.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // the client's writer exits and removes it
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Stopped is called when the receive loop feeding the hub ends. Clients stay
// connected; frames resume if a new loop is started.
func (h *Hub) Stopped(reason error) {
	logging.L().Debug("hub_source_stopped", "clients", h.Count(), "reason", reason)
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
