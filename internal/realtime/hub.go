package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"threadline/api/internal/metrics"
)

// Hub tracks the live connections of this process and which channels each
// one is subscribed to. Fan-out never blocks: a connection whose buffer is
// full is dropped.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}
	log      zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		channels: make(map[string]map[*Client]struct{}),
		log:      log,
	}
}

// Attach registers the client. Attaching twice is a no-op, so callers may
// attach early to subscribe before Run starts.
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		return
	}
	c.hub = h
	h.clients[c] = struct{}{}
	metrics.SocketConnections.Inc()
}

// Detach unsubscribes the client everywhere and closes its send buffer.
// Safe to call more than once.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for channel := range c.channels {
		h.unsubscribeLocked(c, channel)
	}
	close(c.send)
	metrics.SocketConnections.Dec()
}

func (h *Hub) Join(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members := h.channels[channel]
	if members == nil {
		members = make(map[*Client]struct{})
		h.channels[channel] = members
	}
	members[c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (h *Hub) Leave(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, channel)
}

func (h *Hub) unsubscribeLocked(c *Client, channel string) {
	delete(c.channels, channel)
	members := h.channels[channel]
	if members == nil {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}

// Subscribed reports whether the client currently receives channel traffic.
func (h *Hub) Subscribed(c *Client, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][c]
	return ok
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver fans a delivery out to the local subscribers of its channel.
func (h *Hub) Deliver(d Delivery) {
	if d.Evict != "" {
		h.evict(d.Channel, d.Evict)
		return
	}

	frame, err := json.Marshal(Frame{Event: d.Event, Data: d.Data})
	if err != nil {
		h.log.Error().Err(err).Str("event", d.Event).Msg("encode frame")
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.channels[d.Channel] {
		if d.ExceptUser != "" && c.UserID == d.ExceptUser {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		metrics.EventsDropped.Inc()
		h.log.Warn().Str("conn_id", c.ID).Str("user_id", c.UserID).Str("event", d.Event).Msg("dropping slow connection")
		h.Detach(c)
		c.closeConn()
	}
}

// sendDirect queues a frame for a single attached client.
func (h *Hub) sendDirect(c *Client, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.EventsDropped.Inc()
		return false
	}
}

func (h *Hub) evict(channel, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.channels[channel] {
		if c.UserID == userID {
			h.unsubscribeLocked(c, channel)
		}
	}
}
