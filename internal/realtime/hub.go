package realtime

import (
	"encoding/json"
	"log"
	"sync"
)

// Client is one live connection. Topics are connection-scoped: they are
// dropped when the client unregisters, so a reconnecting caller must
// join again.
type Client struct {
	ID       string
	TenantID string
	Send     chan []byte

	mu     sync.Mutex
	topics map[string]struct{}
}

func NewClient(id, tenantID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{
		ID:       id,
		TenantID: tenantID,
		Send:     make(chan []byte, buffer),
		topics:   make(map[string]struct{}),
	}
}

func (c *Client) join(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *Client) leave(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

func (c *Client) subscribed(topics []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		if _, ok := c.topics[topic]; ok {
			return true
		}
	}
	return false
}

// Hub fans envelopes out to registered clients by topic and tenant.
// Sends never block: a client whose buffer is full loses the event,
// matching the channel's at-most-once contract.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Join(client *Client, topic string)  { client.join(topic) }
func (h *Hub) Leave(client *Client, topic string) { client.leave(topic) }

// Broadcast delivers the envelope to every client of the same tenant
// joined to at least one of its topics.
func (h *Hub) Broadcast(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("marshal event error: %v", err)
		return
	}
	topics := env.Topics()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.TenantID != env.TenantID {
			continue
		}
		if !client.subscribed(topics) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop event %s for client %s", env.Type, client.ID)
		}
	}
}

// ClientCount is used by the dashboard metrics payload.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
