// Package websocket pushes sync notifications to connected operator clients.
package websocket

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// outbound is a broadcast message scoped to an integration. An empty
// integrationID reaches every client.
type outbound struct {
	integrationID string
	data          []byte
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     logrus.FieldLogger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("total", total).Debug("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("total", total).Debug("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.Wants(msg.integrationID) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer: drop it rather than block the hub.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every client interested in integrationID.
func (h *Hub) Broadcast(integrationID string, data []byte) {
	select {
	case h.broadcast <- outbound{integrationID: integrationID, data: data}:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents a WebSocket client connection.
type Client struct {
	hub  *Hub
	send chan []byte

	mu sync.RWMutex
	// integrations limits delivery to these integrations. Empty means all.
	integrations map[string]bool
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub) *Client {
	return &Client{
		hub:          hub,
		send:         make(chan []byte, 256),
		integrations: make(map[string]bool),
	}
}

// Send returns the send channel for the client.
func (c *Client) Send() chan []byte {
	return c.send
}

// Subscribe limits delivery to the given integrations, in addition to earlier ones.
func (c *Client) Subscribe(integrationIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range integrationIDs {
		c.integrations[id] = true
	}
}

// Unsubscribe removes integrations from the filter. Removing the last one
// restores delivery of everything.
func (c *Client) Unsubscribe(integrationIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range integrationIDs {
		delete(c.integrations, id)
	}
}

// Wants reports whether a message for integrationID should reach the client.
func (c *Client) Wants(integrationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return integrationID == "" || len(c.integrations) == 0 || c.integrations[integrationID]
}
