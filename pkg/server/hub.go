package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atomicdeploy/airexport/pkg/airtable"
)

const writeWait = 5 * time.Second

// ChangeSet represents incremental changes made to a table
type ChangeSet struct {
	Type      string            `json:"type"`
	Table     string            `json:"table"`
	Timestamp string            `json:"timestamp"`
	Source    string            `json:"source,omitempty"` // "api" or "sync"
	Added     []airtable.Record `json:"added,omitempty"`
	Modified  []airtable.Record `json:"modified,omitempty"`
	Deleted   []string          `json:"deleted,omitempty"`
}

// Empty reports whether the change set carries no changes
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// hello is the first message a client receives
type hello struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	Base      string `json:"base,omitempty"`
	Timestamp string `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // one writer at a time
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Hub tracks WebSocket clients and fans out change sets
type Hub struct {
	logger  *zap.Logger
	base    string
	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func newHub(logger *zap.Logger, base string) *Hub {
	return &Hub{
		logger:  logger,
		base:    base,
		clients: make(map[*wsClient]bool),
	}
}

// serve registers conn, greets it and reads until it disconnects
func (h *Hub) serve(conn *websocket.Conn) {
	client := &wsClient{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("🔌 New WebSocket connection", zap.String("client", client.id), zap.Int("total", total))

	if err := client.send(hello{
		Type:      "hello",
		ClientID:  client.id,
		Base:      h.base,
		Timestamp: time.Now().Format(time.RFC3339),
	}); err != nil {
		h.logger.Warn("Failed to send to WebSocket", zap.String("client", client.id), zap.Error(err))
	}

	// Handle disconnection
	go func() {
		defer h.remove(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	remaining := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()
	if ok {
		h.logger.Info("🔌 WebSocket disconnected", zap.String("client", client.id), zap.Int("remaining", remaining))
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends changes to all connected clients; empty change sets are dropped
func (h *Hub) broadcast(changes ChangeSet) {
	if changes.Empty() {
		return
	}
	if changes.Type == "" {
		changes.Type = "update"
	}
	if changes.Source == "" {
		changes.Source = "api"
	}
	if changes.Timestamp == "" {
		changes.Timestamp = time.Now().Format(time.RFC3339)
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}
	h.logger.Info("📡 Broadcasting update", zap.String("table", changes.Table), zap.Int("clients", len(clients)))

	for _, c := range clients {
		if err := c.send(changes); err != nil {
			h.logger.Warn("Failed to send to WebSocket", zap.String("client", c.id), zap.Error(err))
			h.remove(c)
		}
	}
}

// close disconnects every client
func (h *Hub) close() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}
