package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailguard/internal/notify"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// Client wraps a WebSocket connection.
// gorilla connections allow one concurrent writer, so writes go through mu.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active WebSocket connections per user and delivers notification topics to them.
// It supports multiple connections per user (e.g., multiple tabs).
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{} // userID -> set of clients
	maxPerUser int
	logger     *zap.Logger
}

// NewHub creates a new Hub with a per-user connection limit.
func NewHub(maxPerUser int, logger *zap.Logger) *Hub {
	if maxPerUser <= 0 {
		maxPerUser = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxPerUser: maxPerUser,
		logger:     logger,
	}
}

// Register adds a WebSocket connection for the given user.
// If the per-user limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(userID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[userID]
	if !ok {
		userClients = make(map[*Client]struct{})
		h.clients[userID] = userClients
	}

	if len(userClients) >= h.maxPerUser {
		h.logger.Warn("User exceeded max websocket connections, closing new connection",
			zap.String("user_id", userID),
			zap.Int("max", h.maxPerUser),
		)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this user"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	userClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given user and closes the connection.
func (h *Hub) Unregister(userID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	if userClients, ok := h.clients[userID]; ok {
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(h.clients, userID)
		}
	}
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Send writes a message to every active client of the user.
func (h *Hub) Send(userID string, msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for client := range h.clients[userID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.write(msg); err != nil {
			h.logger.Debug("Failed to write websocket message, dropping client",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			go h.Unregister(userID, client)
		}
	}
}

// Publish implements notify.Notifier: the message goes to the user named in the topic.
func (h *Hub) Publish(_ context.Context, topic string, payload any) error {
	_, _, userID, ok := notify.ParseTopic(topic)
	if !ok {
		return fmt.Errorf("websocket: malformed topic %q", topic)
	}
	body, err := json.Marshal(notify.Message{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("websocket: failed to encode notification: %w", err)
	}
	h.Send(userID, body)
	return nil
}

// ActiveConnections returns the number of active WebSocket connections for a user.
func (h *Hub) ActiveConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[userID])
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, userClients := range clients {
		for client := range userClients {
			_ = client.conn.Close()
		}
	}
}

var _ notify.Notifier = (*Hub)(nil)
