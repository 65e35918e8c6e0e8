package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailguard/internal/auth"
	ws "github.com/vdavid/mailguard/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler handles the /api/v1/ws endpoint. Connected clients receive the
// connect, scanlog and threat topics of their user.
type WebSocketHandler struct {
	hub       *ws.Hub
	validator *auth.TokenValidator
	logger    *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(hub *ws.Hub, validator *auth.TokenValidator, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{hub: hub, validator: validator, logger: logger}
}

var wsUpgrader = websocket.Upgrader{
	// Deployed behind a reverse proxy that enforces origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the caller, upgrades the connection and registers it with the hub.
// Browsers cannot set headers on WebSocket requests, so the token may come as ?token=...;
// the Authorization header is accepted as a fallback.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}

	userID, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Debug("Rejected websocket connection", zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket connection", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client := h.hub.Register(userID, conn)
	if client == nil {
		return
	}
	h.logger.Debug("WebSocket connection established", zap.String("user_id", userID))

	go h.readLoop(userID, client)
}

// readLoop discards client messages until the connection closes, then unregisters the client.
func (h *WebSocketHandler) readLoop(userID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(userID, client)
}
