package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vdavid/mailguard/internal/imap"
	"github.com/vdavid/mailguard/internal/monitor"
	"go.uber.org/zap"
)

// MailboxMonitor is the part of *monitor.Monitor the API exposes.
type MailboxMonitor interface {
	StartMonitoring(ctx context.Context, mailbox, userID string) error
	StopMonitoring(ctx context.Context, mailbox, userID string) error
	StopAllMonitoring(ctx context.Context, userID string) error
	GetConnectionStates(userID string) map[string]bool
	Snapshots(userID string) []monitor.ConnectionState
}

// MonitorHandler starts, stops and reports mailbox monitoring for the authenticated user.
type MonitorHandler struct {
	monitor MailboxMonitor
	logger  *zap.Logger
}

// NewMonitorHandler creates a MonitorHandler.
func NewMonitorHandler(m MailboxMonitor, logger *zap.Logger) *MonitorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitorHandler{monitor: m, logger: logger}
}

type monitorRequest struct {
	Mailbox string `json:"mailbox"`
}

type connectionsResponse struct {
	Connections map[string]bool           `json:"connections"`
	Mailboxes   []monitor.ConnectionState `json:"mailboxes"`
}

// GetConnections handles GET /api/v1/connections.
func (h *MonitorHandler) GetConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(w, r)
	if !ok {
		return
	}
	writeJSON(w, h.logger, http.StatusOK, connectionsResponse{
		Connections: h.monitor.GetConnectionStates(userID),
		Mailboxes:   h.monitor.Snapshots(userID),
	})
}

// HandleMonitor handles POST (start) and DELETE (stop) on /api/v1/mailboxes/monitor.
// DELETE without a mailbox stops every mailbox of the user.
func (h *MonitorHandler) HandleMonitor(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(w, r)
	if !ok {
		return
	}

	var req monitorRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, h.logger, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	req.Mailbox = strings.TrimSpace(req.Mailbox)

	switch r.Method {
	case http.MethodPost:
		if req.Mailbox == "" {
			writeError(w, h.logger, http.StatusBadRequest, "mailbox is required")
			return
		}
		h.start(w, r, userID, req.Mailbox)
	case http.MethodDelete:
		var err error
		if req.Mailbox == "" {
			err = h.monitor.StopAllMonitoring(r.Context(), userID)
		} else {
			err = h.monitor.StopMonitoring(r.Context(), req.Mailbox, userID)
		}
		if err != nil {
			h.logger.Warn("Failed to stop monitoring", zap.String("user_id", userID), zap.Error(err))
			writeError(w, h.logger, http.StatusInternalServerError, "Failed to stop monitoring")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *MonitorHandler) start(w http.ResponseWriter, r *http.Request, userID, mailbox string) {
	err := h.monitor.StartMonitoring(r.Context(), mailbox, userID)

	var notFound *monitor.MailboxNotFoundError
	switch {
	case err == nil:
		writeJSON(w, h.logger, http.StatusAccepted, map[string]string{"mailbox": mailbox, "status": "monitoring"})
	case errors.As(err, &notFound):
		writeError(w, h.logger, http.StatusNotFound, "Mailbox not found")
	case imap.IsAuthenticationError(err):
		writeError(w, h.logger, http.StatusUnprocessableEntity, "Invalid credentials")
	case errors.Is(err, monitor.ErrMonitorClosed):
		writeError(w, h.logger, http.StatusServiceUnavailable, "Shutting down")
	default:
		h.logger.Error("Failed to start monitoring",
			zap.String("mailbox", mailbox),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to start monitoring")
	}
}
