package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"partyboard/pkg/interfaces"
	"partyboard/pkg/types"
)

// SessionReader loads the current snapshot of one session.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*types.Session, error)
}

// Handler upgrades feed requests and keeps each connection registered until
// the client goes away.
// ARCHITECTURAL DISCOVERY: Validation happens before the upgrade so bad
// requests get a plain HTTP error instead of an immediately closed socket
type Handler struct {
	registry *Registry
	sessions SessionReader
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a feed handler. checkOrigin may be nil to accept any
// origin.
func NewHandler(registry *Registry, sessions SessionReader, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		registry: registry,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin:      checkOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "ws-handler"),
	}
}

// HandleAll serves GET /ws/recruitments: every session's changes.
func (h *Handler) HandleAll(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.serve(NewConnection(conn, ""), nil)
}

// HandleSession serves GET /ws/recruitments/{id}: one session's changes,
// starting with its current snapshot.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "session lookup failed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	h.serve(NewConnection(conn, sessionID), func(c *Connection) error {
		// Read after registering so no committed change falls between the
		// snapshot and the first pushed event.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := h.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		return c.WriteJSON(SnapshotMessage(snap))
	})
}

// serve registers conn, runs greet and then reads until the peer leaves.
func (h *Handler) serve(conn *Connection, greet func(*Connection) error) {
	if err := h.registry.Register(conn); err != nil {
		h.logger.Warn("feed connection refused", "error", err)
		_ = conn.Close()
		return
	}
	h.logger.Debug("feed connection opened", "conn_id", conn.ID(), "session_filter", conn.SessionFilter())

	if greet != nil {
		if err := greet(conn); err != nil {
			h.logger.Info("feed greeting failed", "conn_id", conn.ID(), "error", err)
			h.registry.Unregister(conn)
			_ = conn.Close()
			return
		}
	}

	go func() {
		<-conn.Done()
		_ = conn.Close()
	}()

	go func() {
		defer func() {
			h.registry.Unregister(conn)
			_ = conn.Close()
		}()
		if err := conn.readLoop(); err != nil &&
			websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			h.logger.Debug("feed connection read ended", "conn_id", conn.ID(), "error", err)
		}
	}()
}
