package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"courier/internal/auth"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// Presence is the registry the handler publishes connections to
type Presence interface {
	Register(conn interfaces.Connection) error
	Remove(identityID string, conn interfaces.Connection) bool
}

// FrameHandler consumes inbound text frames
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn interfaces.Connection, frame []byte)
}

// Handler authenticates, upgrades and serves real-time connections
// ARCHITECTURAL DISCOVERY: Multi-stage gate (credential -> upgrade -> principal ->
// registration) means a rejected client never reaches presence or the hub
type Handler struct {
	identity interfaces.IdentityProvider
	presence Presence
	frames   FrameHandler
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler
func NewHandler(identity interfaces.IdentityProvider, presence Presence, frames FrameHandler, opts Options, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		identity: identity,
		presence: presence,
		frames:   frames,
		opts:     opts.withDefaults(),
		log:      log,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Bearer tokens, not cookies, authenticate the
			// socket, so cross-origin upgrades carry no ambient credentials
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// FUNCTIONAL DISCOVERY: Authentication runs once, before the upgrade, so a
	// refused client gets a plain 401 and no state is created for it
	principal, err := h.identity.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		h.log.Info("connection refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, types.ClientMessage(err), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "identity", principal.ID, "error", err)
		return
	}

	wsConn := NewConnection(conn, h.opts)
	if err := wsConn.SetPrincipal(principal); err != nil {
		h.log.Error("failed to attach principal", "identity", principal.ID, "error", err)
		_ = wsConn.Close()
		return
	}

	if err := h.presence.Register(wsConn); err != nil {
		h.log.Error("failed to register connection", "identity", principal.ID, "error", err)
		_ = wsConn.Close()
		return
	}
	h.log.Info("connection opened", "identity", principal.ID)

	// TECHNICAL DISCOVERY: Hijacked requests lose their context when ServeHTTP
	// returns; in-flight sends must outlive a disconnect, so drop cancellation
	go h.handleConnection(context.WithoutCancel(r.Context()), wsConn)
}

// handleConnection runs the read pump until the peer goes away
func (h *Handler) handleConnection(ctx context.Context, conn *Connection) {
	identityID := conn.Principal().ID
	defer func() {
		// RACE CONDITION FIX: identity-checked removal leaves a newer
		// connection for the same identity in place
		removed := h.presence.Remove(identityID, conn)
		_ = conn.Close()
		h.log.Info("connection closed", "identity", identityID, "superseded", !removed)
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "identity", identityID, "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		h.frames.HandleFrame(ctx, conn, data)
	}
}
