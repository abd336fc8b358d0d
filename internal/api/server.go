package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"courier/internal/auth"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// History is the slice of the store the HTTP layer reads
type History interface {
	GetConversation(ctx context.Context, identityA, identityB string, limit int) ([]*types.Message, error)
	HealthCheck(ctx context.Context) error
}

// Presence reports who is connected right now
type Presence interface {
	Len() int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	identity interfaces.IdentityProvider
	history  History
	presence Presence
	metrics  http.Handler
	log      *slog.Logger
	started  time.Time
	router   *http.ServeMux
}

// NewServer wires the routes; metrics may be nil to leave /metrics unmounted
func NewServer(identity interfaces.IdentityProvider, history History, presence Presence, metrics http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		identity: identity,
		history:  history,
		presence: presence,
		metrics:  metrics,
		log:      log,
		started:  time.Now(),
		router:   http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// CORS and JSON middleware applied to all JSON routes for web client compatibility
func (s *Server) setupRoutes() {
	s.router.Handle("GET /api/conversations/{peerId}/messages", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.conversationHistory))))
	s.router.Handle("OPTIONS /api/conversations/{peerId}/messages", s.corsMiddleware(http.NotFoundHandler()))
	s.router.Handle("GET /health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics)
	}
}

// Mount adds an extra handler, such as the websocket gate, to the same mux
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.router.Handle(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HistoryResponse struct {
	Peer     string           `json:"peer"`
	Messages []*types.Message `json:"messages"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /api/conversations/{peerId}/messages returns the caller's
// history with one peer, oldest first. Reading never changes delivery state
func (s *Server) conversationHistory(w http.ResponseWriter, r *http.Request) {
	principal, err := s.identity.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		s.sendError(w, types.ClientMessage(err), http.StatusUnauthorized)
		return
	}

	peer := r.PathValue("peerId")
	if !types.IsValidIdentityID(peer) {
		s.sendError(w, types.ErrInvalidIdentityID.Error(), http.StatusBadRequest)
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	messages, err := s.history.GetConversation(r.Context(), principal.ID, peer, limit)
	if err != nil {
		s.log.Error("failed to load conversation", "identity", principal.ID, "peer", peer, "error", err)
		s.sendError(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}

	s.sendJSON(w, http.StatusOK, HistoryResponse{Peer: peer, Messages: messages})
}

var errBadLimit = errors.New("limit must be a positive integer")

// parseLimit applies the default and clamps to MaxHistoryLimit
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return DefaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errBadLimit
	}
	return min(limit, MaxHistoryLimit), nil
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	code := http.StatusOK

	if err := s.history.HealthCheck(ctx); err != nil {
		// the detail may name files or queries; keep it in the log
		s.log.Error("health check failed", "error", err)
		status = "unhealthy"
		dbStatus = "unavailable"
		code = http.StatusServiceUnavailable
	}

	s.sendJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Database:  dbStatus,
		Connections: map[string]int{
			"online": s.presence.Len(),
		},
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug("failed to write response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
// Allows all origins in development - would be restricted in production
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
