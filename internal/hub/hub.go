// Package hub routes decoded client events to their handlers and owns the
// background maintenance of process-local state.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"courier/internal/delivery"
	"courier/internal/metrics"
	"courier/internal/typing"
	"courier/pkg/interfaces"
	"courier/pkg/protocol"
)

// Sweeper discards expired rate-limit windows
type Sweeper interface {
	Sweep() int
}

// Hub coordinates event routing between connections and handlers
// ARCHITECTURAL DISCOVERY: Central coordination point for all inbound events
// keeps the websocket layer free of business logic
type Hub struct {
	pipeline      *delivery.Pipeline
	typing        *typing.Notifier
	sweeper       Sweeper
	sweepInterval time.Duration
	metrics       *metrics.Metrics
	log           *slog.Logger

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	stop    chan struct{}
	done    chan struct{}
	mu      sync.RWMutex
}

// Config carries the Hub's collaborators
type Config struct {
	Pipeline      *delivery.Pipeline
	Typing        *typing.Notifier
	Sweeper       Sweeper
	SweepInterval time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// NewHub creates a new hub
func NewHub(config Config) *Hub {
	log := config.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	interval := config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Hub{
		pipeline:      config.Pipeline,
		typing:        config.Typing,
		sweeper:       config.Sweeper,
		sweepInterval: interval,
		metrics:       config.Metrics,
		log:           log,
	}
}

// Start begins periodic rate-limit sweeping
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})

	h.log.Info("starting hub", "sweep_interval", h.sweepInterval)
	go h.run(ctx, h.stop, h.done)
	return nil
}

// Stop halts the sweep goroutine and waits for it to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.stop)
	done := h.done
	h.mu.Unlock()

	<-done
	h.log.Info("hub stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-stop:
			return
		case <-ctx.Done():
			h.log.Debug("hub context cancelled")
			return
		}
	}
}

// Sweep runs one rate-limit sweep immediately
func (h *Hub) Sweep() int {
	if h.sweeper == nil {
		return 0
	}
	removed := h.sweeper.Sweep()
	if removed > 0 {
		h.log.Debug("rate limit windows swept", "removed", removed)
	}
	return removed
}

// HandleFrame decodes one inbound frame and dispatches it. Decode failures are
// reported to the connection as an error event; the connection stays open.
func (h *Hub) HandleFrame(ctx context.Context, conn interfaces.Connection, frame []byte) {
	event, err := protocol.DecodeClient(frame)
	if err != nil {
		h.metrics.EventReceived("invalid")
		h.reportError(conn, "frame", err)
		return
	}
	h.Dispatch(ctx, conn, event)
}

// Dispatch routes one client event to its handler
// FUNCTIONAL DISCOVERY: Handler errors go back to the originating connection
// only; nothing is retried on the client's behalf
func (h *Hub) Dispatch(ctx context.Context, conn interfaces.Connection, event protocol.ClientEvent) {
	h.metrics.EventReceived(event.EventName())

	if !conn.IsAuthenticated() {
		h.reportError(conn, event.EventName(), ErrNotAuthenticated)
		return
	}

	var err error
	switch e := event.(type) {
	case protocol.SendMessage:
		_, err = h.pipeline.Send(ctx, conn, e)
	case protocol.MarkSeen:
		err = h.pipeline.MarkSeen(ctx, conn, e)
	case protocol.Typing:
		err = h.typing.Typing(conn, e)
	case protocol.StopTyping:
		err = h.typing.StopTyping(conn, e)
	default:
		err = fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, event.EventName())
	}

	if err != nil {
		h.reportError(conn, event.EventName(), err)
	}
}

func (h *Hub) reportError(conn interfaces.Connection, event string, err error) {
	kind := metrics.KindOf(err)
	h.metrics.Error(kind)

	identity := ""
	if conn.IsAuthenticated() {
		identity = conn.Principal().ID
	}
	if kind == metrics.KindInternal || kind == metrics.KindPersistence {
		h.log.Error("event failed", "event", event, "identity", identity, "error", err)
	} else {
		h.log.Debug("event rejected", "event", event, "identity", identity, "error", err)
	}

	if emitErr := conn.Emit(protocol.ErrorFrom(err)); emitErr != nil {
		h.log.Debug("error event dropped", "identity", identity, "error", emitErr)
	}
}
