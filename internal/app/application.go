package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"courier/internal/api"
	"courier/internal/auth"
	"courier/internal/badgerstore"
	"courier/internal/config"
	"courier/internal/database"
	"courier/internal/delivery"
	"courier/internal/hub"
	"courier/internal/metrics"
	"courier/internal/presence"
	"courier/internal/ratelimit"
	"courier/internal/typing"
	"courier/internal/websocket"
	"courier/pkg/interfaces"
	pkgdatabase "courier/pkg/database"
)

// startupCheckTimeout bounds the store health check run before serving
const startupCheckTimeout = 5 * time.Second

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	log        *slog.Logger
	store      interfaces.Store
	presence   *presence.Directory
	hub        *hub.Hub
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
}

// OpenStore opens the configured backend and refuses a store that fails its
// health check
func OpenStore(cfg config.DatabaseConfig, log *slog.Logger) (interfaces.Store, error) {
	var (
		store interfaces.Store
		err   error
	)
	switch cfg.Driver {
	case config.DriverSQLite:
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Path
		dbConfig.MaxConnections = cfg.MaxConnections
		dbConfig.WriteTimeout = cfg.Timeout
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err = database.Open(dbConfig, log.With("component", "sqlite"))
	case config.DriverBadger:
		store, err = badgerstore.Open(badgerstore.Config{Path: cfg.Path, InMemory: cfg.InMemory}, log)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupCheckTimeout)
	defer cancel()
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("store health check failed: %w", err)
	}
	return store, nil
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Identity → Presence/Limiter/Metrics → Pipeline/Typing → Hub → Gate/API → HTTP
func NewApplication(cfg *config.Config, log *slog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	// STEP 1: persistence (foundation layer); failure here aborts startup
	store, err := OpenStore(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	application, err := build(cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return application, nil
}

func build(cfg *config.Config, store interfaces.Store, log *slog.Logger) (*Application, error) {
	// STEP 2: identity provider over the user directory
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, store, log.With("component", "auth"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity provider: %w", err)
	}

	// STEP 3: process-local state with an explicit owner
	directory := presence.NewDirectory(log.With("component", "presence"))
	limiter := ratelimit.New(cfg.RateLimit.MaxMessages, cfg.RateLimit.Window)

	m := metrics.New()
	if err := m.RegisterOnline(directory.Len); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	// STEP 4: handlers
	pipeline := delivery.NewPipeline(store, directory, limiter,
		delivery.WithMetrics(m),
		delivery.WithLogger(log.With("component", "delivery")),
	)
	notifier := typing.NewNotifier(directory, log.With("component", "typing"))

	// STEP 5: event routing and the rate-limit sweep
	messageHub := hub.NewHub(hub.Config{
		Pipeline:      pipeline,
		Typing:        notifier,
		Sweeper:       limiter,
		SweepInterval: cfg.RateLimit.SweepInterval,
		Metrics:       m,
		Logger:        log.With("component", "hub"),
	})

	// STEP 6: HTTP surface; the websocket gate shares the API mux
	wsHandler := websocket.NewHandler(verifier, directory, messageHub, websocket.Options{
		BufferSize:     cfg.WebSocket.BufferSize,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}, log.With("component", "websocket"))

	apiServer := api.NewServer(verifier, store, directory, m.Handler(), log.With("component", "api"))
	apiServer.Mount("/ws", wsHandler)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	return &Application{
		config:     cfg,
		log:        log,
		store:      store,
		presence:   directory,
		hub:        messageHub,
		httpServer: httpServer,
		serveErr:   make(chan error, 1),
	}, nil
}

// Start begins application execution
// Hub starts first so the sweep runs, then the listener accepts connections
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// TECHNICAL DISCOVERY: binding before serving surfaces "address in use"
	// synchronously and lets port 0 resolve to a real address
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error("HTTP server error", "error", err)
			app.serveErr <- err
		}
		close(app.serveErr)
	}()

	app.log.Info("courier started", "addr", listener.Addr().String(), "driver", app.config.Database.Driver)
	return nil
}

// Errors reports a fatal serve error; it is closed when the server stops
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → connections → Hub → Store
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("shutting down courier")
	var errs []error

	// STEP 1: stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: hijacked websocket connections are not covered by Shutdown
	app.presence.CloseAll()

	// STEP 3: stop background maintenance
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}

	// STEP 4: release the store last
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		app.log.Error("shutdown completed with errors", "error", err)
		return err
	}
	app.log.Info("courier shutdown complete")
	return nil
}

// Addr returns the bound address once started, else the configured one
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Store exposes the opened store for administrative commands and tests
func (app *Application) Store() interfaces.Store {
	return app.store
}
