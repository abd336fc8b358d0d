package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"courier/internal/app"
	"courier/internal/auth"
	"courier/internal/config"
	"courier/pkg/protocol"
	"courier/pkg/types"
)

const (
	testSecret  = "integration-secret"
	waitTimeout = 2 * time.Second
	quietPeriod = 150 * time.Millisecond
)

// server is a started Application plus what clients need to reach it
type server struct {
	t      *testing.T
	app    *app.Application
	issuer *auth.Issuer
}

// forEachDriver runs fn against every storage backend
func forEachDriver(t *testing.T, mutate func(*config.Config), fn func(t *testing.T, s *server)) {
	for _, driver := range []string{config.DriverSQLite, config.DriverBadger} {
		t.Run(driver, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.HTTP.Host = "127.0.0.1"
			cfg.HTTP.Port = 0
			cfg.Auth.JWTSecret = testSecret
			cfg.Database.Driver = driver
			cfg.Database.Path = filepath.Join(t.TempDir(), "courier-"+driver)
			if mutate != nil {
				mutate(cfg)
			}
			fn(t, startServer(t, cfg))
		})
	}
}

func startServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	application, err := app.NewApplication(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, application.Store().CreateUser(ctx, &types.User{ID: id, DisplayName: id}))
	}
	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(stopCtx)
	})

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	require.NoError(t, err)
	return &server{t: t, app: application, issuer: issuer}
}

func (s *server) token(id string) string {
	s.t.Helper()
	token, err := s.issuer.GenerateToken(id, id, time.Minute)
	require.NoError(s.t, err)
	return token
}

func (s *server) message(id string) *types.Message {
	s.t.Helper()
	m, err := s.app.Store().GetMessage(context.Background(), id)
	require.NoError(s.t, err)
	return m
}

// client pumps server events into a channel so tests can also assert silence
type client struct {
	t      *testing.T
	id     string
	conn   *websocket.Conn
	events chan protocol.ServerEvent
}

func (s *server) connect(id string) *client {
	s.t.Helper()
	url := fmt.Sprintf("ws://%s/ws?token=%s", s.app.Addr(), s.token(id))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(s.t, err)

	c := &client{t: s.t, id: id, conn: conn, events: make(chan protocol.ServerEvent, 64)}
	go c.pump()
	s.t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) pump() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		event, err := protocol.DecodeServer(data)
		if err != nil {
			continue
		}
		c.events <- event
	}
}

func (c *client) send(event protocol.ClientEvent) {
	c.t.Helper()
	data, err := protocol.Encode(event)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// next returns the next event, skipping presence updates
func (c *client) next() protocol.ServerEvent {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case event, ok := <-c.events:
			require.True(c.t, ok, "%s: connection closed while waiting", c.id)
			if _, presence := event.(protocol.UserStatus); presence {
				continue
			}
			return event
		case <-deadline:
			c.t.Fatalf("%s: no event within %s", c.id, waitTimeout)
			return nil
		}
	}
}

// waitStatus waits for identityID to be reported with status
func (c *client) waitStatus(identityID, status string) {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case event, ok := <-c.events:
			require.True(c.t, ok, "%s: connection closed while waiting", c.id)
			if s, ok := event.(protocol.UserStatus); ok && s.IdentityID == identityID && s.Status == status {
				return
			}
		case <-deadline:
			c.t.Fatalf("%s: %s never reported %s", c.id, identityID, status)
		}
	}
}

// quiet asserts no non-presence event arrives for a short period
func (c *client) quiet() {
	c.t.Helper()
	deadline := time.After(quietPeriod)
	for {
		select {
		case event, ok := <-c.events:
			if !ok {
				return
			}
			if _, presence := event.(protocol.UserStatus); presence {
				continue
			}
			c.t.Fatalf("%s: unexpected %s event %+v", c.id, event.EventName(), event)
		case <-deadline:
			return
		}
	}
}

// closed waits for the server to drop the connection
func (c *client) closed() {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatalf("%s: connection still open after %s", c.id, waitTimeout)
		}
	}
}

func nextAs[T protocol.ServerEvent](c *client) T {
	c.t.Helper()
	event := c.next()
	typed, ok := event.(T)
	require.True(c.t, ok, "%s: expected %T, got %s %+v", c.id, *new(T), event.EventName(), event)
	return typed
}
