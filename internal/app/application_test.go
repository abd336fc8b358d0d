package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/auth"
	"courier/internal/config"
	"courier/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Driver = config.DriverBadger
	cfg.Database.Path = ""
	cfg.Database.InMemory = true
	cfg.Auth.JWTSecret = "app-test-secret"
	return cfg
}

func TestNewApplication_RejectsBadConfig(t *testing.T) {
	_, err := NewApplication(nil, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Auth.JWTSecret = ""
	_, err = NewApplication(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestOpenStore(t *testing.T) {
	t.Run("sqlite creates its directory", func(t *testing.T) {
		cfg := config.DefaultConfig().Database
		cfg.Path = filepath.Join(t.TempDir(), "nested", "courier.db")

		store, err := OpenStore(cfg, nil)
		require.NoError(t, err)
		require.NoError(t, store.CreateUser(context.Background(), &types.User{ID: "alice"}))
		assert.NoError(t, store.Close())
	})

	t.Run("badger in memory", func(t *testing.T) {
		cfg := config.DatabaseConfig{Driver: config.DriverBadger, InMemory: true}
		store, err := OpenStore(cfg, nil)
		require.NoError(t, err)
		assert.NoError(t, store.Close())
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := OpenStore(config.DatabaseConfig{Driver: "postgres"}, nil)
		assert.Error(t, err)
	})
}

func TestApplication_Lifecycle(t *testing.T) {
	cfg := testConfig()
	application, err := NewApplication(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, application.Store().CreateUser(ctx, &types.User{ID: "alice", DisplayName: "Alice"}))
	require.NoError(t, application.Start(ctx))

	base := "http://" + application.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	require.NoError(t, err)
	token, err := issuer.GenerateToken("alice", "Alice", time.Minute)
	require.NoError(t, err)

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws?token=%s", application.Addr(), token), nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	assert.Eventually(t, func() bool {
		resp, err := http.Get(base + "/metrics")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "courier_online_connections 1")
	}, 2*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, application.Stop(stopCtx))

	// open sockets are closed on shutdown
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)

	_, ok := <-application.Errors()
	assert.False(t, ok, "a clean shutdown reports no serve error")
}

func TestApplication_StartFailsOnBusyAddress(t *testing.T) {
	first, err := NewApplication(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	defer func() { _ = first.Stop(context.Background()) }()

	cfg := testConfig()
	_, port, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	cfg.HTTP.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	second, err := NewApplication(cfg, nil)
	require.NoError(t, err)
	assert.Error(t, second.Start(context.Background()))
	assert.NoError(t, second.Stop(context.Background()))
}
