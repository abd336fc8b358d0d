package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/presence"
	"courier/pkg/interfaces"
	"courier/pkg/protocol"
	"courier/pkg/types"
)

type staticIdentity map[string]types.Principal

func (s staticIdentity) Verify(_ context.Context, token string) (types.Principal, error) {
	principal, ok := s[token]
	if !ok {
		return types.Principal{}, types.ErrAuth
	}
	return principal, nil
}

// echoFrames answers every frame with a user_typing event naming the sender
type echoFrames struct {
	mu     sync.Mutex
	frames []string
}

func (e *echoFrames) HandleFrame(_ context.Context, conn interfaces.Connection, frame []byte) {
	e.mu.Lock()
	e.frames = append(e.frames, string(frame))
	e.mu.Unlock()
	_ = conn.Emit(protocol.UserTyping{From: conn.Principal().ID})
}

type testServer struct {
	server   *httptest.Server
	presence *presence.Directory
	frames   *echoFrames
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	identity := staticIdentity{
		"alice-token": {ID: "alice", DisplayName: "Alice"},
		"bob-token":   {ID: "bob", DisplayName: "Bob"},
	}
	ts := &testServer{presence: presence.NewDirectory(nil), frames: &echoFrames{}}
	handler := NewHandler(identity, ts.presence, ts.frames, Options{PingInterval: time.Second}, nil)
	ts.server = httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.presence.CloseAll()
		ts.server.Close()
	})
	return ts
}

func (ts *testServer) url(token string) string {
	u := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	event, err := protocol.DecodeServer(data)
	require.NoError(t, err)
	return event
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	ts := newTestServer(t)

	for _, token := range []string{"", "forged"} {
		_, resp, err := websocket.DefaultDialer.Dial(ts.url(token), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}
	assert.Equal(t, 0, ts.presence.Len(), "rejected connections never reach presence")
}

func TestHandler_BearerHeader(t *testing.T) {
	ts := newTestServer(t)
	header := http.Header{"Authorization": []string{"Bearer bob-token"}}

	conn, _, err := websocket.DefaultDialer.Dial(ts.url(""), header)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	assert.Eventually(t, func() bool {
		_, ok := ts.presence.Lookup("bob")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestHandler_FramesReachHandlerAndRepliesReachClient(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "alice-token")

	frame := `{"event":"typing","data":{"to":"bob"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	assert.Equal(t, protocol.UserTyping{From: "alice"}, readEvent(t, conn))
	ts.frames.mu.Lock()
	assert.Equal(t, []string{frame}, ts.frames.frames)
	ts.frames.mu.Unlock()
}

func TestHandler_PresenceLifecycle(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice-token")
	require.Eventually(t, func() bool { return ts.presence.Len() == 1 }, time.Second, 10*time.Millisecond)

	bob := ts.dial(t, "bob-token")
	assert.Equal(t, protocol.UserStatus{IdentityID: "bob", Status: protocol.StatusOnline}, readEvent(t, alice))
	assert.Equal(t, protocol.UserStatus{IdentityID: "alice", Status: protocol.StatusOnline}, readEvent(t, bob))

	require.NoError(t, bob.Close())
	assert.Equal(t, protocol.UserStatus{IdentityID: "bob", Status: protocol.StatusOffline}, readEvent(t, alice))
	assert.Eventually(t, func() bool { return ts.presence.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandler_ReconnectSupersedesOldConnection(t *testing.T) {
	ts := newTestServer(t)
	old := ts.dial(t, "alice-token")
	require.Eventually(t, func() bool { return ts.presence.Len() == 1 }, time.Second, 10*time.Millisecond)
	first, _ := ts.presence.Lookup("alice")

	fresh := ts.dial(t, "alice-token")
	require.Eventually(t, func() bool {
		current, ok := ts.presence.Lookup("alice")
		return ok && current != first
	}, time.Second, 10*time.Millisecond)

	// The server closes the superseded socket
	require.NoError(t, old.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := old.ReadMessage()
	require.Error(t, err)

	// and its disconnect does not evict the new entry
	time.Sleep(50 * time.Millisecond)
	current, ok := ts.presence.Lookup("alice")
	require.True(t, ok)
	assert.NotSame(t, first, current)

	require.NoError(t, fresh.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	assert.Equal(t, protocol.UserTyping{From: "alice"}, readEvent(t, fresh))
}

func TestConnection_EmitAndClose(t *testing.T) {
	lateEmit := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			lateEmit <- err
			return
		}
		conn := NewConnection(ws, Options{})
		_ = conn.Emit(protocol.Error{Message: "hello"})
		time.Sleep(100 * time.Millisecond)

		_ = conn.Close()
		_ = conn.Close()
		<-conn.Done()
		lateEmit <- conn.Emit(protocol.Error{Message: "late"})
	}))
	defer server.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	assert.Equal(t, protocol.Error{Message: "hello"}, readEvent(t, client))

	select {
	case err := <-lateEmit:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never finished")
	}
}

func TestConnection_PrincipalIsSetOnce(t *testing.T) {
	conn := &Connection{}
	assert.False(t, conn.IsAuthenticated())

	require.NoError(t, conn.SetPrincipal(types.Principal{ID: "alice"}))
	assert.True(t, conn.IsAuthenticated())
	assert.ErrorIs(t, conn.SetPrincipal(types.Principal{ID: "mallory"}), ErrPrincipalAlreadySet)
	assert.Equal(t, "alice", conn.Principal().ID)
}

func TestOptions_Defaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultOptions(), opts)

	custom := Options{BufferSize: 5}.withDefaults()
	assert.Equal(t, 5, custom.BufferSize)
	assert.Equal(t, DefaultOptions().ReadTimeout, custom.ReadTimeout)
}

func TestConnection_TryEmitNeverBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		opts:    Options{BufferSize: 1}.withDefaults(),
		writeCh: make(chan []byte, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	status := protocol.UserStatus{IdentityID: "bob", Status: protocol.StatusOnline}

	require.NoError(t, conn.TryEmit(status))

	start := time.Now()
	assert.ErrorIs(t, conn.TryEmit(status), ErrBufferFull)
	assert.Less(t, time.Since(start), time.Second, "a full buffer must not wait for the write timeout")

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.TryEmit(status), ErrConnectionClosed)
}
