package integration

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/config"
	"courier/pkg/protocol"
	"courier/pkg/types"
)

func TestOfflineReceiver_SentThenSeen(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, s *server) {
		alice := s.connect("alice")

		alice.send(protocol.SendMessage{To: "bob", Content: "hi"})
		sent := nextAs[protocol.MessageSent](alice)
		assert.Equal(t, types.StateSent, sent.State)
		assert.Equal(t, "bob", sent.To)
		assert.Equal(t, "hi", sent.Content)
		alice.quiet()
		assert.Equal(t, types.StateSent, s.message(sent.ID).State)

		bob := s.connect("bob")
		alice.waitStatus("bob", protocol.StatusOnline)
		bob.quiet()

		bob.send(protocol.MarkSeen{MessageID: sent.ID})
		seen := nextAs[protocol.MessageSeen](alice)
		assert.Equal(t, sent.ID, seen.MessageID)

		stored := s.message(sent.ID)
		assert.Equal(t, types.StateSeen, stored.State)
		assert.Nil(t, stored.DeliveredAt, "SENT moves straight to SEEN")
		require.NotNil(t, stored.SeenAt)
		assert.WithinDuration(t, *stored.SeenAt, seen.SeenAt, time.Millisecond)
		bob.quiet()
	})
}

func TestOnlineReceiver_Delivered(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, s *server) {
		alice := s.connect("alice")
		bob := s.connect("bob")
		alice.waitStatus("bob", protocol.StatusOnline)

		alice.send(protocol.SendMessage{To: "bob", Content: "  hello  "})

		incoming := nextAs[protocol.NewMessage](bob)
		assert.Equal(t, "alice", incoming.From)
		assert.Equal(t, "hello", incoming.Content, "content is trimmed")
		bob.quiet()

		sent := nextAs[protocol.MessageSent](alice)
		assert.Equal(t, types.StateDelivered, sent.State)
		assert.Equal(t, incoming.ID, sent.ID)
		delivered := nextAs[protocol.MessageDelivered](alice)
		assert.Equal(t, sent.ID, delivered.MessageID)

		assert.Equal(t, types.StateDelivered, s.message(sent.ID).State)

		bob.send(protocol.MarkSeen{MessageID: sent.ID})
		assert.Equal(t, sent.ID, nextAs[protocol.MessageSeen](alice).MessageID)
		assert.Equal(t, types.StateSeen, s.message(sent.ID).State)
	})
}

func TestMarkSeen_ByNonReceiverIsRejected(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, s *server) {
		alice := s.connect("alice")
		carol := s.connect("carol")

		alice.send(protocol.SendMessage{To: "bob", Content: "for bob only"})
		sent := nextAs[protocol.MessageSent](alice)

		for _, id := range []string{sent.ID, "no-such-message"} {
			carol.send(protocol.MarkSeen{MessageID: id})
			failure := nextAs[protocol.Error](carol)
			assert.Equal(t, types.ErrNotFoundOrUnauthorized.Error(), failure.Message, "existence is not revealed")
		}

		// the sender is not the receiver either
		alice.send(protocol.MarkSeen{MessageID: sent.ID})
		assert.Equal(t, types.ErrNotFoundOrUnauthorized.Error(), nextAs[protocol.Error](alice).Message)

		assert.Equal(t, types.StateSent, s.message(sent.ID).State)
	})
}

func TestRateLimit_RecoversAfterWindow(t *testing.T) {
	limit := func(cfg *config.Config) {
		cfg.RateLimit.MaxMessages = 3
		cfg.RateLimit.Window = 500 * time.Millisecond
	}
	forEachDriver(t, limit, func(t *testing.T, s *server) {
		alice := s.connect("alice")

		for range 3 {
			alice.send(protocol.SendMessage{To: "bob", Content: "spam"})
			nextAs[protocol.MessageSent](alice)
		}
		alice.send(protocol.SendMessage{To: "bob", Content: "one too many"})
		assert.Equal(t, types.ErrRateLimited.Error(), nextAs[protocol.Error](alice).Message)

		time.Sleep(600 * time.Millisecond)
		alice.send(protocol.SendMessage{To: "bob", Content: "new window"})
		assert.Equal(t, "new window", nextAs[protocol.MessageSent](alice).Content)
	})
}

func TestValidation_NothingPersisted(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, s *server) {
		alice := s.connect("alice")

		cases := []protocol.SendMessage{
			{To: "bob", Content: "   "},
			{To: "bob", Content: strings.Repeat("x", types.MaxContentLength+1)},
			{To: "bob!", Content: "bad recipient"},
		}
		for _, event := range cases {
			alice.send(event)
			failure := nextAs[protocol.Error](alice)
			assert.True(t, strings.HasPrefix(failure.Message, types.ErrValidation.Error()), failure.Message)
		}

		// the connection survives malformed frames too
		require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		nextAs[protocol.Error](alice)
		require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"shout","data":{}}`)))
		nextAs[protocol.Error](alice)

		alice.send(protocol.SendMessage{To: "bob", Content: strings.Repeat("é", types.MaxContentLength)})
		nextAs[protocol.MessageSent](alice)

		history := fetchHistory(t, s, "alice", "bob")
		assert.Len(t, history.Messages, 1, "only the valid message was stored")
	})
}

func TestReconnect_SupersedesPreviousConnection(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, s *server) {
		bob := s.connect("bob")
		first := s.connect("alice")
		bob.waitStatus("alice", protocol.StatusOnline)

		second := s.connect("alice")
		first.closed()
		bob.quiet()

		bob.send(protocol.SendMessage{To: "alice", Content: "which one?"})
		assert.Equal(t, "which one?", nextAs[protocol.NewMessage](second).Content)
		assert.Equal(t, types.StateDelivered, nextAs[protocol.MessageSent](bob).State)

		// closing the live connection does report offline
		require.NoError(t, second.conn.Close())
		bob.waitStatus("alice", protocol.StatusOffline)
	})
}

func TestTyping_ForwardedOnlyToPresentRecipient(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, s *server) {
		alice := s.connect("alice")
		bob := s.connect("bob")
		alice.waitStatus("bob", protocol.StatusOnline)

		alice.send(protocol.Typing{To: "bob"})
		assert.Equal(t, protocol.UserTyping{From: "alice"}, nextAs[protocol.UserTyping](bob))
		alice.send(protocol.StopTyping{To: "bob"})
		assert.Equal(t, protocol.UserStopTyping{From: "alice"}, nextAs[protocol.UserStopTyping](bob))

		// carol is offline: dropped silently
		alice.send(protocol.Typing{To: "carol"})
		alice.quiet()
	})
}

func TestConnect_RejectsUnknownIdentity(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, s *server) {
		token, err := s.issuer.GenerateToken("mallory", "Mallory", time.Minute)
		require.NoError(t, err)

		resp, err := http.Get("http://" + s.app.Addr() + "/ws?token=" + token)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func fetchHistory(t *testing.T, s *server, caller, peer string) historyBody {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+s.app.Addr()+"/api/conversations/"+peer+"/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(caller))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body historyBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

type historyBody struct {
	Messages []*types.Message `json:"messages"`
}

func TestHistory_ReflectsDeliveryStates(t *testing.T) {
	forEachDriver(t, nil, func(t *testing.T, s *server) {
		alice := s.connect("alice")
		alice.send(protocol.SendMessage{To: "bob", Content: "first"})
		offline := nextAs[protocol.MessageSent](alice)

		bob := s.connect("bob")
		alice.waitStatus("bob", protocol.StatusOnline)
		alice.send(protocol.SendMessage{To: "bob", Content: "second"})
		nextAs[protocol.NewMessage](bob)
		online := nextAs[protocol.MessageSent](alice)

		history := fetchHistory(t, s, "bob", "alice")
		require.Len(t, history.Messages, 2)
		assert.Equal(t, offline.ID, history.Messages[0].ID)
		assert.Equal(t, types.StateSent, history.Messages[0].State)
		assert.Equal(t, online.ID, history.Messages[1].ID)
		assert.Equal(t, types.StateDelivered, history.Messages[1].State)
	})
}
