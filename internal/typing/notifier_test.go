package typing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/presence"
	"courier/internal/testutil"
	"courier/pkg/protocol"
	"courier/pkg/types"
)

func setup(t *testing.T, ids ...string) (*Notifier, map[string]*testutil.Connection) {
	t.Helper()
	dir := presence.NewDirectory(nil)
	conns := make(map[string]*testutil.Connection)
	for _, id := range ids {
		conn := testutil.NewConnection(id)
		require.NoError(t, dir.Register(conn))
		conns[id] = conn
	}
	for _, conn := range conns {
		conn.Reset()
	}
	return NewNotifier(dir, nil), conns
}

func TestNotifier_ForwardsToPresentRecipient(t *testing.T) {
	n, conns := setup(t, "alice", "bob")

	require.NoError(t, n.Typing(conns["alice"], protocol.Typing{To: "bob"}))
	require.NoError(t, n.StopTyping(conns["alice"], protocol.StopTyping{To: "bob"}))

	assert.Equal(t, []protocol.ServerEvent{
		protocol.UserTyping{From: "alice"},
		protocol.UserStopTyping{From: "alice"},
	}, conns["bob"].Events())
	assert.Empty(t, conns["alice"].Events(), "no acknowledgement to the sender")
}

func TestNotifier_AbsentRecipientIsDropped(t *testing.T) {
	n, conns := setup(t, "alice")

	assert.NoError(t, n.Typing(conns["alice"], protocol.Typing{To: "bob"}))
	assert.NoError(t, n.StopTyping(conns["alice"], protocol.StopTyping{To: "bob"}))
	assert.Empty(t, conns["alice"].Events())
}

func TestNotifier_ClosedRecipientIsSilent(t *testing.T) {
	n, conns := setup(t, "alice", "bob")
	require.NoError(t, conns["bob"].Close())

	assert.NoError(t, n.Typing(conns["alice"], protocol.Typing{To: "bob"}))
}

func TestNotifier_RejectsMalformedRecipient(t *testing.T) {
	n, conns := setup(t, "alice")

	err := n.Typing(conns["alice"], protocol.Typing{To: "not valid!"})
	assert.ErrorIs(t, err, types.ErrInvalidIdentityID)

	err = n.StopTyping(conns["alice"], protocol.StopTyping{})
	assert.ErrorIs(t, err, types.ErrInvalidIdentityID)
}
