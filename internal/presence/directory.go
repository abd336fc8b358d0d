// Package presence tracks which identity currently holds a live connection.
//
// Exactly one connection is current per identity: registering a new connection
// supersedes the previous one, which is closed. There is no multi-device fan-out.
// State is process-local; several instances behind a load balancer do not share it.
package presence

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"courier/pkg/interfaces"
	"courier/pkg/protocol"
)

var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
)

// Directory maps an identity to its current connection with thread-safe operations
// ARCHITECTURAL DISCOVERY: Explicitly owned, injectable service created at process
// start and torn down at shutdown, instead of a package-level map
type Directory struct {
	mu          sync.RWMutex // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	statusMu    sync.Mutex   // orders map changes with their status fan-out
	connections map[string]interfaces.Connection
	log         *slog.Logger
}

// NewDirectory creates an empty presence directory
func NewDirectory(log *slog.Logger) *Directory {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Directory{
		connections: make(map[string]interfaces.Connection),
		log:         log,
	}
}

// Register makes conn the current connection for its principal
// FUNCTIONAL DISCOVERY: Unconditional overwrite; the superseded connection is closed
// asynchronously so its own disconnect path runs without holding our lock
func (d *Directory) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	identityID := conn.Principal().ID

	// RACE CONDITION FIX: Peers must see online/offline in the order the map
	// changed, or a late offline from a superseded connection wins
	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	d.mu.Lock()
	previous, superseded := d.connections[identityID]
	d.connections[identityID] = conn
	peers := d.peersLocked(identityID)
	online := lo.Keys(d.connections)
	d.mu.Unlock()

	if superseded && previous != conn {
		d.log.Info("connection superseded", "identity", identityID)
		go func() {
			if err := previous.Close(); err != nil {
				d.log.Warn("failed to close superseded connection", "identity", identityID, "error", err)
			}
		}()
	}

	d.broadcast(peers, protocol.UserStatus{IdentityID: identityID, Status: protocol.StatusOnline})
	d.sendSnapshot(conn, identityID, online)
	return nil
}

// Lookup returns the current connection for identityID
func (d *Directory) Lookup(identityID string) (interfaces.Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conn, exists := d.connections[identityID]
	return conn, exists
}

// Remove deletes the entry for identityID only if it still points at conn
// RACE CONDITION FIX: A stale disconnect handler must never evict a newer
// connection registered in the interim
func (d *Directory) Remove(identityID string, conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	d.mu.Lock()
	current, exists := d.connections[identityID]
	if !exists || current != conn {
		d.mu.Unlock()
		return false
	}
	delete(d.connections, identityID)
	peers := d.peersLocked(identityID)
	d.mu.Unlock()

	d.broadcast(peers, protocol.UserStatus{IdentityID: identityID, Status: protocol.StatusOffline})
	return true
}

// Online returns the identities currently present, sorted
func (d *Directory) Online() []string {
	d.mu.RLock()
	ids := lo.Keys(d.connections)
	d.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of present identities
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.connections)
}

// CloseAll closes every registered connection; used at shutdown
func (d *Directory) CloseAll() {
	d.mu.RLock()
	conns := lo.Values(d.connections)
	d.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (d *Directory) peersLocked(identityID string) []interfaces.Connection {
	return lo.Values(lo.OmitByKeys(d.connections, []string{identityID}))
}

// nonBlockingEmitter is implemented by transports that can refuse an event
// instead of waiting for buffer space
type nonBlockingEmitter interface {
	TryEmit(event protocol.ServerEvent) error
}

// emitStatus never waits on a slow peer when the transport allows it
func emitStatus(conn interfaces.Connection, event protocol.UserStatus) error {
	if fast, ok := conn.(nonBlockingEmitter); ok {
		return fast.TryEmit(event)
	}
	return conn.Emit(event)
}

// broadcast is best-effort and unacknowledged
func (d *Directory) broadcast(peers []interfaces.Connection, event protocol.UserStatus) {
	for _, peer := range peers {
		if err := emitStatus(peer, event); err != nil {
			d.log.Debug("presence broadcast dropped", "to", peer.Principal().ID, "identity", event.IdentityID, "error", err)
		}
	}
}

// sendSnapshot tells a newly registered connection who is already online
func (d *Directory) sendSnapshot(conn interfaces.Connection, self string, online []string) {
	sort.Strings(online)
	for _, id := range online {
		if id == self {
			continue
		}
		if err := emitStatus(conn, protocol.UserStatus{IdentityID: id, Status: protocol.StatusOnline}); err != nil {
			d.log.Debug("presence snapshot dropped", "to", self, "error", err)
			return
		}
	}
}
