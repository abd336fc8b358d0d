package interfaces

import (
	"courier/pkg/protocol"
	"courier/pkg/types"
)

// Connection represents an authenticated real-time client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and business logic
type Connection interface {
	// Emit sends one server event to the client (thread-safe)
	// FUNCTIONAL DISCOVERY: Emitting to a closed connection is a silent no-op
	// at the caller's level; the error is informational only
	Emit(event protocol.ServerEvent) error

	// Close closes the connection and cleans up resources
	Close() error

	// Principal returns the verified identity attached at connection time
	Principal() types.Principal

	// IsAuthenticated returns true once a Principal has been attached
	IsAuthenticated() bool

	// SetPrincipal attaches the verified identity; it may be called only once
	SetPrincipal(principal types.Principal) error
}
