package interfaces

import (
	"context"
	"time"

	"courier/pkg/types"
)

// MessageStore persists private messages and their delivery state
// ARCHITECTURAL DISCOVERY: Single interface for message persistence keeps the
// delivery pipeline independent of the storage engine (SQLite or Badger)
type MessageStore interface {
	// CreateMessage stores a new message in state SENT
	// FUNCTIONAL DISCOVERY: The store assigns ID and CreatedAt so the
	// persisted row is the single source of truth for notifications
	CreateMessage(ctx context.Context, message *types.Message) error

	// UpdateMessageState moves a message forward to state and returns the number of
	// affected rows. When receiverID is non-nil the update only matches messages
	// addressed to that identity.
	// TECHNICAL DISCOVERY: The store refuses regressions (rank(new) >= rank(current)),
	// so interleaved DELIVERED/SEEN writes can never move a message backwards
	UpdateMessageState(ctx context.Context, messageID string, receiverID *string, state types.MessageState, at time.Time) (int64, error)

	// GetMessage retrieves one message by ID
	GetMessage(ctx context.Context, messageID string) (*types.Message, error)

	// GetConversation returns up to limit most recent messages exchanged between
	// two identities, oldest first
	GetConversation(ctx context.Context, identityA, identityB string, limit int) ([]*types.Message, error)
}

// UserDirectory resolves identities known to the system
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
	CreateUser(ctx context.Context, user *types.User) error
}

// Store is the full persistence collaborator consumed by the application
type Store interface {
	MessageStore
	UserDirectory

	// HealthCheck verifies store connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close releases the store; it is safe to call more than once
	Close() error
}
