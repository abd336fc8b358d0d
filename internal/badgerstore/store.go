// Package badgerstore is an embedded key-value implementation of
// interfaces.Store on BadgerDB, selected with database.driver=badger.
//
// Keys:
//
//	msg:{id}                              message record (CBOR)
//	conv:{lo}|{hi}:{unixnano%019d}:{id}   conversation index, lo < hi
//	user:{id}                             user record (CBOR)
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"courier/pkg/interfaces"
	"courier/pkg/types"
)

var ErrStoreClosed = errors.New("badger store is closed")

// maxTxnRetries bounds optimistic-concurrency retries on badger.ErrConflict
const maxTxnRetries = 32

// Config selects where Badger keeps its files
type Config struct {
	Path     string
	InMemory bool
}

// Store implements interfaces.Store on BadgerDB
type Store struct {
	db     *badger.DB
	log    *slog.Logger
	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the Badger database described by config
func Open(config Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if !config.InMemory && config.Path == "" {
		return nil, errors.New("badger path cannot be empty")
	}

	opts := badger.DefaultOptions(config.Path).
		WithLogger(badgerLogger{log: log.With("component", "badger")}).
		WithLoggingLevel(badger.WARNING)
	if config.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	log.Info("badger store ready", "path", config.Path, "in_memory", config.InMemory)
	return &Store{db: db, log: log}, nil
}

func messageKey(id string) []byte {
	return []byte("msg:" + id)
}

func userKey(id string) []byte {
	return []byte("user:" + id)
}

// conversationPrefix orders the pair so both directions share one index range
func conversationPrefix(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte("conv:" + a + "|" + b + ":")
}

func conversationKey(m *types.Message) []byte {
	return fmt.Appendf(conversationPrefix(m.SenderID, m.ReceiverID), "%019d:%s", m.CreatedAt.UnixNano(), m.ID)
}

// update runs fn in a read-write transaction, retrying on conflicts
// TECHNICAL DISCOVERY: Badger transactions are serializable; a concurrent
// writer on the same key aborts one side with ErrConflict instead of blocking
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debug("badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}

// CreateMessage stores message in state SENT, assigning its ID and CreatedAt
func (s *Store) CreateMessage(_ context.Context, message *types.Message) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	stored := types.Message{
		ID:         uuid.NewString(),
		SenderID:   message.SenderID,
		ReceiverID: message.ReceiverID,
		Content:    message.Content,
		CreatedAt:  time.Now().UTC(),
		State:      types.StateSent,
	}
	value, err := encodeMessage(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	err = s.update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(stored.ID), value); err != nil {
			return err
		}
		return txn.Set(conversationKey(&stored), []byte(stored.ID))
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	*message = stored
	return nil
}

// UpdateMessageState moves a message forward and returns 1 if it matched
func (s *Store) UpdateMessageState(_ context.Context, messageID string, receiverID *string, state types.MessageState, at time.Time) (int64, error) {
	if !state.Valid() {
		return 0, fmt.Errorf("%w: %q", types.ErrInvalidState, state)
	}
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	var affected int64
	err := s.update(func(txn *badger.Txn) error {
		affected = 0
		message, err := getMessage(txn, messageID)
		if errors.Is(err, interfaces.ErrMessageNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if receiverID != nil && message.ReceiverID != *receiverID {
			return nil
		}
		if state.Rank() < message.State.Rank() {
			return nil
		}

		applyState(message, state, at.UTC())
		value, err := encodeMessage(message)
		if err != nil {
			return err
		}
		affected = 1
		return txn.Set(messageKey(messageID), value)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update message state: %w", err)
	}
	return affected, nil
}

// applyState keeps the first delivered/seen timestamps
func applyState(message *types.Message, state types.MessageState, at time.Time) {
	message.State = state
	switch state {
	case types.StateDelivered:
		if message.DeliveredAt == nil {
			message.DeliveredAt = &at
		}
	case types.StateSeen:
		if message.SeenAt == nil {
			message.SeenAt = &at
		}
	}
}

func getMessage(txn *badger.Txn, messageID string) (*types.Message, error) {
	item, err := txn.Get(messageKey(messageID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	var message *types.Message
	err = item.Value(func(val []byte) error {
		message, err = decodeMessage(val)
		return err
	})
	return message, err
}

// GetMessage retrieves one message by ID
func (s *Store) GetMessage(_ context.Context, messageID string) (*types.Message, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	var message *types.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		message, err = getMessage(txn, messageID)
		return err
	})
	return message, err
}

// GetConversation returns the latest limit messages between two identities, oldest first
// FUNCTIONAL DISCOVERY: Reverse iteration over the zero-padded timestamp index
// yields newest first without loading the whole conversation
func (s *Store) GetConversation(_ context.Context, identityA, identityB string, limit int) ([]*types.Message, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	prefix := conversationPrefix(identityA, identityB)
	var messages []*types.Message

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past every key sharing the prefix
		seek := append(bytes.Clone(prefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				break
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			message, err := getMessage(txn, string(id))
			if err != nil {
				return fmt.Errorf("conversation index points at %s: %w", id, err)
			}
			messages = append(messages, message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetUser resolves an identity from the user directory
func (s *Store) GetUser(_ context.Context, userID string) (*types.User, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	var user *types.User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return interfaces.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			user, err = decodeUser(val)
			return err
		})
	})
	return user, err
}

// CreateUser adds an identity to the directory
func (s *Store) CreateUser(_ context.Context, user *types.User) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	value, err := encodeUser(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	return s.update(func(txn *badger.Txn) error {
		key := userKey(user.ID)
		if _, err := txn.Get(key); err == nil {
			return interfaces.ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
}

// HealthCheck verifies the database is open and readable
func (s *Store) HealthCheck(context.Context) error {
	if s.isClosed() || s.db.IsClosed() {
		return ErrStoreClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("health"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close closes the database; later calls are no-ops
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ interfaces.Store = (*Store)(nil)
