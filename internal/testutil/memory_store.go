package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// MemoryStore is a map-backed interfaces.Store with the same state rules as
// the real stores. Tests that care about exact calls should use MockStore.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*types.Message
	order    []string
	users    map[string]*types.User

	// FailCreate, when set, is returned by CreateMessage.
	FailCreate error
	// FailUpdate, when set, is returned by UpdateMessageState.
	FailUpdate error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*types.Message),
		users:    make(map[string]*types.User),
	}
}

func (s *MemoryStore) CreateMessage(_ context.Context, message *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return s.FailCreate
	}
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now().UTC()
	message.State = types.StateSent
	stored := *message
	s.messages[message.ID] = &stored
	s.order = append(s.order, message.ID)
	return nil
}

func (s *MemoryStore) UpdateMessageState(_ context.Context, messageID string, receiverID *string, state types.MessageState, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdate != nil {
		return 0, s.FailUpdate
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return 0, nil
	}
	if receiverID != nil && msg.ReceiverID != *receiverID {
		return 0, nil
	}
	if state.Rank() < msg.State.Rank() {
		return 0, nil
	}
	msg.State = state
	switch state {
	case types.StateDelivered:
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &at
		}
	case types.StateSeen:
		if msg.SeenAt == nil {
			msg.SeenAt = &at
		}
	}
	return 1, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, interfaces.ErrMessageNotFound
	}
	out := *msg
	return &out, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, a, b string, limit int) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, id := range s.order {
		m := s.messages[id]
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return interfaces.ErrUserExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	u := *user
	s.users[user.ID] = &u
	return nil
}

// AddUsers seeds the directory, ignoring duplicates.
func (s *MemoryStore) AddUsers(ids ...string) {
	for _, id := range ids {
		_ = s.CreateUser(context.Background(), &types.User{ID: id, DisplayName: id})
	}
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// MessageCount returns how many messages have been persisted.
func (s *MemoryStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
