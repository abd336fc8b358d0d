package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"courier/pkg/types"
)

// MockStore is a testify mock of interfaces.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateMessage(ctx context.Context, message *types.Message) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockStore) UpdateMessageState(ctx context.Context, messageID string, receiverID *string, state types.MessageState, at time.Time) (int64, error) {
	args := m.Called(ctx, messageID, receiverID, state, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	args := m.Called(ctx, messageID)
	msg, _ := args.Get(0).(*types.Message)
	return msg, args.Error(1)
}

func (m *MockStore) GetConversation(ctx context.Context, identityA, identityB string, limit int) ([]*types.Message, error) {
	args := m.Called(ctx, identityA, identityB, limit)
	msgs, _ := args.Get(0).([]*types.Message)
	return msgs, args.Error(1)
}

func (m *MockStore) GetUser(ctx context.Context, userID string) (*types.User, error) {
	args := m.Called(ctx, userID)
	user, _ := args.Get(0).(*types.User)
	return user, args.Error(1)
}

func (m *MockStore) CreateUser(ctx context.Context, user *types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
