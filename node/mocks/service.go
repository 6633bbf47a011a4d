package mocks

import (
	"context"

	"github.com/absmach/fedsync/node"
	"github.com/stretchr/testify/mock"
)

var _ node.Service = (*MockService)(nil)

// MockService is a mock implementation of the node.Service interface
type MockService struct {
	mock.Mock
}

func (m *MockService) SubmitUpdate(ctx context.Context, senderID string, payload []byte) error {
	args := m.Called(ctx, senderID, payload)
	return args.Error(0)
}

func (m *MockService) SubmitUpdateCBOR(ctx context.Context, senderID string, payload []byte) error {
	args := m.Called(ctx, senderID, payload)
	return args.Error(0)
}

func (m *MockService) SubmitClear(ctx context.Context, senderID string, epoch uint64) error {
	args := m.Called(ctx, senderID, epoch)
	return args.Error(0)
}

func (m *MockService) SubmitClose(ctx context.Context, senderID string) error {
	args := m.Called(ctx, senderID)
	return args.Error(0)
}

func (m *MockService) Synchronize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockService) Status(ctx context.Context) (node.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(node.Status), args.Error(1)
}
