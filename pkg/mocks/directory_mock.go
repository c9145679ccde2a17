package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDirectory is a mock implementation of directory.ApproverDirectory.
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) ResolveApprovers(ctx context.Context, role, documentID string) ([]string, error) {
	args := m.Called(ctx, role, documentID)

	ids, _ := args.Get(0).([]string)

	return ids, args.Error(1)
}

func (m *MockDirectory) IsClientApproverFor(ctx context.Context, documentID, userID string) (bool, error) {
	args := m.Called(ctx, documentID, userID)

	return args.Bool(0), args.Error(1)
}
