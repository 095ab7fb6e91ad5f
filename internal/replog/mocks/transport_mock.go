package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"replicated-log/internal/replog"
)

// MockTransport is a testify mock of replication.Transport
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) AppendEntries(ctx context.Context, to replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	args := m.Called(ctx, to, req)
	res, _ := args.Get(0).(*replog.AppendEntriesResult)
	return res, args.Error(1)
}
