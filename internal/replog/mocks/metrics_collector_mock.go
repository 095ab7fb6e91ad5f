package mocks

import (
	"sync"
	"time"

	"replicated-log/internal/replog"
)

// MockMetricsCollector is a mock implementation of replication.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                sync.RWMutex
	InsertCount       int
	CommitLatencies   []time.Duration
	CommitIndex       replog.LogIndex
	AppendEntriesSent int
	HeartbeatsSent    int
	Results           map[string]int
	Received          int
	ReceivedRejected  int
	PersistenceErrors map[string]int
	LeadershipChanges []string
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		CommitLatencies:   make([]time.Duration, 0),
		Results:           make(map[string]int),
		PersistenceErrors: make(map[string]int),
	}
}

func (m *MockMetricsCollector) RecordInsert() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCount++
}

func (m *MockMetricsCollector) RecordCommitLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitLatencies = append(m.CommitLatencies, latency)
}

func (m *MockMetricsCollector) RecordCommitIndex(index replog.LogIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitIndex = index
}

func (m *MockMetricsCollector) RecordAppendEntriesSent(heartbeat bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if heartbeat {
		m.HeartbeatsSent++
		return
	}
	m.AppendEntriesSent++
}

func (m *MockMetricsCollector) RecordAppendEntriesResult(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Results[outcome]++
}

func (m *MockMetricsCollector) RecordAppendEntriesReceived(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Received++
	if !success {
		m.ReceivedRejected++
	}
}

func (m *MockMetricsCollector) RecordPersistenceError(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PersistenceErrors[op]++
}

func (m *MockMetricsCollector) RecordLeadershipChange(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LeadershipChanges = append(m.LeadershipChanges, role)
}

// GetInsertCount returns the number of recorded inserts
func (m *MockMetricsCollector) GetInsertCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.InsertCount
}

// GetCommitIndex returns the last recorded commit index
func (m *MockMetricsCollector) GetCommitIndex() replog.LogIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CommitIndex
}

// GetPersistenceErrors returns the number of persistence errors recorded for op
func (m *MockMetricsCollector) GetPersistenceErrors(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PersistenceErrors[op]
}

// GetLeadershipChanges returns a copy of the recorded role changes
func (m *MockMetricsCollector) GetLeadershipChanges() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.LeadershipChanges...)
}

// GetResults returns the number of results recorded for outcome
func (m *MockMetricsCollector) GetResults(outcome string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Results[outcome]
}
