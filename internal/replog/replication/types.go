package replication

import (
	"context"
	"time"

	"replicated-log/internal/pubsub"
	"replicated-log/internal/replog"
)

// Role is the externally visible role of a log.
type Role uint64

const (
	Uninitialized Role = iota
	Leader
	Follower
)

// String returns the string representation of the Role
func (r Role) String() string {
	switch r {
	case Uninitialized:
		return "Uninitialized"
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	default:
		return "Unknown"
	}
}

// Events published on the log's event bus. They are published after the log has released its locks, subscribers may
// call back into the log.
const (
	// CommitIndexAdvanced carries a CommitEvent every time the commit index moves forward
	CommitIndexAdvanced pubsub.EventType = iota
	// LeadershipChanged carries a RoleEvent after every role or term transition
	LeadershipChanged
	// ReplicationRejected carries a ReplicationEvent when a follower rejected an AppendEntries request
	ReplicationRejected
	// ReplicationFailed carries a ReplicationEvent when an AppendEntries request could not be delivered, or when the
	// leader failed to persist entries (Follower is empty then)
	ReplicationFailed
	// LogClosed carries a ClosedEvent once, when the log is closed
	LogClosed
)

// CommitEvent is the payload of CommitIndexAdvanced
type CommitEvent struct {
	LogID       replog.LogID
	Term        replog.LogTerm
	CommitIndex replog.LogIndex
}

// RoleEvent is the payload of LeadershipChanged
type RoleEvent struct {
	LogID    replog.LogID
	Role     Role
	Term     replog.LogTerm
	LeaderID replog.ParticipantID
}

// ReplicationEvent is the payload of ReplicationRejected and ReplicationFailed
type ReplicationEvent struct {
	LogID    replog.LogID
	Term     replog.LogTerm
	Follower replog.ParticipantID
	Err      error
}

// ClosedEvent is the payload of LogClosed
type ClosedEvent struct {
	LogID replog.LogID
}

// WaitForResult is the value of a resolved WaitFor future
type WaitForResult struct {
	// CommitIndex is the commit index at the time the waiter was released. It is >= the index waited for.
	CommitIndex replog.LogIndex
}

// Transport delivers AppendEntries requests from a leader to one of its followers.
type Transport interface {
	AppendEntries(ctx context.Context, to replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error)
}

// MetricsCollector is an optional interface for collecting metrics about a log.
type MetricsCollector interface {
	RecordInsert()
	RecordCommitLatency(latency time.Duration)
	RecordCommitIndex(index replog.LogIndex)
	RecordAppendEntriesSent(heartbeat bool)
	RecordAppendEntriesResult(outcome string)
	RecordAppendEntriesReceived(success bool)
	RecordPersistenceError(op string)
	RecordLeadershipChange(role string)
}

// AppendEntries outcomes reported to MetricsCollector.RecordAppendEntriesResult
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type noopMetrics struct{}

func (noopMetrics) RecordInsert()                     {}
func (noopMetrics) RecordCommitLatency(time.Duration) {}
func (noopMetrics) RecordCommitIndex(replog.LogIndex) {}
func (noopMetrics) RecordAppendEntriesSent(bool)      {}
func (noopMetrics) RecordAppendEntriesResult(string)  {}
func (noopMetrics) RecordAppendEntriesReceived(bool)  {}
func (noopMetrics) RecordPersistenceError(string)     {}
func (noopMetrics) RecordLeadershipChange(string)     {}

// FollowerStatus is the leader's view of one follower
type FollowerStatus struct {
	ID          replog.ParticipantID
	MatchIndex  replog.LogIndex
	NextIndex   replog.LogIndex
	InFlight    bool
	LastError   string
	LastContact time.Time
}

// Status is a consistent snapshot of the state of a log
type Status struct {
	LogID          replog.LogID
	Participant    replog.ParticipantID
	Role           Role
	Term           replog.LogTerm
	LeaderID       replog.ParticipantID
	CommitIndex    replog.LogIndex
	LastIndex      replog.LogIndex
	PersistedIndex replog.LogIndex
	FirstInMemory  replog.LogIndex
	PendingWaiters int
	WriteConcern   int
	// Fenced is set on a leader that stopped accepting inserts after a persistence failure
	Fenced    bool
	Followers []FollowerStatus
}
