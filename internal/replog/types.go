package replog

import (
	"fmt"
)

// LogID identifies one physical log. Several logs may share a single storage engine instance, the LogID is the
// namespace that keeps their keys apart.
type LogID uint64

// LogIndex is the 1-based position of an entry within a physical log. Indices are contiguous: there is never a gap
// between index 1 and the highest index ever appended. 0 means "no entry".
type LogIndex uint64

// LogTerm identifies a leadership epoch. It is monotonically non-decreasing.
type LogTerm uint64

// ParticipantID is the id of a replica taking part in a log, either as leader or as follower.
type ParticipantID string

// LogPayload is the opaque application data carried by an entry. The log never inspects it. Once handed to the log a
// payload must not be modified by the caller.
type LogPayload []byte

// LogEntry is a single element of the log. Entries are owned by the log once appended, consumers receive copies of
// the struct that share the (read-only) payload.
type LogEntry struct {
	Term    LogTerm
	Index   LogIndex
	Payload LogPayload
}

// TermIndexPair returns the position of the entry
func (e LogEntry) TermIndexPair() TermIndexPair {
	return TermIndexPair{Term: e.Term, Index: e.Index}
}

func (e LogEntry) String() string {
	return fmt.Sprintf("{term: %d, index: %d, payload: %d bytes}", e.Term, e.Index, len(e.Payload))
}

// TermIndexPair is the (term, index) position of an entry. The zero value is the position "before the first entry".
type TermIndexPair struct {
	Term  LogTerm
	Index LogIndex
}

func (p TermIndexPair) String() string {
	return fmt.Sprintf("(%d:%d)", p.Term, p.Index)
}

// AppendEntriesRequest is sent by the leader to a follower. It carries zero or more entries (zero entries is a
// heartbeat which only propagates LeaderCommit) together with the position of the entry immediately preceding them,
// so that the follower can verify continuity.
type AppendEntriesRequest struct {
	// LogID is the physical log the request is addressed to
	LogID        LogID
	LeaderTerm   LogTerm
	LeaderID     ParticipantID
	PrevLogTerm  LogTerm
	PrevLogIndex LogIndex
	LeaderCommit LogIndex
	Entries      []LogEntry
	// MessageID is chosen by the leader and echoed back in the result. It is only used for tracing.
	MessageID uint64
}

// LastIndex is the index of the last entry carried by the request, or PrevLogIndex for a heartbeat.
func (r *AppendEntriesRequest) LastIndex() LogIndex {
	return r.PrevLogIndex + LogIndex(len(r.Entries))
}

// AppendEntriesResult is the response of a follower to an AppendEntriesRequest.
type AppendEntriesResult struct {
	Success bool
	// Term is the current term of the follower after handling the request
	Term LogTerm
	// LastIndex is the highest index known to match the leader when Success is true. When Success is false it is the
	// length of the follower's log that may still match, the leader uses it as a hint where to resume.
	LastIndex LogIndex
	MessageID uint64
}

// QuorumPolicy decides whether the leader's own durable copy counts toward the write concern.
type QuorumPolicy int

const (
	// LeaderCountsTowardQuorum counts the leader's locally persisted entries as one acknowledgement
	LeaderCountsTowardQuorum QuorumPolicy = iota
	// FollowersOnly requires WriteConcern follower acknowledgements
	FollowersOnly
)

func (p QuorumPolicy) String() string {
	switch p {
	case LeaderCountsTowardQuorum:
		return "LeaderCountsTowardQuorum"
	case FollowersOnly:
		return "FollowersOnly"
	default:
		return "Unknown"
	}
}

// LogConfiguration describes the participants of a log as seen by its leader.
type LogConfiguration struct {
	LeaderID  ParticipantID
	Followers []ParticipantID
	// WriteConcern is the minimum number of replicas that must durably acknowledge an index before it is committed
	WriteConcern int
	QuorumPolicy QuorumPolicy
}

// Validate checks the invariants of the configuration.
func (c LogConfiguration) Validate() error {
	if c.LeaderID == "" {
		return fmt.Errorf("%w: leader id is empty", ErrInvalidConfiguration)
	}

	seen := make(map[ParticipantID]struct{}, len(c.Followers))
	for _, f := range c.Followers {
		if f == "" {
			return fmt.Errorf("%w: empty follower id", ErrInvalidConfiguration)
		}
		if f == c.LeaderID {
			return fmt.Errorf("%w: leader %s is listed as follower", ErrInvalidConfiguration, f)
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("%w: duplicate follower %s", ErrInvalidConfiguration, f)
		}
		seen[f] = struct{}{}
	}

	if c.WriteConcern < 1 {
		return fmt.Errorf("%w: write concern must be at least 1, got %d", ErrInvalidConfiguration, c.WriteConcern)
	}
	if c.WriteConcern > c.MaxWriteConcern() {
		return fmt.Errorf("%w: write concern %d exceeds the %d available replicas (%s)",
			ErrInvalidConfiguration, c.WriteConcern, c.MaxWriteConcern(), c.QuorumPolicy)
	}
	return nil
}

// MaxWriteConcern is the number of replicas that can acknowledge an index under the configured policy.
func (c LogConfiguration) MaxWriteConcern() int {
	if c.QuorumPolicy == FollowersOnly {
		return len(c.Followers)
	}
	return len(c.Followers) + 1
}
