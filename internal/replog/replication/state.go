package replication

import (
	"time"

	"replicated-log/internal/replog"
)

// role is the closed set of states of a log: uninitializedRole, *leaderRole or *followerRole. Behavior is selected
// by a type switch on the variant.
type role interface {
	kind() Role
}

type uninitializedRole struct{}

func (uninitializedRole) kind() Role { return Uninitialized }

// leaderRole holds the state only a leader has. A leader always has a validated configuration.
type leaderRole struct {
	config    replog.LogConfiguration
	followers map[replog.ParticipantID]*followerProgress
	// order of followers, for deterministic replication rounds
	order []replog.ParticipantID
	// fenced is the persistence failure that ended inserts in this term, nil while inserts are accepted
	fenced error
}

func (*leaderRole) kind() Role { return Leader }

type followerRole struct {
	// leaderID is empty until the first request of the leader of the current term arrives
	leaderID replog.ParticipantID
}

func (*followerRole) kind() Role { return Follower }

// followerProgress is the leader's bookkeeping for one follower. matchIndex and ackedCommit only move forward.
type followerProgress struct {
	id replog.ParticipantID
	// next entry to send
	nextIndex replog.LogIndex
	// highest index known to be persisted on the follower
	matchIndex replog.LogIndex
	// highest leader commit index the follower acknowledged
	ackedCommit replog.LogIndex
	inFlight    bool
	messageID   uint64
	lastErr     error
	lastContact time.Time
}

func newLeaderRole(config replog.LogConfiguration, nextIndex replog.LogIndex) *leaderRole {
	r := &leaderRole{
		config:    config,
		followers: make(map[replog.ParticipantID]*followerProgress, len(config.Followers)),
		order:     append([]replog.ParticipantID(nil), config.Followers...),
	}
	for _, id := range config.Followers {
		r.followers[id] = &followerProgress{id: id, nextIndex: nextIndex}
	}
	return r
}

// inMemoryTail is the append-only indexed buffer of the most recent entries. Entries below first have been evicted
// and are only available from the persisted log.
type inMemoryTail struct {
	first   replog.LogIndex
	entries []replog.LogEntry
}

func newInMemoryTail(first replog.LogIndex) *inMemoryTail {
	return &inMemoryTail{first: first}
}

func (t *inMemoryTail) len() int {
	return len(t.entries)
}

// lastIndex is first-1 for an empty tail
func (t *inMemoryTail) lastIndex() replog.LogIndex {
	return t.first + replog.LogIndex(len(t.entries)) - 1
}

func (t *inMemoryTail) last() (replog.LogEntry, bool) {
	if len(t.entries) == 0 {
		return replog.LogEntry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

func (t *inMemoryTail) get(index replog.LogIndex) (replog.LogEntry, bool) {
	if index < t.first || index > t.lastIndex() {
		return replog.LogEntry{}, false
	}
	return t.entries[index-t.first], true
}

func (t *inMemoryTail) append(e replog.LogEntry) {
	t.entries = append(t.entries, e)
}

// slice returns a copy of the entries in [from, to], clamped to what the tail holds.
func (t *inMemoryTail) slice(from, to replog.LogIndex) []replog.LogEntry {
	if from < t.first {
		from = t.first
	}
	if to > t.lastIndex() {
		to = t.lastIndex()
	}
	if from > to {
		return nil
	}
	out := make([]replog.LogEntry, to-from+1)
	copy(out, t.entries[from-t.first:to-t.first+1])
	return out
}

// truncateFrom removes the entries with index >= index.
func (t *inMemoryTail) truncateFrom(index replog.LogIndex) {
	if index <= t.first {
		t.entries = nil
		t.first = index
		return
	}
	if index > t.lastIndex() {
		return
	}
	clear(t.entries[index-t.first:])
	t.entries = t.entries[:index-t.first]
}

// evictBefore drops the entries with index < index from memory.
func (t *inMemoryTail) evictBefore(index replog.LogIndex) int {
	if index <= t.first {
		return 0
	}
	n := int(index - t.first)
	if n > len(t.entries) {
		n = len(t.entries)
	}
	// Copy so the evicted prefix can be garbage collected
	t.entries = append([]replog.LogEntry(nil), t.entries[n:]...)
	t.first += replog.LogIndex(n)
	return n
}
