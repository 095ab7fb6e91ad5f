package replog

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned by leader-only operations on a log that is not currently leading.
	ErrNotLeader = errors.New("log is not the leader")
	// ErrUninitialized is returned when a log has not yet been assigned a role.
	ErrUninitialized = errors.New("log has not been assigned a role")
	// ErrLeadershipChanged resolves waiters whose index will not be committed under the leadership they registered
	// with. Callers may register again with the new leader.
	ErrLeadershipChanged = errors.New("not committed under this leadership")
	// ErrLogClosed is returned by every operation on a closed log.
	ErrLogClosed = errors.New("log is closed")
	// ErrInvalidConfiguration is returned for a LogConfiguration that violates its invariants.
	ErrInvalidConfiguration = errors.New("invalid log configuration")
	// ErrEntryNotFound is returned when an index is not present in the log.
	ErrEntryNotFound = errors.New("log entry not found")
	// ErrCommittedTruncation is returned when a request would remove committed entries.
	ErrCommittedTruncation = errors.New("refusing to truncate committed entries")
	// ErrLeaderFenced is returned by a leader that failed to persist its entries. It accepts no further inserts in
	// its term, so an index it handed out is never assigned to another payload.
	ErrLeaderFenced = errors.New("leader stopped accepting inserts after a persistence failure")
)

// StaleTermError is returned when a role transition or a request carries a term that is not newer than the term
// already known to the log.
type StaleTermError struct {
	Current   LogTerm
	Requested LogTerm
}

func (e *StaleTermError) Error() string {
	return fmt.Sprintf("stale term %d, current term is %d", e.Requested, e.Current)
}

// PersistenceError wraps a failure of the underlying storage engine.
type PersistenceError struct {
	Op    string
	LogID LogID
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisted log %d: %s: %v", e.LogID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err is, or wraps, a *PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
