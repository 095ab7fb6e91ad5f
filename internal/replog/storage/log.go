package storage

import (
	"replicated-log/internal/replog"
)

// PersistedLog is the durable, ordered storage of one physical log's entries. Implementations must make Insert
// all-or-nothing: a partial write is never observable after a successful return, and nothing is observable after a
// failed one. Every error returned is a *replog.PersistenceError.
//
// The persisted log does not enforce index contiguity, that is the job of the in-memory log on top of it.
type PersistedLog interface {
	// LogID returns the id of the log, which is also its key namespace in the underlying store
	LogID() replog.LogID

	// Insert appends the entries in iteration order
	Insert(entries replog.LogIterator) error

	// Read returns a lazy iterator over the entries with index >= from. The iterator reflects the state of the log
	// at the time Read was called, entries inserted while iterating are not visible. It must be closed.
	Read(from replog.LogIndex) (replog.PersistedLogIterator, error)

	// RemoveFrom deletes every entry with index >= from. It is used to drop a follower's conflicting tail.
	RemoveFrom(from replog.LogIndex) error

	// GetEntry returns the entry at index, or an error wrapping replog.ErrEntryNotFound
	GetEntry(index replog.LogIndex) (replog.LogEntry, error)

	// Last returns the position of the entry with the highest index, the zero value if the log is empty
	Last() (replog.TermIndexPair, error)

	// CurrentTerm returns the last term persisted with SetCurrentTerm, 0 if none
	CurrentTerm() (replog.LogTerm, error)

	// SetCurrentTerm persists the term of the log, so that a restarted replica never goes back to an older term
	SetCurrentTerm(term replog.LogTerm) error
}
