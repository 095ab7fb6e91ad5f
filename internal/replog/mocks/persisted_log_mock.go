package mocks

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"replicated-log/internal/replog"
)

// MockPersistedLog is an in-memory implementation of storage.PersistedLog for testing. Errors set on it are returned
// by the matching method, wrapped in a *replog.PersistenceError, until they are cleared.
type MockPersistedLog struct {
	mu      sync.RWMutex
	id      replog.LogID
	entries map[replog.LogIndex]replog.LogEntry
	term    replog.LogTerm

	// Error injection for testing
	insertError         error
	readError           error
	removeFromError     error
	getEntryError       error
	lastError           error
	currentTermError    error
	setCurrentTermError error

	InsertCalls int
}

// NewMockPersistedLog creates a new mock persisted log
func NewMockPersistedLog(id replog.LogID) *MockPersistedLog {
	return &MockPersistedLog{
		id:      id,
		entries: make(map[replog.LogIndex]replog.LogEntry),
	}
}

func (m *MockPersistedLog) SetInsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertError = err
}

func (m *MockPersistedLog) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readError = err
}

func (m *MockPersistedLog) SetRemoveFromError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFromError = err
}

func (m *MockPersistedLog) SetGetEntryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getEntryError = err
}

func (m *MockPersistedLog) SetLastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastError = err
}

func (m *MockPersistedLog) SetCurrentTermError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTermError = err
}

func (m *MockPersistedLog) SetSetCurrentTermError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCurrentTermError = err
}

func (m *MockPersistedLog) wrap(op string, err error) error {
	return &replog.PersistenceError{Op: op, LogID: m.id, Err: err}
}

func (m *MockPersistedLog) LogID() replog.LogID {
	return m.id
}

func (m *MockPersistedLog) Insert(entries replog.LogIterator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.insertError != nil {
		return m.wrap("insert", m.insertError)
	}

	// All or nothing
	var batch []replog.LogEntry
	for {
		e, ok := entries.Next()
		if !ok {
			break
		}
		if e.Index == 0 {
			return m.wrap("insert", fmt.Errorf("index 0 is reserved"))
		}
		batch = append(batch, e)
	}
	for _, e := range batch {
		m.entries[e.Index] = e
	}
	return nil
}

func (m *MockPersistedLog) Read(from replog.LogIndex) (replog.PersistedLogIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readError != nil {
		return nil, m.wrap("read", m.readError)
	}

	var snapshot []replog.LogEntry
	for index, e := range m.entries {
		if index >= from {
			snapshot = append(snapshot, e)
		}
	}
	slices.SortFunc(snapshot, func(a, b replog.LogEntry) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return replog.ChainIterators(replog.NewSliceIterator(snapshot)), nil
}

func (m *MockPersistedLog) RemoveFrom(from replog.LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeFromError != nil {
		return m.wrap("remove", m.removeFromError)
	}
	for index := range m.entries {
		if index >= from {
			delete(m.entries, index)
		}
	}
	return nil
}

func (m *MockPersistedLog) GetEntry(index replog.LogIndex) (replog.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.getEntryError != nil {
		return replog.LogEntry{}, m.wrap("get", m.getEntryError)
	}
	e, ok := m.entries[index]
	if !ok {
		return replog.LogEntry{}, m.wrap("get", fmt.Errorf("entry %d: %w", index, replog.ErrEntryNotFound))
	}
	return e, nil
}

func (m *MockPersistedLog) Last() (replog.TermIndexPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastError != nil {
		return replog.TermIndexPair{}, m.wrap("last", m.lastError)
	}
	var last replog.LogEntry
	for index, e := range m.entries {
		if index > last.Index {
			last = e
		}
	}
	return last.TermIndexPair(), nil
}

func (m *MockPersistedLog) CurrentTerm() (replog.LogTerm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentTermError != nil {
		return 0, m.wrap("current_term", m.currentTermError)
	}
	return m.term, nil
}

func (m *MockPersistedLog) SetCurrentTerm(term replog.LogTerm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setCurrentTermError != nil {
		return m.wrap("set_term", m.setCurrentTermError)
	}
	m.term = term
	return nil
}

// Entries returns a copy of the stored entries in index order
func (m *MockPersistedLog) Entries() []replog.LogEntry {
	it, _ := m.Read(0)
	entries, _ := replog.Collect(it)
	return entries
}
