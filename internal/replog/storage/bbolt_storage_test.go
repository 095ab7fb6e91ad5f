package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replicated-log/internal/replog"
)

func createTempStore(t *testing.T, order ByteOrder) (*Store, string) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewBboltStore(dbPath, Options{ByteOrder: order, NoSync: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, store)

	t.Cleanup(func() { store.Close() })
	return store, dbPath
}

func insertEntries(t *testing.T, log PersistedLog, entries ...replog.LogEntry) {
	t.Helper()
	require.NoError(t, log.Insert(replog.NewSliceIterator(entries)))
}

func readAll(t *testing.T, log PersistedLog, from replog.LogIndex) []replog.LogEntry {
	t.Helper()
	it, err := log.Read(from)
	require.NoError(t, err)
	entries, err := replog.Collect(it)
	require.NoError(t, err)
	return entries
}

func payloads(entries []replog.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Payload))
	}
	return out
}

var byteOrders = []ByteOrder{BigEndian, LittleEndian}

func TestNewBboltStore(t *testing.T) {
	t.Run("creates new database successfully", func(t *testing.T) {
		store, dbPath := createTempStore(t, BigEndian)
		assert.NotNil(t, store.conn)
		assert.Equal(t, dbPath, store.Path())

		_, err := os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		store, err := NewBboltStore("/invalid/path/that/does/not/exist/test.db", Options{}, nil)
		assert.Error(t, err)
		assert.Nil(t, store)
	})

	t.Run("rejects a different byte order on reopen", func(t *testing.T) {
		store, dbPath := createTempStore(t, BigEndian)
		require.NoError(t, store.Close())

		reopened, err := NewBboltStore(dbPath, Options{ByteOrder: LittleEndian}, nil)
		assert.Error(t, err)
		assert.Nil(t, reopened)
		assert.Contains(t, err.Error(), "big-endian")
	})
}

func TestBboltLog_InsertReadRemove(t *testing.T) {
	for _, order := range byteOrders {
		t.Run(order.String(), func(t *testing.T) {
			store, _ := createTempStore(t, order)
			log := store.Log(12)

			insertEntries(t, log,
				replog.LogEntry{Term: 1, Index: 1, Payload: replog.LogPayload("first")},
				replog.LogEntry{Term: 1, Index: 2, Payload: replog.LogPayload("second")},
				replog.LogEntry{Term: 2, Index: 3, Payload: replog.LogPayload("third")},
				replog.LogEntry{Term: 2, Index: 1000, Payload: replog.LogPayload("thousand")},
			)

			entries := readAll(t, log, 1)
			require.Len(t, entries, 4)
			assert.Equal(t, []string{"first", "second", "third", "thousand"}, payloads(entries))
			assert.Equal(t, replog.TermIndexPair{Term: 2, Index: 1000}, entries[3].TermIndexPair())

			require.NoError(t, log.RemoveFrom(1000))
			assert.Equal(t, []string{"first", "second", "third"}, payloads(readAll(t, log, 1)))

			last, err := log.Last()
			require.NoError(t, err)
			assert.Equal(t, replog.TermIndexPair{Term: 2, Index: 3}, last)
		})
	}
}

func TestBboltLog_Read(t *testing.T) {
	store, _ := createTempStore(t, BigEndian)
	log := store.Log(1)
	insertEntries(t, log,
		replog.LogEntry{Term: 1, Index: 1, Payload: replog.LogPayload("a")},
		replog.LogEntry{Term: 1, Index: 2, Payload: replog.LogPayload("b")},
		replog.LogEntry{Term: 1, Index: 3, Payload: replog.LogPayload("c")},
	)

	t.Run("reads from the middle", func(t *testing.T) {
		assert.Equal(t, []string{"b", "c"}, payloads(readAll(t, log, 2)))
	})

	t.Run("returns empty when start is beyond last index", func(t *testing.T) {
		assert.Empty(t, readAll(t, log, 100))
	})

	t.Run("does not see entries inserted after creation", func(t *testing.T) {
		it, err := log.Read(1)
		require.NoError(t, err)

		first, ok := it.Next()
		require.True(t, ok)
		assert.Equal(t, replog.LogIndex(1), first.Index)

		// A writer may have to wait for the read transaction when the file grows, so it runs concurrently
		inserted := make(chan error, 1)
		go func() {
			inserted <- log.Insert(replog.NewSliceIterator([]replog.LogEntry{
				{Term: 1, Index: 4, Payload: replog.LogPayload("d")},
			}))
		}()

		rest, err := replog.Collect(it)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, payloads(rest))
		require.NoError(t, <-inserted)

		assert.Equal(t, []string{"a", "b", "c", "d"}, payloads(readAll(t, log, 1)))
	})

	t.Run("close is idempotent", func(t *testing.T) {
		it, err := log.Read(1)
		require.NoError(t, err)
		assert.NoError(t, it.Close())
		assert.NoError(t, it.Close())
		_, ok := it.Next()
		assert.False(t, ok)
	})
}

func TestBboltLog_Isolation(t *testing.T) {
	for _, order := range byteOrders {
		t.Run(order.String(), func(t *testing.T) {
			store, _ := createTempStore(t, order)
			a, b := store.Log(1), store.Log(2)

			insertEntries(t, a,
				replog.LogEntry{Term: 1, Index: 1, Payload: replog.LogPayload("a1")},
				replog.LogEntry{Term: 1, Index: 2, Payload: replog.LogPayload("a2")},
			)
			insertEntries(t, b, replog.LogEntry{Term: 3, Index: 1, Payload: replog.LogPayload("b1")})

			assert.Equal(t, []string{"a1", "a2"}, payloads(readAll(t, a, 1)))
			assert.Equal(t, []string{"b1"}, payloads(readAll(t, b, 1)))

			require.NoError(t, a.RemoveFrom(1))
			assert.Empty(t, readAll(t, a, 1))
			assert.Equal(t, []string{"b1"}, payloads(readAll(t, b, 1)))

			last, err := a.Last()
			require.NoError(t, err)
			assert.Equal(t, replog.TermIndexPair{}, last)

			last, err = b.Last()
			require.NoError(t, err)
			assert.Equal(t, replog.TermIndexPair{Term: 3, Index: 1}, last)
		})
	}
}

func TestBboltLog_LittleEndianOrdering(t *testing.T) {
	store, _ := createTempStore(t, LittleEndian)
	log := store.Log(7)

	// 256 encodes as 00 01 ... in little-endian and sorts before 2 (02 00 ...)
	insertEntries(t, log,
		replog.LogEntry{Term: 1, Index: 2, Payload: replog.LogPayload("two")},
		replog.LogEntry{Term: 1, Index: 256, Payload: replog.LogPayload("two-fifty-six")},
		replog.LogEntry{Term: 1, Index: 3, Payload: replog.LogPayload("three")},
	)

	assert.Equal(t, []string{"two", "three", "two-fifty-six"}, payloads(readAll(t, log, 1)))
	assert.Equal(t, []string{"three", "two-fifty-six"}, payloads(readAll(t, log, 3)))

	last, err := log.Last()
	require.NoError(t, err)
	assert.Equal(t, replog.LogIndex(256), last.Index)

	require.NoError(t, log.RemoveFrom(3))
	assert.Equal(t, []string{"two"}, payloads(readAll(t, log, 1)))
}

func TestBboltLog_GetEntry(t *testing.T) {
	store, _ := createTempStore(t, BigEndian)
	log := store.Log(1)
	insertEntries(t, log, replog.LogEntry{Index: 5, Term: 3, Payload: replog.LogPayload("test")})

	t.Run("retrieves existing entry", func(t *testing.T) {
		entry, err := log.GetEntry(5)
		require.NoError(t, err)
		assert.Equal(t, replog.LogTerm(3), entry.Term)
		assert.Equal(t, replog.LogPayload("test"), entry.Payload)
	})

	t.Run("fails for non-existent entry", func(t *testing.T) {
		_, err := log.GetEntry(999)
		assert.ErrorIs(t, err, replog.ErrEntryNotFound)
	})
}

func TestBboltLog_Insert(t *testing.T) {
	store, _ := createTempStore(t, BigEndian)
	log := store.Log(1)

	t.Run("inserts empty list", func(t *testing.T) {
		assert.NoError(t, log.Insert(replog.NewSliceIterator(nil)))
	})

	t.Run("is all-or-nothing", func(t *testing.T) {
		err := log.Insert(replog.NewSliceIterator([]replog.LogEntry{
			{Term: 1, Index: 1, Payload: replog.LogPayload("ok")},
			{Term: 1, Index: 0, Payload: replog.LogPayload("invalid")},
		}))
		require.Error(t, err)
		assert.True(t, replog.IsPersistenceError(err))
		assert.Empty(t, readAll(t, log, 1))
	})

	t.Run("overwrites existing entry", func(t *testing.T) {
		insertEntries(t, log, replog.LogEntry{Term: 1, Index: 2, Payload: replog.LogPayload("first")})
		insertEntries(t, log, replog.LogEntry{Term: 2, Index: 2, Payload: replog.LogPayload("second")})

		entry, err := log.GetEntry(2)
		require.NoError(t, err)
		assert.Equal(t, replog.LogTerm(2), entry.Term)
		assert.Equal(t, replog.LogPayload("second"), entry.Payload)
	})
}

func TestBboltLog_CurrentTerm(t *testing.T) {
	store, dbPath := createTempStore(t, BigEndian)
	log := store.Log(4)

	t.Run("default term is 0", func(t *testing.T) {
		term, err := log.CurrentTerm()
		assert.NoError(t, err)
		assert.Equal(t, replog.LogTerm(0), term)
	})

	t.Run("persists across reopens", func(t *testing.T) {
		require.NoError(t, log.SetCurrentTerm(10))
		insertEntries(t, log, replog.LogEntry{Term: 10, Index: 1, Payload: replog.LogPayload("x")})
		require.NoError(t, store.Close())

		reopened, err := NewBboltStore(dbPath, Options{}, nil)
		require.NoError(t, err)
		defer reopened.Close()

		term, err := reopened.Log(4).CurrentTerm()
		assert.NoError(t, err)
		assert.Equal(t, replog.LogTerm(10), term)

		other, err := reopened.Log(5).CurrentTerm()
		assert.NoError(t, err)
		assert.Equal(t, replog.LogTerm(0), other)

		last, err := reopened.Log(4).Last()
		require.NoError(t, err)
		assert.Equal(t, replog.TermIndexPair{Term: 10, Index: 1}, last)
	})
}

func TestBboltLog_Close(t *testing.T) {
	store, _ := createTempStore(t, BigEndian)
	require.NoError(t, store.Close())

	err := store.Log(1).Insert(replog.NewSliceIterator([]replog.LogEntry{{Index: 1, Term: 1}}))
	assert.Error(t, err)
	assert.True(t, replog.IsPersistenceError(err))
}

func TestParseByteOrder(t *testing.T) {
	order, err := ParseByteOrder("little")
	require.NoError(t, err)
	assert.Equal(t, LittleEndian, order)

	order, err = ParseByteOrder("")
	require.NoError(t, err)
	assert.Equal(t, BigEndian, order)

	_, err = ParseByteOrder("middle")
	assert.Error(t, err)
}
