package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"replicated-log/internal/replog"
)

// Layout of a store file:
//
//	logs/<log id:8><index:8>      -> protobuf encoded LogEntry
//	metadata/byteOrder            -> "big-endian" or "little-endian", written on first open
//	metadata/currentTerm/<log id> -> big-endian uint64
//
// Both halves of a log key follow the configured ByteOrder. The log id has a fixed width, so the keys of one log are
// adjacent in either order, but only big-endian keys are also sorted by index within a log.
var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	// Metadata keys
	byteOrderKey      = []byte("byteOrder")
	currentTermPrefix = []byte("currentTerm/")
)

// Options configures a Store.
type Options struct {
	// ByteOrder of the index part of the keys. It must not change for the lifetime of a store file.
	ByteOrder ByteOrder
	// Timeout for acquiring the file lock, 0 waits forever
	Timeout time.Duration
	// NoSync skips fsync after each commit. Only meant for tests and benchmarks.
	NoSync bool
}

// Store is a bbolt database holding any number of physical logs. Each log lives in the shared "logs" bucket under
// its own 8-byte log id prefix.
type Store struct {
	conn   *bbolt.DB
	order  ByteOrder
	logger *zap.Logger
}

// NewBboltStore opens (or creates) the store at path.
func NewBboltStore(path string, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: opts.Timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	// Initialize buckets and check the byte order recorded by a previous run
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists(metadataBucket)
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		recorded := meta.Get(byteOrderKey)
		if recorded == nil {
			return meta.Put(byteOrderKey, []byte(opts.ByteOrder.String()))
		}
		if string(recorded) != opts.ByteOrder.String() {
			return fmt.Errorf("store was created with %s keys, configured byte order is %s", recorded, opts.ByteOrder)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Opened persisted log store",
		zap.String("path", path), zap.Stringer("byte_order", opts.ByteOrder))

	return &Store{conn: db, order: opts.ByteOrder, logger: logger}, nil
}

// Log returns the persisted log with the given id. Logs need no creation, a log without entries is empty.
func (s *Store) Log(id replog.LogID) *BboltLog {
	return &BboltLog{
		store: s,
		id:    id,
		keys:  newKeyCodec(s.order, id),
	}
}

// Path returns the file backing the store
func (s *Store) Path() string {
	return s.conn.Path()
}

// Close closes the underlying database. Open read iterators must be closed first.
func (s *Store) Close() error {
	return s.conn.Close()
}

// BboltLog is the PersistedLog of one log id inside a Store.
type BboltLog struct {
	store *Store
	id    replog.LogID
	keys  keyCodec
}

var _ PersistedLog = (*BboltLog)(nil)

func (l *BboltLog) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &replog.PersistenceError{Op: op, LogID: l.id, Err: err}
}

// LogID returns the id of the log
func (l *BboltLog) LogID() replog.LogID {
	return l.id
}

// Insert writes all entries in a single transaction. bbolt commits or rolls back the whole transaction, so a failed
// insert leaves none of its entries behind, and a successful one is durable on return unless NoSync is set.
func (l *BboltLog) Insert(entries replog.LogIterator) error {
	err := l.store.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		var buf []byte
		for {
			entry, ok := entries.Next()
			if !ok {
				break
			}
			if entry.Index == 0 {
				return errors.New("log entry index must be at least 1")
			}

			buf = replog.MarshalEntry(buf[:0], entry)
			// Put keeps a reference to the value until the transaction commits
			if err := bucket.Put(l.keys.encode(entry.Index), bytes.Clone(buf)); err != nil {
				return fmt.Errorf("failed to put entry %d: %w", entry.Index, err)
			}
		}

		if p, ok := entries.(replog.PersistedLogIterator); ok && p.Err() != nil {
			return p.Err()
		}
		return nil
	})
	return l.wrap("insert", err)
}

// Read returns an iterator over the entries with index >= from. It holds a read-only transaction until closed, so it
// sees a snapshot of the log. Writers are not blocked by it, but bbolt cannot reuse the pages freed while it is
// open and Store.Close waits for it.
func (l *BboltLog) Read(from replog.LogIndex) (replog.PersistedLogIterator, error) {
	tx, err := l.store.conn.Begin(false)
	if err != nil {
		return nil, l.wrap("read", err)
	}
	bucket := tx.Bucket(logBucket)

	if l.store.order.sortsByIndex() {
		return &cursorIterator{
			log:    l,
			tx:     tx,
			cursor: bucket.Cursor(),
			start:  l.keys.encode(from),
		}, nil
	}

	indices := l.indicesFrom(bucket, from)
	return &sortedKeysIterator{log: l, tx: tx, bucket: bucket, indices: indices}, nil
}

// indicesFrom returns the sorted indices >= from. Used for stores whose keys do not sort by index.
func (l *BboltLog) indicesFrom(bucket *bbolt.Bucket, from replog.LogIndex) []replog.LogIndex {
	var indices []replog.LogIndex
	c := bucket.Cursor()
	for k, _ := c.Seek(l.keys.prefix); k != nil && bytes.HasPrefix(k, l.keys.prefix); k, _ = c.Next() {
		if idx, ok := l.keys.decode(k); ok && idx >= from {
			indices = append(indices, idx)
		}
	}
	slices.Sort(indices)
	return indices
}

// RemoveFrom deletes every entry with index >= from
func (l *BboltLog) RemoveFrom(from replog.LogIndex) error {
	err := l.store.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		// Collect first: deleting while walking a bbolt cursor moves it to the next key, so Next would skip one
		var doomed [][]byte
		if l.store.order.sortsByIndex() {
			c := bucket.Cursor()
			for k, _ := c.Seek(l.keys.encode(from)); k != nil && l.keys.owns(k); k, _ = c.Next() {
				doomed = append(doomed, bytes.Clone(k))
			}
		} else {
			for _, idx := range l.indicesFrom(bucket, from) {
				doomed = append(doomed, l.keys.encode(idx))
			}
		}

		for _, k := range doomed {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return l.wrap("remove", err)
}

// GetEntry retrieves the entry at index
func (l *BboltLog) GetEntry(index replog.LogIndex) (replog.LogEntry, error) {
	var entry replog.LogEntry
	err := l.store.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(l.keys.encode(index))
		if data == nil {
			return fmt.Errorf("index %d: %w", index, replog.ErrEntryNotFound)
		}

		var err error
		entry, err = replog.UnmarshalEntry(data)
		return err
	})
	if errors.Is(err, replog.ErrEntryNotFound) {
		return replog.LogEntry{}, err
	}
	return entry, l.wrap("get", err)
}

// Last returns the position of the last entry of the log
func (l *BboltLog) Last() (replog.TermIndexPair, error) {
	var last replog.TermIndexPair
	err := l.store.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		var value []byte
		if l.store.order.sortsByIndex() {
			c := bucket.Cursor()
			// Seek lands on the first key of the next log id, or nil if this log has the highest id. One step back is
			// the last key of this log, if it has any.
			seek := l.keys.encode(math.MaxUint64)
			k, v := c.Seek(seek)
			if k == nil {
				k, v = c.Last()
			} else if !bytes.Equal(k, seek) {
				k, v = c.Prev()
			}
			if k == nil || !l.keys.owns(k) {
				return nil
			}
			value = v
		} else {
			indices := l.indicesFrom(bucket, 0)
			if len(indices) == 0 {
				return nil
			}
			value = bucket.Get(l.keys.encode(indices[len(indices)-1]))
		}

		entry, err := replog.UnmarshalEntry(value)
		if err != nil {
			return err
		}
		last = entry.TermIndexPair()
		return nil
	})
	return last, l.wrap("last", err)
}

func (l *BboltLog) termKey() []byte {
	k := make([]byte, 0, len(currentTermPrefix)+8)
	k = append(k, currentTermPrefix...)
	return binary.BigEndian.AppendUint64(k, uint64(l.id))
}

// CurrentTerm retrieves the current term of the log from persistent storage
func (l *BboltLog) CurrentTerm() (replog.LogTerm, error) {
	var term replog.LogTerm
	err := l.store.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(l.termKey())
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("malformed term value of %d bytes", len(data))
		}
		term = replog.LogTerm(binary.BigEndian.Uint64(data))
		return nil
	})
	return term, l.wrap("read term", err)
}

// SetCurrentTerm persists the current term of the log
func (l *BboltLog) SetCurrentTerm(term replog.LogTerm) error {
	err := l.store.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(l.termKey(), binary.BigEndian.AppendUint64(nil, uint64(term)))
	})
	return l.wrap("write term", err)
}

// cursorIterator walks a big-endian store with a bbolt cursor.
type cursorIterator struct {
	log     *BboltLog
	tx      *bbolt.Tx
	cursor  *bbolt.Cursor
	start   []byte
	started bool
	done    bool
	err     error
}

func (it *cursorIterator) Next() (replog.LogEntry, bool) {
	if it.done {
		return replog.LogEntry{}, false
	}

	var k, v []byte
	if !it.started {
		k, v = it.cursor.Seek(it.start)
		it.started = true
	} else {
		k, v = it.cursor.Next()
	}
	if k == nil || !it.log.keys.owns(k) {
		it.done = true
		return replog.LogEntry{}, false
	}

	entry, err := replog.UnmarshalEntry(v)
	if err != nil {
		it.err, it.done = it.log.wrap("read", err), true
		return replog.LogEntry{}, false
	}
	return entry, true
}

func (it *cursorIterator) Err() error { return it.err }

func (it *cursorIterator) Close() error {
	it.done = true
	if it.tx == nil {
		return nil
	}
	tx := it.tx
	it.tx = nil
	return it.log.wrap("close iterator", tx.Rollback())
}

// sortedKeysIterator walks a precomputed, sorted list of indices.
type sortedKeysIterator struct {
	log     *BboltLog
	tx      *bbolt.Tx
	bucket  *bbolt.Bucket
	indices []replog.LogIndex
	pos     int
	err     error
}

func (it *sortedKeysIterator) Next() (replog.LogEntry, bool) {
	if it.err != nil || it.tx == nil || it.pos >= len(it.indices) {
		return replog.LogEntry{}, false
	}
	v := it.bucket.Get(it.log.keys.encode(it.indices[it.pos]))
	it.pos++

	entry, err := replog.UnmarshalEntry(v)
	if err != nil {
		it.err = it.log.wrap("read", err)
		return replog.LogEntry{}, false
	}
	return entry, true
}

func (it *sortedKeysIterator) Err() error { return it.err }

func (it *sortedKeysIterator) Close() error {
	if it.tx == nil {
		return nil
	}
	tx := it.tx
	it.tx = nil
	return it.log.wrap("close iterator", tx.Rollback())
}
