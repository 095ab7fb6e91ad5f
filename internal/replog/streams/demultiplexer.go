package streams

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"go.uber.org/zap"

	"replicated-log/internal/pubsub"
	"replicated-log/internal/replog"
	"replicated-log/internal/replog/replication"
)

// ErrDemultiplexerClosed fails the stream waiters still pending when the demultiplexer stops.
var ErrDemultiplexerClosed = errors.New("demultiplexer is closed")

// Source is the part of a physical log the demultiplexer reads from.
type Source interface {
	ID() replog.LogID
	PubSub() *pubsub.PubSubClient
	CommitIndex() replog.LogIndex
	ReadCommitted(from replog.LogIndex) (replog.PersistedLogIterator, error)
}

// StreamEntry is one value of a stream: its 1-based position in the stream, the physical index it was committed at
// and the serialized value.
type StreamEntry struct {
	SubIndex uint64
	Index    replog.LogIndex
	Value    []byte
}

// StreamPosition is the outcome of a stream WaitFor.
type StreamPosition struct {
	SubIndex uint64
	Index    replog.LogIndex
}

type streamWaiter struct {
	subIndex uint64
	seq      uint64
	future   *replog.Future[StreamPosition]
}

type streamBuffer struct {
	entries []StreamEntry
	waiters *btree.BTreeG[*streamWaiter]
}

func newStreamBuffer() *streamBuffer {
	return &streamBuffer{
		waiters: btree.NewG(8, func(a, b *streamWaiter) bool {
			if a.subIndex != b.subIndex {
				return a.subIndex < b.subIndex
			}
			return a.seq < b.seq
		}),
	}
}

type resolution struct {
	waiter   *streamWaiter
	position StreamPosition
}

// Demultiplexer splits the committed entries of a physical log into per-stream buffers. It consumes commit
// notifications of the log, so it works the same way on a leader and on a follower. Streams that were never asked
// for get a buffer on first sight.
type Demultiplexer struct {
	log    Source
	logger *zap.Logger

	mu      sync.Mutex
	applied replog.LogIndex
	streams map[StreamID]*streamBuffer
	seq     uint64
	closed  bool

	malformed atomic.Uint64

	commitChan chan *pubsub.Event[replication.CommitEvent]
	closedChan chan *pubsub.Event[replication.ClosedEvent]
	commitSub  pubsub.SubscriberID
	closedSub  pubsub.SubscriberID
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// NewDemultiplexer subscribes to the commit notifications of log and starts dispatching the entries committed so
// far and from then on. Close must be called to release the subscription.
func NewDemultiplexer(log Source, logger *zap.Logger) *Demultiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Demultiplexer{
		log:        log,
		logger:     logger.With(zap.Uint64("log_id", uint64(log.ID())), zap.String("component", "demultiplexer")),
		streams:    make(map[StreamID]*streamBuffer),
		commitChan: make(chan *pubsub.Event[replication.CommitEvent], 16),
		closedChan: make(chan *pubsub.Event[replication.ClosedEvent], 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	// Blocking, a dropped notification would delay dispatching until the next commit
	d.commitSub = pubsub.Subscribe(log.PubSub(), replication.CommitIndexAdvanced, d.commitChan, pubsub.SubscriptionOptions{IsBlocking: true})
	d.closedSub = pubsub.Subscribe(log.PubSub(), replication.LogClosed, d.closedChan, pubsub.SubscriptionOptions{})

	go d.run()
	return d
}

func (d *Demultiplexer) run() {
	defer close(d.done)
	defer d.shutdown()

	d.catchUp()
	for {
		select {
		case <-d.stop:
			return
		case <-d.closedChan:
			return
		case _, ok := <-d.commitChan:
			if !ok {
				return
			}
			d.catchUp()
		}
	}
}

// Close stops dispatching and fails the pending stream waiters with ErrDemultiplexerClosed. The buffered entries
// stay readable.
func (d *Demultiplexer) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

// Done is closed once the demultiplexer stopped, either through Close or because the log was closed.
func (d *Demultiplexer) Done() <-chan struct{} {
	return d.done
}

// shutdown releases the subscriptions. The bus may be blocked delivering to commitChan, so the channel is drained
// until the unsubscription went through.
func (d *Demultiplexer) shutdown() {
	released := make(chan struct{})
	go func() {
		d.log.PubSub().Unsubscribe(replication.CommitIndexAdvanced, d.commitSub)
		d.log.PubSub().Unsubscribe(replication.LogClosed, d.closedSub)
		close(released)
	}()

	commits := d.commitChan
	for {
		select {
		case <-released:
			d.failWaiters()
			return
		case _, ok := <-commits:
			if !ok {
				commits = nil
			}
		}
	}
}

func (d *Demultiplexer) failWaiters() {
	d.mu.Lock()
	d.closed = true
	var pending []*streamWaiter
	for _, b := range d.streams {
		b.waiters.Ascend(func(w *streamWaiter) bool {
			pending = append(pending, w)
			return true
		})
		b.waiters.Clear(false)
	}
	d.mu.Unlock()

	for _, w := range pending {
		w.future.Fail(ErrDemultiplexerClosed)
	}
}

// catchUp dispatches every entry committed since the last call.
func (d *Demultiplexer) catchUp() {
	commit := d.log.CommitIndex()

	d.mu.Lock()
	from := d.applied + 1
	d.mu.Unlock()
	if commit < from {
		return
	}

	it, err := d.log.ReadCommitted(from)
	if err != nil {
		d.logger.Error("Failed to read committed entries", zap.Uint64("from", uint64(from)), zap.Error(err))
		return
	}
	defer it.Close()

	var ready []resolution
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		ready = append(ready, d.dispatch(e)...)
	}
	if err := it.Err(); err != nil {
		d.logger.Error("Reading committed entries ended early", zap.Error(err))
	}

	for _, r := range ready {
		r.waiter.future.Resolve(r.position)
	}
}

// dispatch appends e to the buffer of its stream and returns the waiters it satisfies.
func (d *Demultiplexer) dispatch(e replog.LogEntry) []resolution {
	id, value, err := decodeTagged(e.Payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	if e.Index != d.applied+1 {
		// Entries are read in order from applied+1, anything else was already dispatched
		return nil
	}
	d.applied = e.Index

	if err != nil {
		d.malformed.Add(1)
		d.logger.Warn("Skipping entry without a valid stream tag", zap.Uint64("index", uint64(e.Index)), zap.Error(err))
		return nil
	}

	b := d.bufferLocked(id)
	pos := StreamPosition{SubIndex: uint64(len(b.entries)) + 1, Index: e.Index}
	b.entries = append(b.entries, StreamEntry{SubIndex: pos.SubIndex, Index: pos.Index, Value: value})

	var ready []resolution
	for {
		w, ok := b.waiters.Min()
		if !ok || w.subIndex > pos.SubIndex {
			break
		}
		b.waiters.DeleteMin()
		ready = append(ready, resolution{waiter: w, position: b.position(w.subIndex)})
	}
	return ready
}

func (b *streamBuffer) position(subIndex uint64) StreamPosition {
	e := b.entries[subIndex-1]
	return StreamPosition{SubIndex: e.SubIndex, Index: e.Index}
}

func (d *Demultiplexer) bufferLocked(id StreamID) *streamBuffer {
	b, ok := d.streams[id]
	if !ok {
		b = newStreamBuffer()
		d.streams[id] = b
	}
	return b
}

// Applied is the highest physical index dispatched so far.
func (d *Demultiplexer) Applied() replog.LogIndex {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied
}

// Malformed is the number of committed entries that carried no valid stream tag.
func (d *Demultiplexer) Malformed() uint64 {
	return d.malformed.Load()
}

// Streams returns the ids of every stream seen or asked for so far, sorted.
func (d *Demultiplexer) Streams() []StreamID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.streams))
}

func (d *Demultiplexer) snapshot(id StreamID) []StreamEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.bufferLocked(id)
	// The buffer is append-only, a slice of it is never modified afterwards
	return b.entries[:len(b.entries):len(b.entries)]
}

func (d *Demultiplexer) waitFor(ctx context.Context, id StreamID, subIndex uint64) *replog.Future[StreamPosition] {
	if subIndex == 0 {
		return replog.FailedFuture[StreamPosition](errors.New("stream positions start at 1"))
	}

	d.mu.Lock()
	b := d.bufferLocked(id)
	switch {
	case uint64(len(b.entries)) >= subIndex:
		pos := b.position(subIndex)
		d.mu.Unlock()
		return replog.ResolvedFuture(pos)
	case d.closed:
		d.mu.Unlock()
		return replog.FailedFuture[StreamPosition](ErrDemultiplexerClosed)
	}

	d.seq++
	w := &streamWaiter{subIndex: subIndex, seq: d.seq, future: replog.NewFuture[StreamPosition]()}
	b.waiters.ReplaceOrInsert(w)
	w.future.OnCancel(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		b.waiters.Delete(w)
	})
	d.mu.Unlock()

	w.future.CancelWhen(ctx)
	return w.future
}

func (d *Demultiplexer) pendingWaiters(id StreamID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.streams[id]; ok {
		return b.waiters.Len()
	}
	return 0
}
