package streams

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/replication"
)

var (
	// ErrUnknownStream is returned for a stream id that was not declared on the multiplexer
	ErrUnknownStream = errors.New("stream is not declared")
	// ErrDuplicateStream is returned when a stream id is declared twice
	ErrDuplicateStream = errors.New("stream declared twice")
)

// StreamDescriptor binds a stream id to the serializer of its values.
type StreamDescriptor[T any] struct {
	ID         StreamID
	Serializer Serializer[T]
}

// Inserter is the leader side of a physical log.
type Inserter interface {
	Insert(payload replog.LogPayload) (replog.LogIndex, error)
	InsertAndWait(ctx context.Context, payload replog.LogPayload) (replog.LogIndex, *replog.Future[replication.WaitForResult], error)
	WaitFor(ctx context.Context, index replog.LogIndex) *replog.Future[replication.WaitForResult]
}

// Multiplexer lets several typed producers share one physical log. Every value is tagged with the id of its stream
// before it is inserted.
type Multiplexer struct {
	log      Inserter
	declared map[StreamID]struct{}
}

func NewMultiplexer(log Inserter, ids ...StreamID) (*Multiplexer, error) {
	m := &Multiplexer{
		log:      log,
		declared: make(map[StreamID]struct{}, len(ids)),
	}
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: empty stream id", ErrUnknownStream)
		}
		if _, dup := m.declared[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStream, id)
		}
		m.declared[id] = struct{}{}
	}
	return m, nil
}

// Streams returns the declared stream ids, sorted.
func (m *Multiplexer) Streams() []StreamID {
	return slices.Sorted(maps.Keys(m.declared))
}

// InsertRaw tags an already serialized value with id and inserts it.
func (m *Multiplexer) InsertRaw(id StreamID, value []byte) (replog.LogIndex, error) {
	if _, ok := m.declared[id]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	return m.log.Insert(encodeTagged(id, value))
}

// InsertRawAndWait is InsertRaw with a future that resolves once this entry is committed.
func (m *Multiplexer) InsertRawAndWait(
	ctx context.Context,
	id StreamID,
	value []byte,
) (replog.LogIndex, *replog.Future[replication.WaitForResult], error) {
	if _, ok := m.declared[id]; !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	return m.log.InsertAndWait(ctx, encodeTagged(id, value))
}

// ProducerStream is the typed handle of one stream on the leader.
type ProducerStream[T any] struct {
	mux        *Multiplexer
	id         StreamID
	serializer Serializer[T]
}

// ProducerFor returns the handle of a declared stream.
func ProducerFor[T any](m *Multiplexer, d StreamDescriptor[T]) (*ProducerStream[T], error) {
	if _, ok := m.declared[d.ID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, d.ID)
	}
	if d.Serializer == nil {
		return nil, fmt.Errorf("stream %s has no serializer", d.ID)
	}
	return &ProducerStream[T]{mux: m, id: d.ID, serializer: d.Serializer}, nil
}

func (p *ProducerStream[T]) ID() StreamID {
	return p.id
}

// Insert serializes v and appends it to the physical log. It returns the physical index of the entry.
func (p *ProducerStream[T]) Insert(v T) (replog.LogIndex, error) {
	b, err := p.serializer.Serialize(v)
	if err != nil {
		return 0, fmt.Errorf("stream %s: %w", p.id, err)
	}
	return p.mux.InsertRaw(p.id, b)
}

// InsertAndWait serializes v, appends it and returns a future for its commit.
func (p *ProducerStream[T]) InsertAndWait(ctx context.Context, v T) (replog.LogIndex, *replog.Future[replication.WaitForResult], error) {
	b, err := p.serializer.Serialize(v)
	if err != nil {
		return 0, nil, fmt.Errorf("stream %s: %w", p.id, err)
	}
	return p.mux.InsertRawAndWait(ctx, p.id, b)
}

// WaitFor waits until the physical index returned by Insert is committed. InsertAndWait binds the wait to the entry
// itself and should be preferred.
func (p *ProducerStream[T]) WaitFor(ctx context.Context, index replog.LogIndex) *replog.Future[replication.WaitForResult] {
	return p.mux.log.WaitFor(ctx, index)
}
