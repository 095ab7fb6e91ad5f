package streams

import (
	"context"
	"fmt"

	"replicated-log/internal/replog"
)

// ConsumerStream is the typed view of one stream of a Demultiplexer.
type ConsumerStream[T any] struct {
	demux      *Demultiplexer
	id         StreamID
	serializer Serializer[T]
}

// ConsumerFor returns the typed view of stream d.ID. The stream does not have to be known to the demultiplexer yet.
func ConsumerFor[T any](demux *Demultiplexer, d StreamDescriptor[T]) (*ConsumerStream[T], error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: empty stream id", ErrUnknownStream)
	}
	if d.Serializer == nil {
		return nil, fmt.Errorf("stream %s has no serializer", d.ID)
	}
	return &ConsumerStream[T]{demux: demux, id: d.ID, serializer: d.Serializer}, nil
}

func (c *ConsumerStream[T]) ID() StreamID {
	return c.id
}

// Len is the number of values received so far.
func (c *ConsumerStream[T]) Len() int {
	return len(c.demux.snapshot(c.id))
}

// Iterator returns the values received so far. Values are decoded as the iterator advances.
func (c *ConsumerStream[T]) Iterator() *StreamIterator[T] {
	return c.IteratorFrom(1)
}

// IteratorFrom returns the values received so far, starting at position subIndex.
func (c *ConsumerStream[T]) IteratorFrom(subIndex uint64) *StreamIterator[T] {
	entries := c.demux.snapshot(c.id)
	switch {
	case subIndex <= 1:
	case subIndex > uint64(len(entries)):
		entries = nil
	default:
		entries = entries[subIndex-1:]
	}
	return &StreamIterator[T]{entries: entries, serializer: c.serializer, stream: c.id}
}

// WaitFor returns a future resolved once the stream holds at least subIndex values. Positions start at 1.
func (c *ConsumerStream[T]) WaitFor(ctx context.Context, subIndex uint64) *replog.Future[StreamPosition] {
	return c.demux.waitFor(ctx, c.id, subIndex)
}

// StreamIterator is a finite, non-restartable iterator over the values of a stream.
type StreamIterator[T any] struct {
	entries    []StreamEntry
	pos        int
	serializer Serializer[T]
	stream     StreamID
	err        error
}

// Next returns the next value and its position. It returns false once the values are exhausted or a value could not
// be decoded, see Err.
func (it *StreamIterator[T]) Next() (T, StreamPosition, bool) {
	var zero T
	if it.err != nil || it.pos >= len(it.entries) {
		return zero, StreamPosition{}, false
	}
	e := it.entries[it.pos]
	v, err := it.serializer.Deserialize(e.Value)
	if err != nil {
		it.err = fmt.Errorf("stream %s position %d: %w", it.stream, e.SubIndex, err)
		return zero, StreamPosition{}, false
	}
	it.pos++
	return v, StreamPosition{SubIndex: e.SubIndex, Index: e.Index}, true
}

func (it *StreamIterator[T]) Err() error {
	return it.err
}

// Collect drains the iterator.
func (it *StreamIterator[T]) Collect() ([]T, error) {
	var out []T
	for {
		v, _, ok := it.Next()
		if !ok {
			return out, it.Err()
		}
		out = append(out, v)
	}
}
