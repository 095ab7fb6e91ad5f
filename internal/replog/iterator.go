package replog

import "go.uber.org/multierr"

// LogIterator is a lazy, forward-only and non-restartable sequence of entries.
type LogIterator interface {
	// Next returns the next entry. The second return value is false once the sequence is exhausted.
	Next() (LogEntry, bool)
}

// PersistedLogIterator is a LogIterator backed by storage resources. Err reports a failure that ended the iteration
// early, Close must always be called to release the resources.
type PersistedLogIterator interface {
	LogIterator
	Err() error
	Close() error
}

type sliceIterator struct {
	entries []LogEntry
	pos     int
}

// NewSliceIterator returns an iterator over entries. The slice is not copied.
func NewSliceIterator(entries []LogEntry) LogIterator {
	return &sliceIterator{entries: entries}
}

func (it *sliceIterator) Next() (LogEntry, bool) {
	if it.pos >= len(it.entries) {
		return LogEntry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

// Collect drains the iterator into a slice. If it is a PersistedLogIterator, its error is returned and it is closed.
func Collect(it LogIterator) ([]LogEntry, error) {
	var out []LogEntry
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}

	if p, ok := it.(PersistedLogIterator); ok {
		err := p.Err()
		if cerr := p.Close(); err == nil {
			err = cerr
		}
		return out, err
	}
	return out, nil
}

// ChainIterators yields the entries of the first iterator, then the ones of the next, and so on. Closing the
// returned iterator closes every PersistedLogIterator in the chain.
func ChainIterators(its ...LogIterator) PersistedLogIterator {
	return &chainIterator{its: its}
}

type chainIterator struct {
	its []LogIterator
	pos int
	err error
}

func (c *chainIterator) Next() (LogEntry, bool) {
	for c.pos < len(c.its) {
		e, ok := c.its[c.pos].Next()
		if ok {
			return e, true
		}
		if p, isPersisted := c.its[c.pos].(PersistedLogIterator); isPersisted && p.Err() != nil {
			c.err = p.Err()
			c.pos = len(c.its)
			break
		}
		c.pos++
	}
	return LogEntry{}, false
}

func (c *chainIterator) Err() error { return c.err }

func (c *chainIterator) Close() error {
	var err error
	for _, it := range c.its {
		if p, ok := it.(PersistedLogIterator); ok {
			err = multierr.Append(err, p.Close())
		}
	}
	return err
}
