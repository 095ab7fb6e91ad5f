package replication

import (
	"github.com/google/btree"

	"replicated-log/internal/replog"
)

type waiter struct {
	index  replog.LogIndex
	seq    uint64
	future *replog.Future[WaitForResult]
}

// waitRegistry holds pending WaitFor registrations ordered by (index, registration order). It is guarded by the
// log's mutex, futures are always resolved after that mutex is released.
type waitRegistry struct {
	tree *btree.BTreeG[*waiter]
	seq  uint64
}

func newWaitRegistry() *waitRegistry {
	return &waitRegistry{
		tree: btree.NewG(16, func(a, b *waiter) bool {
			if a.index != b.index {
				return a.index < b.index
			}
			return a.seq < b.seq
		}),
	}
}

func (r *waitRegistry) add(index replog.LogIndex, f *replog.Future[WaitForResult]) *waiter {
	r.seq++
	w := &waiter{index: index, seq: r.seq, future: f}
	r.tree.ReplaceOrInsert(w)
	return w
}

func (r *waitRegistry) remove(w *waiter) {
	r.tree.Delete(w)
}

func (r *waitRegistry) len() int {
	return r.tree.Len()
}

// popUpTo removes and returns the waiters with index <= index, in index order.
func (r *waitRegistry) popUpTo(index replog.LogIndex) []*waiter {
	var out []*waiter
	for {
		w, ok := r.tree.Min()
		if !ok || w.index > index {
			return out
		}
		r.tree.DeleteMin()
		out = append(out, w)
	}
}

// popFrom removes and returns the waiters with index >= index.
func (r *waitRegistry) popFrom(index replog.LogIndex) []*waiter {
	var out []*waiter
	r.tree.AscendGreaterOrEqual(&waiter{index: index}, func(w *waiter) bool {
		out = append(out, w)
		return true
	})
	for _, w := range out {
		r.tree.Delete(w)
	}
	return out
}

func (r *waitRegistry) popAll() []*waiter {
	return r.popFrom(0)
}

func resolveWaiters(ws []*waiter, commit replog.LogIndex) {
	for _, w := range ws {
		w.future.Resolve(WaitForResult{CommitIndex: commit})
	}
}

func failWaiters(ws []*waiter, err error) {
	for _, w := range ws {
		w.future.Fail(err)
	}
}
