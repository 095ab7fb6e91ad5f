package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicated-log/internal/replog"
)

func TestQuorumIndex(t *testing.T) {
	tests := []struct {
		name         string
		acks         []replog.LogIndex
		writeConcern int
		want         replog.LogIndex
	}{
		{name: "single participant", acks: []replog.LogIndex{4}, writeConcern: 1, want: 4},
		{name: "majority of three", acks: []replog.LogIndex{5, 3, 1}, writeConcern: 2, want: 3},
		{name: "all of three", acks: []replog.LogIndex{5, 3, 1}, writeConcern: 3, want: 1},
		{name: "unordered input", acks: []replog.LogIndex{1, 7, 4, 4}, writeConcern: 3, want: 4},
		{name: "not enough participants", acks: []replog.LogIndex{5}, writeConcern: 2, want: 0},
		{name: "zero write concern", acks: []replog.LogIndex{5}, writeConcern: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acks := append([]replog.LogIndex(nil), tt.acks...)
			assert.Equal(t, tt.want, quorumIndex(acks, tt.writeConcern))
			assert.Equal(t, tt.acks, acks, "input must not be reordered")
		})
	}
}

func TestLeaderRole_Acknowledgements(t *testing.T) {
	config := replog.LogConfiguration{
		LeaderID:     "a",
		Followers:    []replog.ParticipantID{"b", "c"},
		WriteConcern: 2,
	}

	r := newLeaderRole(config, 1)
	r.followers["b"].matchIndex = 3
	r.followers["c"].matchIndex = 1

	assert.Equal(t, []replog.LogIndex{5, 3, 1}, r.acknowledgements(5))
	assert.Equal(t, replog.LogIndex(1), r.lowestMatch(5))

	config.QuorumPolicy = replog.FollowersOnly
	r.config = config
	assert.Equal(t, []replog.LogIndex{3, 1}, r.acknowledgements(5))

	alone := newLeaderRole(replog.LogConfiguration{LeaderID: "a", WriteConcern: 1}, 1)
	assert.Equal(t, replog.LogIndex(9), alone.lowestMatch(9))
}

func TestInMemoryTail(t *testing.T) {
	newTail := func() *inMemoryTail {
		tail := newInMemoryTail(1)
		for i := replog.LogIndex(1); i <= 5; i++ {
			tail.append(replog.LogEntry{Term: 1, Index: i})
		}
		return tail
	}

	t.Run("empty tail", func(t *testing.T) {
		tail := newInMemoryTail(4)
		assert.Equal(t, replog.LogIndex(3), tail.lastIndex())
		_, ok := tail.last()
		assert.False(t, ok)
		assert.Nil(t, tail.slice(1, 10))
	})

	t.Run("get and slice", func(t *testing.T) {
		tail := newTail()
		e, ok := tail.get(3)
		require.True(t, ok)
		assert.Equal(t, replog.LogIndex(3), e.Index)
		_, ok = tail.get(6)
		assert.False(t, ok)

		s := tail.slice(0, 2)
		require.Len(t, s, 2)
		assert.Equal(t, replog.LogIndex(1), s[0].Index)
		assert.Len(t, tail.slice(4, 100), 2)
	})

	t.Run("slice is a copy", func(t *testing.T) {
		tail := newTail()
		s := tail.slice(1, 1)
		s[0].Term = 9
		e, _ := tail.get(1)
		assert.Equal(t, replog.LogTerm(1), e.Term)
	})

	t.Run("truncate", func(t *testing.T) {
		tail := newTail()
		tail.truncateFrom(4)
		assert.Equal(t, replog.LogIndex(3), tail.lastIndex())

		tail.truncateFrom(10)
		assert.Equal(t, replog.LogIndex(3), tail.lastIndex())

		tail.truncateFrom(1)
		assert.Equal(t, 0, tail.len())
		assert.Equal(t, replog.LogIndex(0), tail.lastIndex())
	})

	t.Run("evict", func(t *testing.T) {
		tail := newTail()
		assert.Equal(t, 2, tail.evictBefore(3))
		assert.Equal(t, replog.LogIndex(3), tail.first)
		assert.Equal(t, replog.LogIndex(5), tail.lastIndex())
		_, ok := tail.get(2)
		assert.False(t, ok)

		assert.Equal(t, 0, tail.evictBefore(2))
		assert.Equal(t, 3, tail.evictBefore(100))
		assert.Equal(t, replog.LogIndex(6), tail.first)
		assert.Equal(t, replog.LogIndex(5), tail.lastIndex())
	})

	t.Run("truncate below the evicted prefix", func(t *testing.T) {
		tail := newTail()
		tail.evictBefore(4)
		tail.truncateFrom(2)
		assert.Equal(t, replog.LogIndex(2), tail.first)
		assert.Equal(t, replog.LogIndex(1), tail.lastIndex())
	})
}

func TestWaitRegistry(t *testing.T) {
	r := newWaitRegistry()
	add := func(index replog.LogIndex) *waiter {
		return r.add(index, replog.NewFuture[WaitForResult]())
	}

	w3 := add(3)
	w1 := add(1)
	w2a := add(2)
	w2b := add(2)
	w5 := add(5)
	require.Equal(t, 5, r.len())

	popped := r.popUpTo(2)
	assert.Equal(t, []*waiter{w1, w2a, w2b}, popped)

	r.remove(w3)
	assert.Equal(t, 1, r.len())

	w7 := add(7)
	assert.Equal(t, []*waiter{w5, w7}, r.popFrom(4))
	assert.Equal(t, 0, r.len())

	add(1)
	add(9)
	assert.Len(t, r.popAll(), 2)

	resolveWaiters(popped, 2)
	for _, w := range popped {
		res, err, ok := w.future.Result()
		require.True(t, ok)
		assert.NoError(t, err)
		assert.Equal(t, replog.LogIndex(2), res.CommitIndex)
	}
}
