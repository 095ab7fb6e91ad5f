package replog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogConfiguration_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  LogConfiguration
		wantErr bool
	}{
		{
			name:   "leader alone",
			config: LogConfiguration{LeaderID: "a", WriteConcern: 1},
		},
		{
			name:   "write concern includes leader",
			config: LogConfiguration{LeaderID: "a", Followers: []ParticipantID{"b", "c"}, WriteConcern: 3},
		},
		{
			name:    "write concern too high",
			config:  LogConfiguration{LeaderID: "a", Followers: []ParticipantID{"b"}, WriteConcern: 3},
			wantErr: true,
		},
		{
			name: "followers only policy caps at follower count",
			config: LogConfiguration{
				LeaderID: "a", Followers: []ParticipantID{"b"}, WriteConcern: 2, QuorumPolicy: FollowersOnly,
			},
			wantErr: true,
		},
		{
			name:    "zero write concern",
			config:  LogConfiguration{LeaderID: "a", Followers: []ParticipantID{"b"}},
			wantErr: true,
		},
		{
			name:    "leader listed as follower",
			config:  LogConfiguration{LeaderID: "a", Followers: []ParticipantID{"a"}, WriteConcern: 1},
			wantErr: true,
		},
		{
			name:    "duplicate follower",
			config:  LogConfiguration{LeaderID: "a", Followers: []ParticipantID{"b", "b"}, WriteConcern: 1},
			wantErr: true,
		},
		{
			name:    "missing leader",
			config:  LogConfiguration{WriteConcern: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPersistenceError(t *testing.T) {
	cause := errors.New("disk full")
	var err error = &PersistenceError{Op: "insert", LogID: 3, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsPersistenceError(err))
	assert.True(t, IsPersistenceError(errors.Join(errors.New("other"), err)))
	assert.False(t, IsPersistenceError(cause))
	assert.Contains(t, err.Error(), "disk full")
}

func TestFuture(t *testing.T) {
	t.Run("resolves once", func(t *testing.T) {
		f := NewFuture[int]()
		assert.False(t, f.Ready())

		assert.True(t, f.Resolve(1))
		assert.False(t, f.Resolve(2))
		assert.False(t, f.Fail(errors.New("late")))

		v, err, ok := f.Result()
		assert.True(t, ok)
		assert.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("get waits for resolution", func(t *testing.T) {
		f := NewFuture[string]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.Resolve("done")
		}()

		v, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "done", v)
	})

	t.Run("get honours its context without resolving", func(t *testing.T) {
		f := NewFuture[string]()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.Get(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, f.Ready())
	})

	t.Run("cancel runs the hook", func(t *testing.T) {
		f := NewFuture[int]()
		called := 0
		f.OnCancel(func() { called++ })

		f.Cancel()
		f.Cancel()

		assert.Equal(t, 1, called)
		_, err, ok := f.Result()
		assert.True(t, ok)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("cancel after resolution is a no-op", func(t *testing.T) {
		f := NewFuture[int]()
		called := false
		f.OnCancel(func() { called = true })

		f.Resolve(5)
		f.Cancel()

		assert.False(t, called)
		v, err, _ := f.Result()
		assert.NoError(t, err)
		assert.Equal(t, 5, v)
	})

	t.Run("cancel when context is done", func(t *testing.T) {
		f := NewFuture[int]()
		removed := make(chan struct{})
		f.OnCancel(func() { close(removed) })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		f.CancelWhen(ctx)

		select {
		case <-removed:
		case <-time.After(time.Second):
			t.Fatal("future was not cancelled")
		}
		_, err, _ := f.Result()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("pre-resolved constructors", func(t *testing.T) {
		assert.True(t, ResolvedFuture(1).Ready())

		_, err, ok := FailedFuture[int](ErrNotLeader).Result()
		assert.True(t, ok)
		assert.ErrorIs(t, err, ErrNotLeader)
	})
}

func TestChainIterators(t *testing.T) {
	a := NewSliceIterator([]LogEntry{{Index: 1}, {Index: 2}})
	b := NewSliceIterator(nil)
	c := NewSliceIterator([]LogEntry{{Index: 3}})

	entries, err := Collect(ChainIterators(a, b, c))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, LogIndex(i+1), e.Index)
	}
}
