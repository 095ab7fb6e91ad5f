package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"replicated-log/internal/pubsub"
	"replicated-log/internal/replog"
	"replicated-log/internal/replog/mocks"
)

func TestLog_WaitForIsReadyOnlyAfterFollowerAcknowledges(t *testing.T) {
	transport := newDelayedTransport()
	leader, _ := newMemoryLog(t, "a", transport)
	follower, _ := newMemoryLog(t, "b", nil)
	transport.register(follower)

	require.NoError(t, follower.BecomeFollower(1, "a"))
	require.NoError(t, leader.BecomeLeader(1, replog.LogConfiguration{
		LeaderID:     "a",
		Followers:    []replog.ParticipantID{"b"},
		WriteConcern: 2,
	}))

	index, err := leader.Insert(replog.LogPayload("payload"))
	require.NoError(t, err)
	assert.Equal(t, replog.LogIndex(1), index)

	f := leader.WaitFor(context.Background(), index)
	waitPersisted(t, leader, index)
	assert.False(t, f.Ready(), "persisted on the leader only")

	// The initial heartbeat, then the request with the entry
	transport.waitPending(t)
	transport.runAsyncAppendEntries()
	assert.False(t, f.Ready())

	transport.waitPending(t)
	transport.runAsyncAppendEntries()

	select {
	case <-f.Done():
	case <-time.After(waitTimeout):
		t.Fatal("future not resolved after the follower acknowledged")
	}
	res, err, ok := f.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, replog.LogIndex(1), res.CommitIndex)

	// The new commit index reaches the follower with the next request
	transport.waitPending(t)
	transport.runAsyncAppendEntries()
	waitCommit(t, follower, 1)
}

func TestLog_QuorumPolicy(t *testing.T) {
	tests := []struct {
		name         string
		policy       replog.QuorumPolicy
		writeConcern int
		// commit expected with only follower b reachable
		commitsWithOne bool
	}{
		{name: "leader counts toward quorum", policy: replog.LeaderCountsTowardQuorum, writeConcern: 2, commitsWithOne: true},
		{name: "leader counts, all participants", policy: replog.LeaderCountsTowardQuorum, writeConcern: 3, commitsWithOne: false},
		{name: "followers only, one follower", policy: replog.FollowersOnly, writeConcern: 1, commitsWithOne: true},
		{name: "followers only, two followers", policy: replog.FollowersOnly, writeConcern: 2, commitsWithOne: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newDirectTransport()
			leader, _ := newMemoryLog(t, "a", transport)
			b, _ := newMemoryLog(t, "b", nil)
			c, _ := newMemoryLog(t, "c", nil)
			transport.register(b)
			transport.register(c)
			transport.setReachable("c", false)

			require.NoError(t, b.BecomeFollower(1, "a"))
			require.NoError(t, c.BecomeFollower(1, "a"))
			require.NoError(t, leader.BecomeLeader(1, replog.LogConfiguration{
				LeaderID:     "a",
				Followers:    []replog.ParticipantID{"b", "c"},
				WriteConcern: tt.writeConcern,
				QuorumPolicy: tt.policy,
			}))

			index, err := leader.Insert(replog.LogPayload("x"))
			require.NoError(t, err)
			f := leader.WaitFor(context.Background(), index)

			require.Eventually(t, func() bool {
				return b.LastIndex() == index
			}, waitTimeout, pollEvery)

			if tt.commitsWithOne {
				waitCommit(t, leader, index)
				return
			}

			// Give the leader a chance to commit wrongly
			time.Sleep(50 * time.Millisecond)
			assert.False(t, f.Ready())
			assert.Equal(t, replog.LogIndex(0), leader.CommitIndex())

			transport.setReachable("c", true)
			leader.TriggerAsyncReplication()
			waitCommit(t, leader, index)
			_, err = f.Get(context.Background())
			assert.NoError(t, err)
		})
	}
}

func TestLog_LeaderAloneCommitsOnPersistence(t *testing.T) {
	leader, persisted := newMemoryLog(t, "a", nil)
	require.NoError(t, leader.BecomeLeader(1, replog.LogConfiguration{LeaderID: "a", WriteConcern: 1}))

	for i := 1; i <= 3; i++ {
		index, err := leader.Insert(replog.LogPayload("entry"))
		require.NoError(t, err)
		assert.Equal(t, replog.LogIndex(i), index)
	}

	res, err := leader.WaitFor(context.Background(), 3).Get(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.CommitIndex, replog.LogIndex(3))
	assert.Len(t, persisted.Entries(), 3)
}

func TestLog_InsertRequiresLeader(t *testing.T) {
	l, _ := newMemoryLog(t, "a", nil)

	_, err := l.Insert(replog.LogPayload("x"))
	assert.ErrorIs(t, err, replog.ErrNotLeader)

	require.NoError(t, l.BecomeFollower(1, "b"))
	_, err = l.Insert(replog.LogPayload("x"))
	assert.ErrorIs(t, err, replog.ErrNotLeader)
}

func TestLog_PersistenceFailureOnLeader(t *testing.T) {
	metrics := mocks.NewMockMetricsCollector()
	persisted := mocks.NewMockPersistedLog(testLogID)
	leader := newTestLog(t, "a", persisted, nil, Options{Metrics: metrics})
	config := replog.LogConfiguration{LeaderID: "a", WriteConcern: 1}
	require.NoError(t, leader.BecomeLeader(1, config))

	persisted.SetInsertError(errors.New("disk full"))
	// Registered before the insert, so the outcome does not depend on the persist loop
	f := leader.WaitFor(context.Background(), 1)

	index, err := leader.Insert(replog.LogPayload("lost"))
	require.NoError(t, err)
	assert.Equal(t, replog.LogIndex(1), index)

	_, err = f.Get(context.Background())
	require.Error(t, err)
	assert.True(t, replog.IsPersistenceError(err))
	assert.Equal(t, 1, metrics.GetPersistenceErrors("insert"))

	// The unpersisted suffix is gone and the leader is fenced for the rest of the term
	assert.Equal(t, replog.LogIndex(0), leader.LastIndex())
	assert.Equal(t, Leader, leader.Role())
	assert.True(t, leader.Status().Fenced)

	t.Run("waiter registered after the failed flush fails", func(t *testing.T) {
		for _, i := range []replog.LogIndex{index, index + 1} {
			late := leader.WaitFor(context.Background(), i)
			require.True(t, late.Ready())
			_, err, _ := late.Result()
			assert.True(t, replog.IsPersistenceError(err))
		}
		assert.Equal(t, 0, leader.Status().PendingWaiters)
	})

	t.Run("index is not handed out again in the term", func(t *testing.T) {
		persisted.SetInsertError(nil)
		_, err := leader.Insert(replog.LogPayload("other"))
		assert.ErrorIs(t, err, replog.ErrLeaderFenced)
		assert.True(t, replog.IsPersistenceError(err))

		_, _, err = leader.InsertAndWait(context.Background(), replog.LogPayload("other"))
		assert.ErrorIs(t, err, replog.ErrLeaderFenced)
		assert.Empty(t, persisted.Entries())
	})

	t.Run("new term lifts the fence", func(t *testing.T) {
		persisted.SetInsertError(nil)
		require.NoError(t, leader.BecomeLeader(2, config))
		assert.False(t, leader.Status().Fenced)

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		index, f, err := leader.InsertAndWait(ctx, replog.LogPayload("kept"))
		require.NoError(t, err)
		assert.Equal(t, replog.LogIndex(1), index)
		_, err = f.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"kept"}, payloads(persisted.Entries()))
	})
}

func TestLog_InsertAndWait(t *testing.T) {
	config := replog.LogConfiguration{LeaderID: "a", WriteConcern: 1}

	t.Run("resolves once committed", func(t *testing.T) {
		leader, _ := newMemoryLog(t, "a", nil)
		require.NoError(t, leader.BecomeLeader(1, config))

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		index, f, err := leader.InsertAndWait(ctx, replog.LogPayload("x"))
		require.NoError(t, err)
		res, err := f.Get(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.CommitIndex, index)
	})

	t.Run("fails when its entry is dropped", func(t *testing.T) {
		leader, persisted := newMemoryLog(t, "a", nil)
		require.NoError(t, leader.BecomeLeader(1, config))
		persisted.SetInsertError(errors.New("disk full"))

		_, f, err := leader.InsertAndWait(context.Background(), replog.LogPayload("lost"))
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_, err = f.Get(ctx)
		require.Error(t, err)
		assert.True(t, replog.IsPersistenceError(err))
	})

	t.Run("requires leadership", func(t *testing.T) {
		follower, _ := newMemoryLog(t, "b", nil)
		require.NoError(t, follower.BecomeFollower(1, "a"))
		_, f, err := follower.InsertAndWait(context.Background(), replog.LogPayload("x"))
		assert.ErrorIs(t, err, replog.ErrNotLeader)
		assert.Nil(t, f)
	})

	t.Run("bounded by the wait timeout", func(t *testing.T) {
		leader := newTestLog(t, "a", mocks.NewMockPersistedLog(testLogID), nil, Options{WaitTimeout: 20 * time.Millisecond})
		// b never acknowledges
		require.NoError(t, leader.BecomeLeader(1, replog.LogConfiguration{
			LeaderID:     "a",
			Followers:    []replog.ParticipantID{"b"},
			WriteConcern: 2,
		}))

		_, f, err := leader.InsertAndWait(context.Background(), replog.LogPayload("x"))
		require.NoError(t, err)
		_, err = f.Get(context.Background())
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		_, err = leader.WaitFor(context.Background(), 1).Get(context.Background())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		require.Eventually(t, func() bool { return leader.Status().PendingWaiters == 0 }, waitTimeout, pollEvery)
	})
}

func TestLog_LeadershipChangeFailsWaiters(t *testing.T) {
	transport := newDirectTransport()
	leader, _ := newMemoryLog(t, "a", transport)
	transport.setReachable("b", false)

	require.NoError(t, leader.BecomeLeader(1, replog.LogConfiguration{
		LeaderID:     "a",
		Followers:    []replog.ParticipantID{"b"},
		WriteConcern: 2,
	}))

	index, err := leader.Insert(replog.LogPayload("x"))
	require.NoError(t, err)
	f := leader.WaitFor(context.Background(), index)
	waitPersisted(t, leader, index)

	require.NoError(t, leader.BecomeFollower(2, "b"))

	_, err = f.Get(context.Background())
	assert.ErrorIs(t, err, replog.ErrLeadershipChanged)
	assert.Equal(t, Follower, leader.Role())
	assert.Equal(t, replog.LogTerm(2), leader.Term())

	// Persisted entries survive the transition
	assert.Equal(t, replog.LogIndex(1), leader.LastIndex())
}

func TestLog_StepsDownOnHigherTerm(t *testing.T) {
	transport := newDirectTransport()
	leader, persisted := newMemoryLog(t, "a", transport)
	follower, _ := newMemoryLog(t, "b", nil)
	transport.register(follower)

	require.NoError(t, follower.BecomeFollower(5, "z"))

	ch := make(chan *pubsub.Event[RoleEvent], 4)
	pubsub.Subscribe(leader.PubSub(), LeadershipChanged, ch, pubsub.SubscriptionOptions{IsBlocking: true})

	require.NoError(t, leader.BecomeLeader(1, replog.LogConfiguration{
		LeaderID:     "a",
		Followers:    []replog.ParticipantID{"b"},
		WriteConcern: 2,
	}))

	require.Eventually(t, func() bool { return leader.Role() == Follower }, waitTimeout, pollEvery)
	assert.Equal(t, replog.LogTerm(5), leader.Term())

	term, err := persisted.CurrentTerm()
	require.NoError(t, err)
	assert.Equal(t, replog.LogTerm(5), term)

	var roles []Role
	for len(roles) < 2 {
		select {
		case ev := <-ch:
			roles = append(roles, ev.Payload.Role)
		case <-time.After(waitTimeout):
			t.Fatalf("missing LeadershipChanged events, got %v", roles)
		}
	}
	assert.Equal(t, []Role{Leader, Follower}, roles)
}

func TestLog_RejectionMovesNextIndexBack(t *testing.T) {
	transport := &mocks.MockTransport{}
	leader, _ := newMemoryLog(t, "a", transport)

	heartbeats := make(chan *replog.AppendEntriesRequest, 8)
	transport.On("AppendEntries", mock.Anything, replog.ParticipantID("b"), mock.Anything).
		Run(func(args mock.Arguments) {
			heartbeats <- args.Get(2).(*replog.AppendEntriesRequest)
		}).
		Return(&replog.AppendEntriesResult{Success: false, Term: 1, LastIndex: 0}, nil)

	require.NoError(t, leader.BecomeLeader(1, replog.LogConfiguration{
		LeaderID:     "a",
		Followers:    []replog.ParticipantID{"b"},
		WriteConcern: 1,
	}))
	for i := 0; i < 3; i++ {
		_, err := leader.Insert(replog.LogPayload("x"))
		require.NoError(t, err)
	}
	waitCommit(t, leader, 3)

	require.Eventually(t, func() bool {
		s := leader.Status()
		return len(s.Followers) == 1 && !s.Followers[0].InFlight
	}, waitTimeout, pollEvery)

	// Every request so far was rejected, none of them moved nextIndex past the first entry
	sent := 0
	for drained := false; !drained; {
		select {
		case req := <-heartbeats:
			assert.Equal(t, replog.LogIndex(0), req.PrevLogIndex)
			sent++
		default:
			drained = true
		}
	}
	assert.GreaterOrEqual(t, sent, 1)
	assert.Equal(t, replog.LogIndex(1), leader.Status().Followers[0].NextIndex)

	// A rejection of a follower with an empty log restarts from the first entry
	leader.TriggerAsyncReplication()
	select {
	case req := <-heartbeats:
		assert.Equal(t, replog.LogIndex(0), req.PrevLogIndex)
		assert.Len(t, req.Entries, 3)
	case <-time.After(waitTimeout):
		t.Fatal("no retry sent")
	}
	transport.AssertExpectations(t)
}

func TestLog_ReplicatesThroughOrchestrator(t *testing.T) {
	transport := newDirectTransport()
	clk := clock.NewMock()

	logs := map[replog.ParticipantID]*Log{}
	for _, id := range []replog.ParticipantID{"a", "b", "c"} {
		l, _ := newMemoryLog(t, id, transport)
		transport.register(l)
		logs[id] = l
	}
	transport.setReachable("c", false)

	leader := logs["a"]
	orchestrator := NewOrchestrator(leader, Backoff{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond}, clk)
	go orchestrator.Run()
	heartbeat := NewHeartbeatJob(leader, 50*time.Millisecond, clk)
	go heartbeat.Run()

	require.NoError(t, logs["b"].BecomeFollower(1, "a"))
	require.NoError(t, logs["c"].BecomeFollower(1, "a"))
	require.NoError(t, leader.BecomeLeader(1, replog.LogConfiguration{
		LeaderID:     "a",
		Followers:    []replog.ParticipantID{"b", "c"},
		WriteConcern: 2,
	}))

	var last replog.LogIndex
	for i := 0; i < 10; i++ {
		index, err := leader.Insert(replog.LogPayload("entry"))
		require.NoError(t, err)
		last = index
	}
	waitCommit(t, leader, last)
	waitCommit(t, logs["b"], last)

	transport.setReachable("c", true)
	require.Eventually(t, func() bool {
		clk.Add(50 * time.Millisecond)
		return logs["c"].CommitIndex() == last
	}, waitTimeout, pollEvery)

	assert.Equal(t, payloads(readAll(t, leader, 1)), payloads(readAll(t, logs["c"], 1)))
	for _, f := range leader.Status().Followers {
		assert.Equal(t, last, f.MatchIndex, "follower %s", f.ID)
	}
}

func followerStatus(t *testing.T, l *Log, id replog.ParticipantID) FollowerStatus {
	t.Helper()
	for _, f := range l.Status().Followers {
		if f.ID == id {
			return f
		}
	}
	t.Fatalf("no follower %s", id)
	return FollowerStatus{}
}

func TestLog_HandleAppendEntriesResult(t *testing.T) {
	config := replog.LogConfiguration{
		LeaderID:     "a",
		Followers:    []replog.ParticipantID{"b", "c"},
		WriteConcern: 2,
	}
	// The log has no transport, results are fed by the test
	newLeader := func(t *testing.T) (*Log, []replog.LogEntry) {
		leader, _ := newMemoryLog(t, "a", nil)
		require.NoError(t, leader.BecomeLeader(1, config))
		for _, p := range []string{"x", "y", "z"} {
			_, err := leader.Insert(replog.LogPayload(p))
			require.NoError(t, err)
		}
		waitPersisted(t, leader, 3)
		return leader, readAll(t, leader, 1)
	}
	request := func(term replog.LogTerm, entries []replog.LogEntry) *replog.AppendEntriesRequest {
		return &replog.AppendEntriesRequest{LogID: testLogID, LeaderTerm: term, LeaderID: "a", Entries: entries}
	}

	t.Run("older acknowledgement does not move progress back", func(t *testing.T) {
		leader, entries := newLeader(t)

		leader.handleAppendEntriesResult(1, "b", request(1, entries), &replog.AppendEntriesResult{Success: true, Term: 1, LastIndex: 3}, nil)
		b := followerStatus(t, leader, "b")
		assert.Equal(t, replog.LogIndex(3), b.MatchIndex)
		assert.Equal(t, replog.LogIndex(4), b.NextIndex)
		assert.Equal(t, replog.LogIndex(3), leader.CommitIndex())

		// A delayed success for a shorter prefix
		leader.handleAppendEntriesResult(1, "b", request(1, entries[:1]), &replog.AppendEntriesResult{Success: true, Term: 1, LastIndex: 1}, nil)
		b = followerStatus(t, leader, "b")
		assert.Equal(t, replog.LogIndex(3), b.MatchIndex)
		assert.Equal(t, replog.LogIndex(4), b.NextIndex)
		assert.Equal(t, replog.LogIndex(3), leader.CommitIndex())

		// A delayed rejection cannot send nextIndex below the match
		stale := request(1, nil)
		stale.PrevLogIndex = 1
		leader.handleAppendEntriesResult(1, "b", stale, &replog.AppendEntriesResult{Success: false, Term: 1, LastIndex: 0}, nil)
		assert.Equal(t, replog.LogIndex(4), followerStatus(t, leader, "b").NextIndex)
	})

	t.Run("result of a previous term is discarded", func(t *testing.T) {
		leader, entries := newLeader(t)
		require.NoError(t, leader.BecomeLeader(2, config))

		leader.handleAppendEntriesResult(1, "b", request(1, entries), &replog.AppendEntriesResult{Success: true, Term: 1, LastIndex: 3}, nil)
		b := followerStatus(t, leader, "b")
		assert.Equal(t, replog.LogIndex(0), b.MatchIndex)
		assert.Equal(t, replog.LogIndex(4), b.NextIndex)
		assert.Equal(t, replog.LogIndex(0), leader.CommitIndex())

		// Not even a newer term reported under the old one makes it step down
		leader.handleAppendEntriesResult(1, "c", request(1, entries), &replog.AppendEntriesResult{Success: false, Term: 5}, nil)
		assert.Equal(t, Leader, leader.Role())
		assert.Equal(t, replog.LogTerm(2), leader.Term())

		// Entries of term 1 are not committed by counting acknowledgements in term 2
		leader.handleAppendEntriesResult(2, "b", request(2, entries), &replog.AppendEntriesResult{Success: true, Term: 2, LastIndex: 3}, nil)
		assert.Equal(t, replog.LogIndex(3), followerStatus(t, leader, "b").MatchIndex)
		assert.Equal(t, replog.LogIndex(0), leader.CommitIndex())
	})
}

func TestLog_CloseWhileReplicating(t *testing.T) {
	transport := newDirectTransport()
	follower, _ := newMemoryLog(t, "b", nil)
	require.NoError(t, follower.BecomeFollower(1, "a"))
	transport.register(follower)

	for i := 0; i < 20; i++ {
		leader := newTestLog(t, "a", mocks.NewMockPersistedLog(testLogID), transport, Options{})
		require.NoError(t, leader.BecomeLeader(1, replog.LogConfiguration{
			LeaderID:     "a",
			Followers:    []replog.ParticipantID{"b"},
			WriteConcern: 1,
		}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				leader.SendHeartbeats()
				leader.TriggerAsyncReplication()
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, leader.Close())
		}()
		wg.Wait()

		// Nothing is sent once closed
		leader.SendHeartbeats()
		assert.Equal(t, Leader, leader.Role())
	}
}
