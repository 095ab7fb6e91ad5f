package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"replicated-log/internal/pubsub"
	"replicated-log/internal/replog"
	"replicated-log/internal/replog/storage"
)

const (
	DefaultMaxEntriesPerRequest = 1000
	DefaultMemoryTailRetention  = 1024
	DefaultRequestTimeout       = 5 * time.Second
)

// Options configures a Log. The zero value is usable.
type Options struct {
	// MaxEntriesPerRequest bounds the number of entries of one AppendEntries request
	MaxEntriesPerRequest int
	// MemoryTailRetention is the number of committed entries kept in memory. Older ones are read from storage.
	MemoryTailRetention int
	// RequestTimeout bounds a single AppendEntries call of the leader
	RequestTimeout time.Duration
	// WaitTimeout bounds WaitFor and InsertAndWait when their ctx has no deadline. Zero leaves them unbounded.
	WaitTimeout time.Duration
	// Metrics is optional
	Metrics MetricsCollector
	// Logger is optional
	Logger *zap.Logger
	// PubSub is the bus the log publishes its events on. If nil, the log creates and owns one.
	PubSub *pubsub.PubSubClient
}

func (o *Options) setDefaults() {
	if o.MaxEntriesPerRequest <= 0 {
		o.MaxEntriesPerRequest = DefaultMaxEntriesPerRequest
	}
	if o.MemoryTailRetention < 0 {
		o.MemoryTailRetention = 0
	} else if o.MemoryTailRetention == 0 {
		o.MemoryTailRetention = DefaultMemoryTailRetention
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Log is the in-memory replicated log of one participant. It is a leader, a follower or not yet initialized, and
// keeps a tail of recent entries in memory on top of a PersistedLog.
type Log struct {
	id      replog.LogID
	self    replog.ParticipantID
	storage storage.PersistedLog

	transport Transport
	opts      Options
	metrics   MetricsCollector
	logger    *zap.Logger

	pubSub     *pubsub.PubSubClient
	ownsPubSub bool

	// appendMu serializes every storage mutation and role transition. It is acquired before mu.
	appendMu sync.Mutex

	// mu guards every field below
	mu        sync.RWMutex
	role      role
	term      replog.LogTerm
	tail      *inMemoryTail
	persisted replog.TermIndexPair
	commit    replog.LogIndex
	waiters   *waitRegistry
	// insert time of entries not yet committed, for the commit latency
	insertedAt map[replog.LogIndex]time.Time
	closed     bool

	persistCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewLog recovers the log stored in persisted and returns it in the uninitialized role, at the persisted term.
// transport may be nil for a log that never leads.
func NewLog(self replog.ParticipantID, persisted storage.PersistedLog, transport Transport, opts Options) (*Log, error) {
	if self == "" {
		return nil, fmt.Errorf("participant id must not be empty")
	}
	opts.setDefaults()

	last, err := persisted.Last()
	if err != nil {
		return nil, err
	}
	term, err := persisted.CurrentTerm()
	if err != nil {
		return nil, err
	}
	if last.Term > term {
		term = last.Term
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		id:         persisted.LogID(),
		self:       self,
		storage:    persisted,
		transport:  transport,
		opts:       opts,
		metrics:    opts.Metrics,
		role:       uninitializedRole{},
		term:       term,
		tail:       newInMemoryTail(last.Index + 1),
		persisted:  last,
		waiters:    newWaitRegistry(),
		insertedAt: make(map[replog.LogIndex]time.Time),
		persistCh:  make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	l.logger = opts.Logger.With(zap.Uint64("log_id", uint64(l.id)), zap.String("participant", string(self)))

	if opts.PubSub != nil {
		l.pubSub = opts.PubSub
	} else {
		l.pubSub = pubsub.NewPubSub(l.logger)
		l.ownsPubSub = true
	}

	l.wg.Add(1)
	go l.persistLoop()

	l.logger.Info("Recovered log", zap.Uint64("term", uint64(term)), zap.Stringer("last", last))
	return l, nil
}

// ID returns the id of the log
func (l *Log) ID() replog.LogID {
	return l.id
}

// Participant returns the id of the participant this log belongs to
func (l *Log) Participant() replog.ParticipantID {
	return l.self
}

// PubSub returns the bus the log publishes its events on
func (l *Log) PubSub() *pubsub.PubSubClient {
	return l.pubSub
}

// Role returns the current role
func (l *Log) Role() Role {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.role.kind()
}

// Term returns the current term
func (l *Log) Term() replog.LogTerm {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.term
}

// CommitIndex returns the current commit index
func (l *Log) CommitIndex() replog.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commit
}

// LastIndex returns the index of the last entry, persisted or not
func (l *Log) LastIndex() replog.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastLocked().Index
}

// BecomeLeader makes the log the leader of term with config. Pending waiters are resolved with
// ErrLeadershipChanged.
func (l *Log) BecomeLeader(term replog.LogTerm, config replog.LogConfiguration) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if config.LeaderID != l.self {
		return fmt.Errorf("%w: leader %q is not this participant %q", replog.ErrInvalidConfiguration, config.LeaderID, l.self)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if err := l.checkTransition(term); err != nil {
		return err
	}
	if err := l.storage.SetCurrentTerm(term); err != nil {
		l.metrics.RecordPersistenceError("set_term")
		return err
	}

	l.mu.Lock()
	failed := l.transitionLocked(term, newLeaderRole(config, l.lastLocked().Index+1))
	l.mu.Unlock()

	l.afterTransition(failed, Leader, term, l.self)
	l.logger.Info("Became leader",
		zap.Uint64("term", uint64(term)),
		zap.Int("write_concern", config.WriteConcern),
		zap.Stringer("quorum_policy", config.QuorumPolicy),
	)

	// Establish leadership and the commit index on the followers
	l.SendHeartbeats()
	return nil
}

// BecomeFollower makes the log a follower in term. leaderID may be empty if the leader is not known yet, it is then
// learned from the first request of the term.
func (l *Log) BecomeFollower(term replog.LogTerm, leaderID replog.ParticipantID) error {
	if leaderID == l.self {
		return fmt.Errorf("%w: a follower cannot follow itself", replog.ErrInvalidConfiguration)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if err := l.checkTransition(term); err != nil {
		return err
	}
	if err := l.storage.SetCurrentTerm(term); err != nil {
		l.metrics.RecordPersistenceError("set_term")
		return err
	}

	l.mu.Lock()
	failed := l.transitionLocked(term, &followerRole{leaderID: leaderID})
	l.mu.Unlock()

	l.afterTransition(failed, Follower, term, leaderID)
	l.logger.Info("Became follower", zap.Uint64("term", uint64(term)), zap.String("leader", string(leaderID)))
	return nil
}

func (l *Log) checkTransition(term replog.LogTerm) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return replog.ErrLogClosed
	}
	_, uninitialized := l.role.(uninitializedRole)
	if term < l.term || (term == l.term && !uninitialized) {
		return &replog.StaleTermError{Current: l.term, Requested: term}
	}
	return nil
}

// transitionLocked switches role and term. Unpersisted entries of a previous leadership are dropped, they were never
// replicated. It returns the waiters to fail. Must be called with appendMu and mu held.
func (l *Log) transitionLocked(term replog.LogTerm, next role) []*waiter {
	failed := l.waiters.popAll()
	if l.tail.lastIndex() > l.persisted.Index {
		l.tail.truncateFrom(l.persisted.Index + 1)
	}
	clear(l.insertedAt)

	l.term = term
	l.role = next
	return failed
}

func (l *Log) afterTransition(failed []*waiter, r Role, term replog.LogTerm, leader replog.ParticipantID) {
	failWaiters(failed, replog.ErrLeadershipChanged)
	l.metrics.RecordLeadershipChange(r.String())
	pubsub.Publish(l.pubSub, pubsub.NewEvent(LeadershipChanged, RoleEvent{
		LogID:    l.id,
		Role:     r,
		Term:     term,
		LeaderID: leader,
	}))
}

// stepDown is called by a leader that learned about a newer term from one of its followers.
func (l *Log) stepDown(term replog.LogTerm) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.RLock()
	_, leading := l.role.(*leaderRole)
	current, closed := l.term, l.closed
	l.mu.RUnlock()
	if !leading || closed || term <= current {
		return
	}

	if err := l.storage.SetCurrentTerm(term); err != nil {
		l.metrics.RecordPersistenceError("set_term")
		l.logger.Error("Failed to persist newer term while stepping down", zap.Error(err))
	}

	l.mu.Lock()
	failed := l.transitionLocked(term, &followerRole{})
	l.mu.Unlock()

	l.afterTransition(failed, Follower, term, "")
	l.logger.Warn("Stepped down, a follower reported a newer term",
		zap.Uint64("old_term", uint64(current)),
		zap.Uint64("term", uint64(term)),
	)
}

// WaitFor returns a future resolved once the commit index is >= index. It works on leaders and followers. The
// future fails with ErrLeadershipChanged on any role or term transition, with ErrLogClosed if the log is closed, and
// with ctx.Err() if ctx is done first. Cancelling the future removes only its own registration.
//
// On a leader fenced by a persistence failure, a future for an index that was not persisted fails right away with
// that failure. A waiter is otherwise only released by the commit index or a transition: if the write concern cannot
// be reached, it stays pending until ctx is done, so callers should pass a ctx with a deadline. Options.WaitTimeout
// bounds waits whose ctx has none.
func (l *Log) WaitFor(ctx context.Context, index replog.LogIndex) *replog.Future[WaitForResult] {
	l.mu.Lock()
	leader, leading := l.role.(*leaderRole)
	switch {
	case l.closed:
		l.mu.Unlock()
		return replog.FailedFuture[WaitForResult](replog.ErrLogClosed)
	case l.role.kind() == Uninitialized:
		l.mu.Unlock()
		return replog.FailedFuture[WaitForResult](replog.ErrUninitialized)
	case index <= l.commit:
		commit := l.commit
		l.mu.Unlock()
		return replog.ResolvedFuture(WaitForResult{CommitIndex: commit})
	case leading && leader.fenced != nil && index > l.persisted.Index:
		err := leader.fenced
		l.mu.Unlock()
		return replog.FailedFuture[WaitForResult](err)
	}

	f := l.registerLocked(index)
	l.mu.Unlock()

	// Outside of mu, a done ctx runs the cancel hook right away
	l.cancelWaitWhen(ctx, f)
	return f
}

// cancelWaitWhen binds f to ctx, bounded by Options.WaitTimeout if ctx has no deadline.
func (l *Log) cancelWaitWhen(ctx context.Context, f *replog.Future[WaitForResult]) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && l.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.WaitTimeout)
		go func() {
			<-f.Done()
			cancel()
		}()
	}
	f.CancelWhen(ctx)
}

// registerLocked adds a waiter for index. The returned future is not yet bound to a ctx.
func (l *Log) registerLocked(index replog.LogIndex) *replog.Future[WaitForResult] {
	f := replog.NewFuture[WaitForResult]()
	w := l.waiters.add(index, f)
	f.OnCancel(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.waiters.remove(w)
	})
	return f
}

// Read returns the entries with index >= from, as of the time of the call. On a leader this includes entries not
// yet persisted.
func (l *Log) Read(from replog.LogIndex) (replog.PersistedLogIterator, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readLocked(from, l.lastLocked().Index)
}

// ReadRange returns the entries in [from, to], as of the time of the call.
func (l *Log) ReadRange(from, to replog.LogIndex) (replog.PersistedLogIterator, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if last := l.lastLocked().Index; to > last {
		to = last
	}
	return l.readLocked(from, to)
}

// ReadCommitted returns the committed entries with index >= from.
func (l *Log) ReadCommitted(from replog.LogIndex) (replog.PersistedLogIterator, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readLocked(from, l.commit)
}

func (l *Log) readLocked(from, to replog.LogIndex) (replog.PersistedLogIterator, error) {
	if l.closed {
		return nil, replog.ErrLogClosed
	}
	if from == 0 {
		from = 1
	}
	if from > to {
		return replog.ChainIterators(), nil
	}

	// The tail has every entry from tail.first on, older entries come from storage
	inMemory := replog.NewSliceIterator(l.tail.slice(from, to))
	if from >= l.tail.first {
		return replog.ChainIterators(inMemory), nil
	}

	stored, err := l.storage.Read(from)
	if err != nil {
		return nil, err
	}
	upTo := min(to, l.tail.first-1)
	return replog.ChainIterators(&boundedIterator{it: stored, upTo: upTo}, inMemory), nil
}

// Entry returns the entry at index
func (l *Log) Entry(index replog.LogIndex) (replog.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.tail.get(index); ok {
		return e, nil
	}
	if index == 0 || index > l.persisted.Index {
		return replog.LogEntry{}, fmt.Errorf("entry %d: %w", index, replog.ErrEntryNotFound)
	}
	return l.storage.GetEntry(index)
}

// Status returns a consistent snapshot of the state of the log
func (l *Log) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Status{
		LogID:          l.id,
		Participant:    l.self,
		Role:           l.role.kind(),
		Term:           l.term,
		CommitIndex:    l.commit,
		LastIndex:      l.lastLocked().Index,
		PersistedIndex: l.persisted.Index,
		FirstInMemory:  l.tail.first,
		PendingWaiters: l.waiters.len(),
	}
	switch r := l.role.(type) {
	case *leaderRole:
		s.LeaderID = l.self
		s.WriteConcern = r.config.WriteConcern
		s.Fenced = r.fenced != nil
		for _, id := range r.order {
			p := r.followers[id]
			fs := FollowerStatus{
				ID:          id,
				MatchIndex:  p.matchIndex,
				NextIndex:   p.nextIndex,
				InFlight:    p.inFlight,
				LastContact: p.lastContact,
			}
			if p.lastErr != nil {
				fs.LastError = p.lastErr.Error()
			}
			s.Followers = append(s.Followers, fs)
		}
	case *followerRole:
		s.LeaderID = r.leaderID
	}
	return s
}

// Close resolves every pending waiter with ErrLogClosed and stops the background work of the log. It does not close
// the underlying storage. Calling Close more than once is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending := l.waiters.popAll()
	l.mu.Unlock()

	failWaiters(pending, replog.ErrLogClosed)
	l.cancel()
	l.wg.Wait()

	pubsub.Publish(l.pubSub, pubsub.NewEvent(LogClosed, ClosedEvent{LogID: l.id}))
	if l.ownsPubSub {
		l.pubSub.GracefulShutdown()
	}
	l.logger.Info("Closed log")
	return nil
}

// lastLocked is the position of the last entry in the log
func (l *Log) lastLocked() replog.TermIndexPair {
	if e, ok := l.tail.last(); ok {
		return e.TermIndexPair()
	}
	return l.persisted
}

// termAtLocked returns the term of the entry at index, 0 for index 0.
func (l *Log) termAtLocked(index replog.LogIndex) (replog.LogTerm, error) {
	if index == 0 {
		return 0, nil
	}
	if e, ok := l.tail.get(index); ok {
		return e.Term, nil
	}
	if index == l.persisted.Index {
		return l.persisted.Term, nil
	}
	e, err := l.storage.GetEntry(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

// advanceCommitLocked moves the commit index forward to index and returns the waiters it releases.
func (l *Log) advanceCommitLocked(index replog.LogIndex) []*waiter {
	if index <= l.commit {
		return nil
	}
	l.commit = index
	l.metrics.RecordCommitIndex(index)

	now := time.Now()
	for i, at := range l.insertedAt {
		if i <= index {
			l.metrics.RecordCommitLatency(now.Sub(at))
			delete(l.insertedAt, i)
		}
	}
	return l.waiters.popUpTo(index)
}

// evictLocked drops committed entries from memory that no participant needs from the tail anymore.
func (l *Log) evictLocked() {
	bound := l.commit
	if r, ok := l.role.(*leaderRole); ok {
		bound = min(bound, r.lowestMatch(bound))
	}
	if bound <= replog.LogIndex(l.opts.MemoryTailRetention) {
		return
	}
	if n := l.tail.evictBefore(bound - replog.LogIndex(l.opts.MemoryTailRetention) + 1); n > 0 {
		l.logger.Debug("Evicted committed entries from memory", zap.Int("count", n), zap.Uint64("first", uint64(l.tail.first)))
	}
}

// publishCommit notifies subscribers of a new commit index. Must be called without holding any lock of the log.
func (l *Log) publishCommit(term replog.LogTerm, commit replog.LogIndex) {
	pubsub.Publish(l.pubSub, pubsub.NewEvent(CommitIndexAdvanced, CommitEvent{LogID: l.id, Term: term, CommitIndex: commit}))
}

// boundedIterator stops a storage iterator after upTo.
type boundedIterator struct {
	it   replog.PersistedLogIterator
	upTo replog.LogIndex
	done bool
}

func (b *boundedIterator) Next() (replog.LogEntry, bool) {
	if b.done {
		return replog.LogEntry{}, false
	}
	e, ok := b.it.Next()
	if !ok || e.Index > b.upTo {
		b.done = true
		return replog.LogEntry{}, false
	}
	return e, true
}

func (b *boundedIterator) Err() error   { return b.it.Err() }
func (b *boundedIterator) Close() error { return b.it.Close() }

func isClosed(err error) bool {
	return errors.Is(err, replog.ErrLogClosed) || errors.Is(err, context.Canceled)
}
