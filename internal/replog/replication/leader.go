package replication

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"replicated-log/internal/pubsub"
	"replicated-log/internal/replog"
)

// Insert appends payload to the log at the next index under the current term and returns that index. It does not
// wait for persistence or replication, use WaitFor for that. Only a leader accepts inserts.
func (l *Log) Insert(payload replog.LogPayload) (replog.LogIndex, error) {
	l.mu.Lock()
	index, err := l.insertLocked(payload)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}

	l.metrics.RecordInsert()
	l.signalPersist()
	return index, nil
}

// InsertAndWait inserts payload like Insert and registers a waiter for its index in the same step. The future
// resolves once the entry is committed, and fails if this entry is dropped before that, so it never resolves for
// another payload that ends up at the same index.
func (l *Log) InsertAndWait(ctx context.Context, payload replog.LogPayload) (replog.LogIndex, *replog.Future[WaitForResult], error) {
	l.mu.Lock()
	index, err := l.insertLocked(payload)
	if err != nil {
		l.mu.Unlock()
		return 0, nil, err
	}
	f := l.registerLocked(index)
	l.mu.Unlock()

	l.cancelWaitWhen(ctx, f)
	l.metrics.RecordInsert()
	l.signalPersist()
	return index, f, nil
}

func (l *Log) insertLocked(payload replog.LogPayload) (replog.LogIndex, error) {
	if l.closed {
		return 0, replog.ErrLogClosed
	}
	leader, ok := l.role.(*leaderRole)
	if !ok {
		return 0, replog.ErrNotLeader
	}
	if leader.fenced != nil {
		return 0, fmt.Errorf("%w: %w", replog.ErrLeaderFenced, leader.fenced)
	}

	index := l.lastLocked().Index + 1
	l.tail.append(replog.LogEntry{Term: l.term, Index: index, Payload: payload})
	l.insertedAt[index] = time.Now()
	return index, nil
}

func (l *Log) signalPersist() {
	select {
	case l.persistCh <- struct{}{}:
	default:
		// A flush is already pending, it will pick up this entry too
	}
}

// persistLoop flushes the entries inserted on a leader to storage. It runs until the log is closed.
func (l *Log) persistLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.persistCh:
			l.persistPending()
		case <-l.ctx.Done():
			return
		}
	}
}

// persistPending writes every unpersisted entry of the leader in one batch. On failure the unpersisted suffix is
// dropped, the waiters for it are resolved with the persistence error and the leader is fenced: it takes no more
// inserts in this term, so the dropped indices are never handed out again.
func (l *Log) persistPending() {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.RLock()
	leader, leading := l.role.(*leaderRole)
	if !leading || l.closed || leader.fenced != nil {
		l.mu.RUnlock()
		return
	}
	pending := l.tail.slice(l.persisted.Index+1, l.tail.lastIndex())
	term := l.term
	l.mu.RUnlock()

	if len(pending) == 0 {
		return
	}

	// Role transitions need appendMu, so the leadership cannot change until the batch is handled
	err := l.storage.Insert(replog.NewSliceIterator(pending))

	l.mu.Lock()
	if err != nil {
		first := pending[0].Index
		l.tail.truncateFrom(first)
		for i := range l.insertedAt {
			if i >= first {
				delete(l.insertedAt, i)
			}
		}
		failed := l.waiters.popFrom(first)
		leader.fenced = err
		l.mu.Unlock()

		l.metrics.RecordPersistenceError("insert")
		l.logger.Error("Failed to persist entries, dropping unpersisted suffix and fencing the leader",
			zap.Uint64("term", uint64(term)),
			zap.Uint64("first", uint64(first)),
			zap.Error(err),
		)
		failWaiters(failed, err)
		pubsub.Publish(l.pubSub, pubsub.NewEvent(ReplicationFailed, ReplicationEvent{LogID: l.id, Term: term, Err: err}))
		return
	}

	l.persisted = pending[len(pending)-1].TermIndexPair()
	released, commit := l.updateCommitIndexLocked()
	l.mu.Unlock()

	if commit != 0 {
		resolveWaiters(released, commit)
		l.publishCommit(term, commit)
	}
	l.TriggerAsyncReplication()
}

// TriggerAsyncReplication sends the persisted entries a follower is missing, or the current commit index it has not
// acknowledged yet, to every follower without a request in flight. It never blocks on the network.
func (l *Log) TriggerAsyncReplication() {
	l.replicate(false)
}

// SendHeartbeats sends a request to every follower without a request in flight, even if it is up to date.
func (l *Log) SendHeartbeats() {
	l.replicate(true)
}

type outgoing struct {
	to  replog.ParticipantID
	req *replog.AppendEntriesRequest
}

func (l *Log) replicate(force bool) {
	l.mu.Lock()
	leader, ok := l.role.(*leaderRole)
	if !ok || l.closed || l.transport == nil {
		l.mu.Unlock()
		return
	}

	var batch []outgoing
	for _, id := range leader.order {
		p := leader.followers[id]
		if p.inFlight {
			continue
		}
		upToDate := p.nextIndex > l.persisted.Index && p.ackedCommit >= l.commit
		if upToDate && !force {
			continue
		}
		req, err := l.buildRequestLocked(p)
		if err != nil {
			l.logger.Error("Failed to build AppendEntries request", zap.String("follower", string(id)), zap.Error(err))
			continue
		}
		p.inFlight = true
		batch = append(batch, outgoing{to: id, req: req})
	}
	term := l.term
	// Under mu, so Close cannot start waiting before these sends are counted
	l.wg.Add(len(batch))
	l.mu.Unlock()

	for _, o := range batch {
		go l.send(term, o)
	}
}

// buildRequestLocked builds the next request for p from its nextIndex. Only persisted entries are sent.
func (l *Log) buildRequestLocked(p *followerProgress) (*replog.AppendEntriesRequest, error) {
	from := p.nextIndex
	if from == 0 {
		from = 1
	}
	prevIndex := from - 1
	prevTerm, err := l.termAtLocked(prevIndex)
	if err != nil {
		return nil, err
	}

	var entries []replog.LogEntry
	if from <= l.persisted.Index {
		to := min(l.persisted.Index, from+replog.LogIndex(l.opts.MaxEntriesPerRequest)-1)
		entries, err = l.entriesLocked(from, to)
		if err != nil {
			return nil, err
		}
	}

	p.messageID++
	return &replog.AppendEntriesRequest{
		LogID:        l.id,
		LeaderTerm:   l.term,
		LeaderID:     l.self,
		PrevLogTerm:  prevTerm,
		PrevLogIndex: prevIndex,
		LeaderCommit: l.commit,
		Entries:      entries,
		MessageID:    p.messageID,
	}, nil
}

// entriesLocked returns the entries in [from, to], reading evicted ones from storage.
func (l *Log) entriesLocked(from, to replog.LogIndex) ([]replog.LogEntry, error) {
	if from >= l.tail.first {
		return l.tail.slice(from, to), nil
	}
	it, err := l.readLocked(from, to)
	if err != nil {
		return nil, err
	}
	return replog.Collect(it)
}

func (l *Log) send(term replog.LogTerm, o outgoing) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(l.ctx, l.opts.RequestTimeout)
	defer cancel()
	ctx = SetRequestSender(ctx, l.self)

	l.metrics.RecordAppendEntriesSent(len(o.req.Entries) == 0)
	res, err := l.transport.AppendEntries(ctx, o.to, o.req)
	l.handleAppendEntriesResult(term, o.to, o.req, res, err)
}

// handleAppendEntriesResult applies the outcome of one request. Results of a previous term or role are discarded.
func (l *Log) handleAppendEntriesResult(
	term replog.LogTerm,
	to replog.ParticipantID,
	req *replog.AppendEntriesRequest,
	res *replog.AppendEntriesResult,
	err error,
) {
	log := l.logger.With(zap.String("follower", string(to)), zap.Uint64("term", uint64(term)))

	l.mu.Lock()
	leader, ok := l.role.(*leaderRole)
	if !ok || l.term != term || l.closed {
		l.mu.Unlock()
		log.Debug("Discarding result of a previous leadership")
		return
	}
	p := leader.followers[to]
	p.inFlight = false

	if err == nil && res == nil {
		err = errEmptyResult
	}
	if err != nil {
		p.lastErr = err
		l.mu.Unlock()

		l.metrics.RecordAppendEntriesResult(OutcomeError)
		if isClosed(err) {
			return
		}
		log.Warn("AppendEntries failed", zap.Error(err))
		pubsub.Publish(l.pubSub, pubsub.NewEvent(ReplicationFailed, ReplicationEvent{LogID: l.id, Term: term, Follower: to, Err: err}))
		return
	}

	if res.Term > l.term {
		l.mu.Unlock()
		l.metrics.RecordAppendEntriesResult(OutcomeRejected)
		l.stepDown(res.Term)
		return
	}

	p.lastContact = time.Now()
	p.lastErr = nil

	if !res.Success {
		hint := min(req.PrevLogIndex, res.LastIndex+1)
		p.nextIndex = max(p.matchIndex+1, hint, 1)
		next := p.nextIndex
		l.mu.Unlock()

		l.metrics.RecordAppendEntriesResult(OutcomeRejected)
		log.Info("AppendEntries rejected",
			zap.Uint64("prev_index", uint64(req.PrevLogIndex)),
			zap.Uint64("follower_last", uint64(res.LastIndex)),
			zap.Uint64("next_index", uint64(next)),
		)
		pubsub.Publish(l.pubSub, pubsub.NewEvent(ReplicationRejected, ReplicationEvent{LogID: l.id, Term: term, Follower: to}))
		return
	}

	if last := req.LastIndex(); last > p.matchIndex {
		p.matchIndex = last
	}
	if p.nextIndex <= p.matchIndex {
		p.nextIndex = p.matchIndex + 1
	}
	if req.LeaderCommit > p.ackedCommit {
		p.ackedCommit = req.LeaderCommit
	}
	released, commit := l.updateCommitIndexLocked()
	more := p.nextIndex <= l.persisted.Index || p.ackedCommit < l.commit
	l.mu.Unlock()

	l.metrics.RecordAppendEntriesResult(OutcomeSuccess)
	if commit != 0 {
		resolveWaiters(released, commit)
		l.publishCommit(term, commit)
	}
	if more || commit != 0 {
		l.TriggerAsyncReplication()
	}
}

// updateCommitIndexLocked recomputes the commit index of a leader from the acknowledgements. It returns the released
// waiters and the new commit index, or 0 if the commit index did not move.
//
// Only an entry of the current term is committed by counting acknowledgements. Entries of previous terms are
// committed along with it.
func (l *Log) updateCommitIndexLocked() ([]*waiter, replog.LogIndex) {
	leader, ok := l.role.(*leaderRole)
	if !ok {
		return nil, 0
	}

	candidate := quorumIndex(leader.acknowledgements(l.persisted.Index), leader.config.WriteConcern)
	if candidate <= l.commit {
		return nil, 0
	}
	term, err := l.termAtLocked(candidate)
	if err != nil {
		l.logger.Error("Failed to read term of commit candidate", zap.Uint64("index", uint64(candidate)), zap.Error(err))
		return nil, 0
	}
	if term != l.term {
		return nil, 0
	}

	released := l.advanceCommitLocked(candidate)
	l.evictLocked()
	l.logger.Debug("Commit index advanced", zap.Uint64("commit", uint64(candidate)))
	return released, candidate
}
