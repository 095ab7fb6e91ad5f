package replication

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"replicated-log/internal/replog"
)

var errEmptyResult = errors.New("transport returned neither a result nor an error")

// AppendEntries handles a request of the leader. A request that cannot be applied because of a stale term or a gap
// in the log is rejected with Success false. An error is returned only if the follower failed locally, for example
// to persist the entries, in which case the leader retries later.
func (l *Log) AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	log := l.logger.With(
		zap.String("leader", string(req.LeaderID)),
		zap.Uint64("leader_term", uint64(req.LeaderTerm)),
		zap.Uint64("message_id", req.MessageID),
	)
	if src, ok := GetRequestSource(ctx); ok {
		log = log.With(zap.String("source", src))
	}
	if sender, ok := GetRequestSender(ctx); ok && sender != req.LeaderID {
		log.Warn("Request relayed by a participant other than its leader", zap.String("sender", string(sender)))
	}

	res, released, commit, changed, err := l.appendEntries(req, log)
	if err != nil {
		l.metrics.RecordAppendEntriesReceived(false)
		return nil, err
	}
	l.metrics.RecordAppendEntriesReceived(res.Success)
	res.MessageID = req.MessageID

	if changed {
		l.logger.Info("Following leader", zap.String("leader", string(req.LeaderID)), zap.Uint64("term", uint64(req.LeaderTerm)))
	}
	if commit != 0 {
		resolveWaiters(released, commit)
		l.publishCommit(req.LeaderTerm, commit)
	}
	return res, nil
}

// appendEntries applies req with appendMu held. changed reports a role or term transition.
func (l *Log) appendEntries(req *replog.AppendEntriesRequest, log *zap.Logger) (
	res *replog.AppendEntriesResult,
	released []*waiter,
	commit replog.LogIndex,
	changed bool,
	err error,
) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, nil, 0, false, replog.ErrLogClosed
	}
	if req.LogID != l.id {
		l.mu.Unlock()
		return nil, nil, 0, false, fmt.Errorf("request for log %d delivered to log %d", req.LogID, l.id)
	}

	if req.LeaderTerm < l.term {
		res = l.rejectLocked()
		l.mu.Unlock()
		log.Debug("Rejecting request of a stale leader", zap.Uint64("term", uint64(res.Term)))
		return res, nil, 0, false, nil
	}

	follower, following := l.role.(*followerRole)
	switch {
	case req.LeaderTerm > l.term, l.role.kind() == Uninitialized:
		changed = true
	case !following:
		// Two leaders cannot share a term
		res = l.rejectLocked()
		l.mu.Unlock()
		log.Warn("Rejecting request of another leader in the same term", zap.Stringer("role", l.role.kind()))
		return res, nil, 0, false, nil
	case follower.leaderID == "":
		follower.leaderID = req.LeaderID
	case follower.leaderID != req.LeaderID:
		res = l.rejectLocked()
		l.mu.Unlock()
		log.Warn("Rejecting request of an unexpected leader", zap.String("expected", string(follower.leaderID)))
		return res, nil, 0, false, nil
	}
	l.mu.Unlock()

	if changed {
		if err := l.adoptTerm(req.LeaderTerm, req.LeaderID); err != nil {
			return nil, nil, 0, false, err
		}
	}

	l.mu.Lock()
	last := l.lastLocked()

	// The log must contain the entry preceding the new ones
	if req.PrevLogIndex > last.Index {
		res = l.rejectLocked()
		l.mu.Unlock()
		log.Debug("Rejecting request with a gap", zap.Uint64("prev_index", uint64(req.PrevLogIndex)), zap.Uint64("last", uint64(last.Index)))
		return res, nil, 0, changed, nil
	}
	prevTerm, err := l.termAtLocked(req.PrevLogIndex)
	if err != nil {
		l.mu.Unlock()
		return nil, nil, 0, changed, err
	}
	if prevTerm != req.PrevLogTerm {
		commitIndex := l.commit
		l.mu.Unlock()
		if req.PrevLogIndex <= commitIndex {
			return nil, nil, 0, changed, fmt.Errorf("%w: previous entry %d does not match, commit index %d",
				replog.ErrCommittedTruncation, req.PrevLogIndex, commitIndex)
		}
		log.Info("Previous entry does not match, removing conflicting tail",
			zap.Uint64("prev_index", uint64(req.PrevLogIndex)),
			zap.Uint64("prev_term", uint64(req.PrevLogTerm)),
			zap.Uint64("local_term", uint64(prevTerm)),
		)
		if err := l.truncate(req.PrevLogIndex); err != nil {
			return nil, nil, 0, changed, err
		}
		l.mu.RLock()
		res = l.rejectLocked()
		l.mu.RUnlock()
		return res, nil, 0, changed, nil
	}

	// Skip the entries the log already has, a retransmitted request is a no-op
	var (
		toAppend   []replog.LogEntry
		truncateAt replog.LogIndex
	)
	for i, e := range req.Entries {
		if e.Index != req.PrevLogIndex+1+replog.LogIndex(i) {
			l.mu.Unlock()
			return nil, nil, 0, changed, fmt.Errorf("malformed request: entry %d at position %d after previous index %d", e.Index, i, req.PrevLogIndex)
		}
		if e.Index > last.Index {
			toAppend = req.Entries[i:]
			break
		}
		term, err := l.termAtLocked(e.Index)
		if err != nil {
			l.mu.Unlock()
			return nil, nil, 0, changed, err
		}
		if term != e.Term {
			truncateAt = e.Index
			toAppend = req.Entries[i:]
			break
		}
	}
	commitBefore := l.commit
	l.mu.Unlock()

	if truncateAt != 0 {
		if truncateAt <= commitBefore {
			return nil, nil, 0, changed, fmt.Errorf("%w: entry %d, commit index %d", replog.ErrCommittedTruncation, truncateAt, commitBefore)
		}
		log.Info("Removing conflicting entries", zap.Uint64("from", uint64(truncateAt)))
		if err := l.truncate(truncateAt); err != nil {
			return nil, nil, 0, changed, err
		}
	}

	if len(toAppend) > 0 {
		if err := l.storage.Insert(replog.NewSliceIterator(toAppend)); err != nil {
			l.metrics.RecordPersistenceError("insert")
			log.Error("Failed to persist replicated entries", zap.Error(err))
			return nil, nil, 0, changed, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range toAppend {
		l.tail.append(e)
	}
	if len(toAppend) > 0 {
		l.persisted = toAppend[len(toAppend)-1].TermIndexPair()
	}

	if target := min(req.LeaderCommit, req.LastIndex()); target > l.commit {
		released = l.advanceCommitLocked(target)
		commit = target
		l.evictLocked()
	}

	return &replog.AppendEntriesResult{
		Success:   true,
		Term:      l.term,
		LastIndex: req.LastIndex(),
	}, released, commit, changed, nil
}

// adoptTerm switches to follower of leader in term, persisting the term first. Must be called with appendMu held.
func (l *Log) adoptTerm(term replog.LogTerm, leader replog.ParticipantID) error {
	if err := l.storage.SetCurrentTerm(term); err != nil {
		l.metrics.RecordPersistenceError("set_term")
		return err
	}
	l.mu.Lock()
	failed := l.transitionLocked(term, &followerRole{leaderID: leader})
	l.mu.Unlock()

	l.afterTransition(failed, Follower, term, leader)
	return nil
}

// truncate removes the entries with index >= from from storage and memory. Must be called with appendMu held.
func (l *Log) truncate(from replog.LogIndex) error {
	if err := l.storage.RemoveFrom(from); err != nil {
		l.metrics.RecordPersistenceError("remove")
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.tail.truncateFrom(from)
	if from <= l.persisted.Index {
		if from <= 1 {
			l.persisted = replog.TermIndexPair{}
		} else {
			term, err := l.termAtLocked(from - 1)
			if err != nil {
				return err
			}
			l.persisted = replog.TermIndexPair{Term: term, Index: from - 1}
		}
	}
	return nil
}

func (l *Log) rejectLocked() *replog.AppendEntriesResult {
	return &replog.AppendEntriesResult{
		Success:   false,
		Term:      l.term,
		LastIndex: l.lastLocked().Index,
	}
}
