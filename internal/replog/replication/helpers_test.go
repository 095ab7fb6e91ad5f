package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/mocks"
	"replicated-log/internal/replog/storage"
)

const (
	testLogID   replog.LogID = 7
	waitTimeout              = 2 * time.Second
	pollEvery                = 5 * time.Millisecond
)

var errUnreachable = errors.New("participant unreachable")

func newTestLog(t *testing.T, self replog.ParticipantID, persisted storage.PersistedLog, transport Transport, opts Options) *Log {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	l, err := NewLog(self, persisted, transport, opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newMemoryLog(t *testing.T, self replog.ParticipantID, transport Transport) (*Log, *mocks.MockPersistedLog) {
	t.Helper()
	persisted := mocks.NewMockPersistedLog(testLogID)
	return newTestLog(t, self, persisted, transport, Options{}), persisted
}

func entry(term replog.LogTerm, index replog.LogIndex, payload string) replog.LogEntry {
	return replog.LogEntry{Term: term, Index: index, Payload: replog.LogPayload(payload)}
}

func readAll(t *testing.T, l *Log, from replog.LogIndex) []replog.LogEntry {
	t.Helper()
	it, err := l.Read(from)
	require.NoError(t, err)
	entries, err := replog.Collect(it)
	require.NoError(t, err)
	return entries
}

func payloads(entries []replog.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Payload))
	}
	return out
}

// directTransport delivers requests synchronously to the target log. Participants marked unreachable fail.
type directTransport struct {
	mu          sync.RWMutex
	targets     map[replog.ParticipantID]*Log
	unreachable map[replog.ParticipantID]bool
}

func newDirectTransport() *directTransport {
	return &directTransport{
		targets:     make(map[replog.ParticipantID]*Log),
		unreachable: make(map[replog.ParticipantID]bool),
	}
}

func (d *directTransport) register(l *Log) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets[l.Participant()] = l
}

func (d *directTransport) setReachable(id replog.ParticipantID, reachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreachable[id] = !reachable
}

func (d *directTransport) AppendEntries(ctx context.Context, to replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	d.mu.RLock()
	target, ok := d.targets[to]
	down := d.unreachable[to]
	d.mu.RUnlock()
	if !ok || down {
		return nil, errUnreachable
	}
	return target.AppendEntries(ctx, req)
}

type delayedResult struct {
	res *replog.AppendEntriesResult
	err error
}

type delayedRequest struct {
	to   replog.ParticipantID
	req  *replog.AppendEntriesRequest
	done chan delayedResult
}

// delayedTransport queues requests until runAsyncAppendEntries delivers them.
type delayedTransport struct {
	mu      sync.Mutex
	targets map[replog.ParticipantID]*Log
	pending []*delayedRequest
}

func newDelayedTransport() *delayedTransport {
	return &delayedTransport{targets: make(map[replog.ParticipantID]*Log)}
}

func (d *delayedTransport) register(l *Log) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets[l.Participant()] = l
}

func (d *delayedTransport) AppendEntries(ctx context.Context, to replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	r := &delayedRequest{to: to, req: req, done: make(chan delayedResult, 1)}
	d.mu.Lock()
	d.pending = append(d.pending, r)
	d.mu.Unlock()

	select {
	case out := <-r.done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *delayedTransport) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// runAsyncAppendEntries delivers every queued request and returns how many were delivered.
func (d *delayedTransport) runAsyncAppendEntries() int {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	targets := d.targets
	d.mu.Unlock()

	for _, r := range batch {
		res, err := targets[r.to].AppendEntries(context.Background(), r.req)
		r.done <- delayedResult{res: res, err: err}
	}
	return len(batch)
}

func (d *delayedTransport) waitPending(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return d.pendingCount() > 0 }, waitTimeout, pollEvery)
}

func waitCommit(t *testing.T, l *Log, index replog.LogIndex) {
	t.Helper()
	require.Eventually(t, func() bool { return l.CommitIndex() >= index }, waitTimeout, pollEvery,
		"participant %s did not reach commit index %d", l.Participant(), index)
}

func waitPersisted(t *testing.T, l *Log, index replog.LogIndex) {
	t.Helper()
	require.Eventually(t, func() bool { return l.Status().PersistedIndex >= index }, waitTimeout, pollEvery)
}
