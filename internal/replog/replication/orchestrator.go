package replication

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"replicated-log/internal/pubsub"
	"replicated-log/internal/replog"
)

// Backoff is a linear backoff between replication retries, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used when an Orchestrator is created with a zero Backoff
var DefaultBackoff = Backoff{Base: 50 * time.Millisecond, Max: time.Second}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base * time.Duration(attempt)
	if d > b.Max {
		return b.Max
	}
	return d
}

// Orchestrator drives the replication of a leader: it re-issues replication after rejected or failed requests, with
// a backoff for failures. The Log itself never retries. It should be run as a goroutine and exits when the log is
// closed.
type Orchestrator struct {
	// Continuity rejections are retried right away, the leader already moved nextIndex
	rejectedChan chan *pubsub.Event[ReplicationEvent]
	// Delivery failures are retried after a backoff
	failedChan chan *pubsub.Event[ReplicationEvent]
	// Any commit progress resets the backoff
	commitChan chan *pubsub.Event[CommitEvent]
	// Closed once, when the log is closed
	closedChan chan *pubsub.Event[ClosedEvent]

	pubSub *pubsub.PubSubClient
	log    *Log

	backoff Backoff
	clock   clock.Clock
	logger  *zap.Logger

	subscriptions map[pubsub.EventType]pubsub.SubscriberID

	mu       sync.Mutex
	attempts map[replog.ParticipantID]int
	timer    *clock.Timer
}

func NewOrchestrator(log *Log, backoff Backoff, clk clock.Clock) *Orchestrator {
	if backoff.Base <= 0 {
		backoff = DefaultBackoff
	}
	if clk == nil {
		clk = clock.New()
	}

	o := &Orchestrator{
		rejectedChan: make(chan *pubsub.Event[ReplicationEvent], 16),
		failedChan:   make(chan *pubsub.Event[ReplicationEvent], 16),
		commitChan:   make(chan *pubsub.Event[CommitEvent], 1),
		closedChan:   make(chan *pubsub.Event[ClosedEvent], 1),
		pubSub:       log.PubSub(),
		log:          log,
		backoff:      backoff,
		clock:        clk,
		logger:       log.logger.Named("orchestrator"),
		attempts:     make(map[replog.ParticipantID]int),
	}

	opts := pubsub.SubscriptionOptions{IsBlocking: false}
	o.subscriptions = map[pubsub.EventType]pubsub.SubscriberID{
		ReplicationRejected: pubsub.Subscribe(o.pubSub, ReplicationRejected, o.rejectedChan, opts),
		ReplicationFailed:   pubsub.Subscribe(o.pubSub, ReplicationFailed, o.failedChan, opts),
		CommitIndexAdvanced: pubsub.Subscribe(o.pubSub, CommitIndexAdvanced, o.commitChan, opts),
		LogClosed:           pubsub.Subscribe(o.pubSub, LogClosed, o.closedChan, opts),
	}

	return o
}

// Run runs the Orchestrator until the log is closed.
func (o *Orchestrator) Run() {
	for {
		select {
		case ev := <-o.rejectedChan:
			if ev.Payload.LogID != o.log.ID() {
				continue
			}
			o.log.TriggerAsyncReplication()
		case ev := <-o.failedChan:
			if ev.Payload.LogID != o.log.ID() {
				continue
			}
			o.scheduleRetry(ev.Payload.Follower)
		case ev := <-o.commitChan:
			if ev.Payload.LogID != o.log.ID() {
				continue
			}
			o.mu.Lock()
			clear(o.attempts)
			o.mu.Unlock()
		case <-o.closedChan:
			o.mu.Lock()
			if o.timer != nil {
				o.timer.Stop()
			}
			o.mu.Unlock()
			for eventType, id := range o.subscriptions {
				o.pubSub.Unsubscribe(eventType, id)
			}
			o.logger.Debug("Stopping orchestrator")
			return
		}
	}
}

// scheduleRetry re-triggers replication after a backoff. Retries are coalesced, one pending timer serves every
// follower.
func (o *Orchestrator) scheduleRetry(follower replog.ParticipantID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.attempts[follower]++
	delay := o.backoff.delay(o.attempts[follower])
	if o.timer != nil {
		return
	}
	o.logger.Debug("Scheduling replication retry",
		zap.String("follower", string(follower)),
		zap.Int("attempt", o.attempts[follower]),
		zap.Duration("delay", delay),
	)
	o.timer = o.clock.AfterFunc(delay, func() {
		o.mu.Lock()
		o.timer = nil
		o.mu.Unlock()
		o.log.TriggerAsyncReplication()
	})
}
