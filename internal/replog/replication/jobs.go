package replication

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"replicated-log/internal/pubsub"
)

/*
Background jobs of a Log. Each job subscribes to the LogClosed event when it is created, so that it exits with the log
and no goroutine outlives it.
*/

// HeartbeatJob sends heartbeats every interval while the log is a leader. Heartbeats carry the commit index to the
// followers and repair requests lost by the transport.
type HeartbeatJob struct {
	log      *Log
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	stopJobCh chan *pubsub.Event[ClosedEvent]
	subID     pubsub.SubscriberID
}

func NewHeartbeatJob(log *Log, interval time.Duration, clk clock.Clock) *HeartbeatJob {
	if clk == nil {
		clk = clock.New()
	}
	j := &HeartbeatJob{
		log:       log,
		interval:  interval,
		clock:     clk,
		logger:    log.logger.Named("heartbeat"),
		stopJobCh: make(chan *pubsub.Event[ClosedEvent], 1),
	}
	j.subID = pubsub.Subscribe(log.PubSub(), LogClosed, j.stopJobCh, pubsub.SubscriptionOptions{IsBlocking: false})
	return j
}

// Run runs the job until the log is closed. It should be called as a goroutine.
func (j *HeartbeatJob) Run() {
	ticker := j.clock.Ticker(j.interval)
	defer ticker.Stop()

	j.logger.Debug("Started heartbeat job", zap.Duration("interval", j.interval))
	for {
		select {
		case <-ticker.C:
			if j.log.Role() == Leader {
				j.log.SendHeartbeats()
			}
		case <-j.stopJobCh:
			j.log.PubSub().Unsubscribe(LogClosed, j.subID)
			j.logger.Debug("Stopping heartbeat job")
			return
		}
	}
}
