package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/replication"
)

const (
	// DefaultAttemptTimeout bounds a single RPC attempt
	DefaultAttemptTimeout = 500 * time.Millisecond
	// DefaultMaxAttempts is the number of attempts per call. The leader retries failed calls on its own, so
	// the transport only hides short blips.
	DefaultMaxAttempts = 3
	// DefaultBackoffBase is the base of the linear backoff between attempts
	DefaultBackoffBase = 10 * time.Millisecond
	// DefaultMaxBackoff caps the backoff between attempts
	DefaultMaxBackoff = 100 * time.Millisecond
)

// MetricsCollector records the outcome of every RPC attempt.
type MetricsCollector interface {
	RecordRPC(method string, code string, latency time.Duration)
	RecordRPCRetry(method string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRPC(string, string, time.Duration) {}
func (noopMetrics) RecordRPCRetry(string)                   {}

type Options struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	MaxBackoff     time.Duration
	Metrics        MetricsCollector
	Logger         *zap.Logger
	// DialOptions are appended to the defaults (insecure credentials)
	DialOptions []grpc.DialOption
}

func (o *Options) setDefaults() {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// GRPCTransport sends AppendEntries requests to other participants over gRPC. Participants are addressed by id, the
// "replog" resolver maps ids to addresses.
type GRPCTransport struct {
	// map[replog.ParticipantID]*grpc.ClientConn
	conns  *sync.Map
	opts   Options
	logger *zap.Logger
}

// NewGRPCTransport creates a transport with a channel to every participant in peers (id -> address).
func NewGRPCTransport(peers map[replog.ParticipantID]string, opts Options) (*GRPCTransport, error) {
	opts.setDefaults()
	t := &GRPCTransport{
		conns:  &sync.Map{},
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "transport")),
	}

	var errs error
	for id, addr := range peers {
		errs = multierr.Append(errs, t.AddPeer(id, addr))
	}
	if errs != nil {
		return nil, multierr.Append(errs, t.Close())
	}
	return t, nil
}

// AddPeer registers the address of a participant and opens a channel to it. Calling it for a known participant only
// updates the address.
func (t *GRPCTransport) AddPeer(id replog.ParticipantID, addr string) error {
	RegisterPeer(id, addr)
	if _, ok := t.conns.Load(id); ok {
		return nil
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, t.opts.DialOptions...)
	conn, err := grpc.NewClient(target(id), dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to create a gRPC channel to participant %s: %w", id, err)
	}
	if _, loaded := t.conns.LoadOrStore(id, conn); loaded {
		return conn.Close()
	}
	return nil
}

// RemovePeer closes the channel to a participant.
func (t *GRPCTransport) RemovePeer(id replog.ParticipantID) error {
	value, ok := t.conns.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return value.(*grpc.ClientConn).Close()
}

func (t *GRPCTransport) getClientConn(id replog.ParticipantID) (*grpc.ClientConn, error) {
	value, ok := t.conns.Load(id)
	if !ok {
		return nil, fmt.Errorf("no channel to participant %s", id)
	}
	return value.(*grpc.ClientConn), nil
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, to replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	conn, err := t.getClientConn(to)
	if err != nil {
		return nil, err
	}

	md := []string{requestIDKey, uuid.NewString()}
	if sender, ok := replication.GetRequestSender(ctx); ok {
		md = append(md, senderKey, string(sender))
	}
	ctx = metadata.AppendToOutgoingContext(ctx, md...)

	var lastErr error
	for attempt := 0; attempt < t.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			t.opts.Metrics.RecordRPCRetry(appendEntriesMethod)
			if err := t.sleep(ctx, attempt); err != nil {
				return nil, fmt.Errorf("AppendEntries to %s cancelled: %w", to, err)
			}
		}

		res := new(replog.AppendEntriesResult)
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, t.opts.AttemptTimeout)
		lastErr = conn.Invoke(attemptCtx, appendEntriesMethod, req, res, grpc.CallContentSubtype(CodecName))
		cancel()
		t.opts.Metrics.RecordRPC(appendEntriesMethod, status.Code(lastErr).String(), time.Since(start))

		if lastErr == nil {
			if attempt > 0 {
				t.logger.Debug("AppendEntries succeeded after retries",
					zap.String("to", string(to)), zap.Int("attempts", attempt+1))
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("AppendEntries to %s cancelled: %w", to, ctx.Err())
		}
		if !retryable(lastErr) {
			break
		}
	}

	t.logger.Debug("AppendEntries failed",
		zap.String("to", string(to)),
		zap.Uint64("log_id", uint64(req.LogID)),
		zap.Error(lastErr))
	return nil, fmt.Errorf("AppendEntries to %s failed: %w", to, lastErr)
}

// sleep waits for the linear backoff of attempt, or until ctx is done.
func (t *GRPCTransport) sleep(ctx context.Context, attempt int) error {
	backoff := t.opts.BackoffBase * time.Duration(attempt)
	if backoff > t.opts.MaxBackoff {
		backoff = t.opts.MaxBackoff
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Close closes the channels to all participants.
func (t *GRPCTransport) Close() error {
	var errs error
	t.conns.Range(func(key, value any) bool {
		t.conns.Delete(key)
		if err := value.(*grpc.ClientConn).Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("closing channel to %s: %w", key, err))
		}
		return true
	})
	return errs
}
