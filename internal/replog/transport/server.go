package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/replication"
)

// requestIDKey is the gRPC metadata key carrying the id of a single transport call, for correlating log lines of
// both sides.
const requestIDKey = "x-replog-request-id"

// senderKey carries the participant id of the caller.
const senderKey = "x-replog-sender"

// Follower is the part of a log the server needs.
type Follower interface {
	ID() replog.LogID
	AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error)
}

// Server routes incoming AppendEntries requests to the log they are addressed to. One Server serves every log of a
// participant.
type Server struct {
	mu     sync.RWMutex
	logs   map[replog.LogID]Follower
	logger *zap.Logger
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logs:   make(map[replog.LogID]Follower),
		logger: logger.With(zap.String("component", "transport-server")),
	}
}

// Add makes l reachable. A log added twice replaces the previous registration.
func (s *Server) Add(l Follower) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[l.ID()] = l
}

func (s *Server) Remove(id replog.LogID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, id)
}

func (s *Server) lookup(id replog.LogID) (Follower, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[id]
	return l, ok
}

func (s *Server) AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	l, ok := s.lookup(req.LogID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "log %d is not served by this participant", req.LogID)
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ctx = replication.SetRequestSource(ctx, p.Addr.String())
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if senders := md.Get(senderKey); len(senders) > 0 {
			ctx = replication.SetRequestSender(ctx, replog.ParticipantID(senders[0]))
		}
		if ids := md.Get(requestIDKey); len(ids) > 0 {
			s.logger.Debug("AppendEntries received",
				zap.String("request_id", ids[0]),
				zap.Uint64("log_id", uint64(req.LogID)),
				zap.String("leader", string(req.LeaderID)))
		}
	}

	res, err := l.AppendEntries(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

// toStatus maps the errors of a log to gRPC status codes. Only Unavailable is retried by GRPCTransport.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, replog.ErrLogClosed):
		code = codes.Unavailable
	case errors.Is(err, replog.ErrCommittedTruncation):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case replog.IsPersistenceError(err):
		code = codes.Internal
	default:
		code = codes.InvalidArgument
	}
	return status.Error(code, err.Error())
}
