package replication

import (
	"context"

	"replicated-log/internal/ctxkey"
	"replicated-log/internal/replog"
)

var (
	requestSource = ctxkey.New[string]("requestSource")
	requestSender = ctxkey.New[replog.ParticipantID]("requestSender")
)

// SetRequestSource records the network address a request was received from.
func SetRequestSource(ctx context.Context, addr string) context.Context {
	return requestSource.With(ctx, addr)
}

func GetRequestSource(ctx context.Context) (string, bool) {
	return requestSource.From(ctx)
}

// SetRequestSender records the participant that sent a request. The leader sets it on outgoing calls, transports
// carry it to the receiving side.
func SetRequestSender(ctx context.Context, id replog.ParticipantID) context.Context {
	return requestSender.With(ctx, id)
}

func GetRequestSender(ctx context.Context) (replog.ParticipantID, bool) {
	return requestSender.From(ctx)
}
