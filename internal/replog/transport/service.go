package transport

import (
	"context"

	"google.golang.org/grpc"

	"replicated-log/internal/replog"
)

const (
	serviceName         = "replog.ReplicatedLog"
	appendEntriesMethod = "/" + serviceName + "/AppendEntries"
)

// Handler serves AppendEntries requests. Server implements it by routing to the addressed log.
type Handler interface {
	AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(replog.AppendEntriesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).AppendEntries(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: appendEntriesMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).AppendEntries(ctx, req.(*replog.AppendEntriesRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc describes the replication service. Messages are encoded by the replog-wire codec, so there is no
// generated protobuf code behind it.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AppendEntries",
			Handler:    appendEntriesHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replog.proto",
}

// Register registers h as the replication service of s.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, h)
}
