package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// CallerHeader names the calling binary on outgoing gRPC requests so the
// server's access log can attribute them.
const CallerHeader = "x-caller"

// withCaller returns a unary client interceptor that propagates incoming
// request metadata and stamps the caller name on every outgoing call.
func withCaller(name string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = metadata.NewOutgoingContext(ctx, md)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, CallerHeader, name)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
