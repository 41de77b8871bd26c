package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-command-gateway/internal/client"
)

// GRPCServer serves grpc_health_v1 and server reflection. The health status
// of ServiceName flips to SERVING once the store is ready.
type GRPCServer struct {
	*grpc.Server
	health      *health.Server
	serviceName string
}

// NewGRPCServer creates the gRPC server with an access-logging interceptor.
// Every service starts NOT_SERVING.
func NewGRPCServer(serviceName string, logger zerolog.Logger) *GRPCServer {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(accessLog(logger.With().Str("handler", "grpc").Logger())))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{Server: srv, health: hs, serviceName: serviceName}
}

// SetServing marks the server and ServiceName as SERVING.
func (s *GRPCServer) SetServing() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(s.serviceName, healthpb.HealthCheckResponse_SERVING)
}

// Stop reports NOT_SERVING to health watchers and drains in-flight calls.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}

// accessLog logs one line per unary call, attributed to the x-caller header.
func accessLog(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		caller := "unknown"
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(client.CallerHeader); len(v) > 0 {
				caller = v[0]
			}
		}

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("caller", caller).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}
