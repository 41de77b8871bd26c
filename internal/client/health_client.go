package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthClient probes a gateway's gRPC health endpoint. The standalone
// worker uses it to wait until the server has applied the schema.
type HealthClient struct {
	client healthpb.HealthClient
	conn   *grpc.ClientConn
}

// NewHealthClient creates a client for addr. The connection is established
// lazily on the first call.
func NewHealthClient(addr, caller string) (*HealthClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(withCaller(caller)),
	)
	if err != nil {
		return nil, err
	}
	return &HealthClient{
		client: healthpb.NewHealthClient(conn),
		conn:   conn,
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *HealthClient) Close() error {
	return c.conn.Close()
}

// Check reports whether service is SERVING. An empty service asks about the
// server as a whole.
func (c *HealthClient) Check(ctx context.Context, service string) (bool, error) {
	resp, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// WaitServing polls Check every interval until the service is SERVING or ctx
// ends.
func (c *HealthClient) WaitServing(ctx context.Context, service string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := c.Check(ctx, service)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("wait for %q: %w (last error: %v)", service, ctx.Err(), err)
			}
			return fmt.Errorf("wait for %q: %w", service, ctx.Err())
		case <-ticker.C:
		}
	}
}
