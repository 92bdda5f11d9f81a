package health

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker queries the standard gRPC health service
type GRPCChecker struct {
	// Address is the host:port of the gRPC server
	Address string

	// Service is the service name to ask about; empty means the whole server
	Service string
}

// NewGRPCChecker creates a new gRPC health checker
func NewGRPCChecker(address, service string) *GRPCChecker {
	return &GRPCChecker{Address: address, Service: service}
}

// Check performs the gRPC health check
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()
	fail := func(format string, args ...any) Result {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	conn, err := grpc.NewClient(g.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fail("invalid target: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return fail("health rpc failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fail("service %q is %s", g.Service, resp.GetStatus())
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s serving", g.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}
