package api

import (
	"context"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryInterceptor records metrics and debug logs for every unary call served
// by the named server
func UnaryInterceptor(server string) grpc.UnaryServerInterceptor {
	logger := log.WithComponent("grpc").With().Str("server", server).Logger()

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := shortMethod(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		code := status.Code(err)
		timer.ObserveDurationVec(metrics.RPCDuration, server, method)
		metrics.RPCRequests.WithLabelValues(server, method, code.String()).Inc()

		logger.Debug().
			Str("method", method).
			Str("code", code.String()).
			Dur("duration", timer.Duration()).
			Msg("RPC served")
		return resp, err
	}
}

// shortMethod turns "/grpc.health.v1.Health/Check" into "Health/Check"
func shortMethod(fullMethod string) string {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) != 2 {
		return fullMethod
	}
	service := parts[0]
	if i := strings.LastIndex(service, "."); i >= 0 {
		service = service[i+1:]
	}
	return service + "/" + parts[1]
}
