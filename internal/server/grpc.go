package server

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"fidc-session-auth/backend/internal/logging"
)

// NewGRPCServer returns a gRPC server instrumented with OpenTelemetry and guarded against handler panics.
// Services are registered with RegisterServices.
func NewGRPCServer(logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(recoverUnary(logging.OrDiscard(logger))),
	)
}

// RegisterServices registers the gRPC services with s.
//
// Service → implementation:
//   - grpc.health.v1.Health → grpc/health, kept in sync by health.Checker.Mirror
func RegisterServices(s grpc.ServiceRegistrar, hs *grpchealth.Server) {
	healthpb.RegisterHealthServer(s, hs)
}

func recoverUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "grpc panic recovered", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
