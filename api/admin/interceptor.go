package admin

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	internaltelemetry "github.com/sushant-115/gojodtx/internal/telemetry"
)

// MetricsInterceptor records every admin RPC per method.
func MetricsInterceptor(m *internaltelemetry.AdminRPCMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		done := m.Begin(ctx, info.FullMethod)
		resp, err := handler(ctx, req)
		done(status.Code(err).String())
		return resp, err
	}
}

// LoggingInterceptor logs failed admin RPCs at warn and the rest at debug.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("admin.rpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.Stringer("code", status.Code(err)),
		}
		if err != nil {
			logger.Warn("admin rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("admin rpc", fields...)
		}
		return resp, err
	}
}

// ServerOptions chains the admin interceptors.
func ServerOptions(logger *zap.Logger, m *internaltelemetry.AdminRPCMetrics) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(MetricsInterceptor(m), LoggingInterceptor(logger)),
	}
}
