package internaltelemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// mutatingMethods change node or cluster state.
var mutatingMethods = map[string]bool{
	"Submit":  true,
	"Restart": true,
	"Join":    true,
	"Leave":   true,
}

// AdminRPCMetrics records admin RPC traffic per method.
type AdminRPCMetrics struct {
	calls    metric.Int64Counter       // by method and status code
	duration metric.Float64Histogram   // by method and status code
	inFlight metric.Int64UpDownCounter // by method
}

func NewAdminRPCMetrics(meter metric.Meter) (*AdminRPCMetrics, error) {
	calls, err := meter.Int64Counter(
		"gojodtx.admin.rpc.calls_total",
		metric.WithDescription("Admin RPCs completed, by method and status code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"gojodtx.admin.rpc.duration",
		metric.WithDescription("Admin RPC latency, by method and status code."),
		metric.WithUnit("s"),
		// Submit can block up to the transaction timeout.
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(
		"gojodtx.admin.rpc.in_flight",
		metric.WithDescription("Admin RPCs being served, by method."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &AdminRPCMetrics{calls: calls, duration: duration, inFlight: inFlight}, nil
}

// MethodAttrs splits a full gRPC method name such as
// "/gojodtx.admin.v1.Admin/Submit" into the attributes recorded for it.
func MethodAttrs(fullMethod string) []attribute.KeyValue {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok {
		service, method = "unknown", fullMethod
	}
	return []attribute.KeyValue{
		attribute.String("rpc.service", service),
		attribute.String("rpc.method", method),
		attribute.Bool("rpc.mutating", mutatingMethods[method]),
	}
}

// Begin counts an RPC as in flight. The returned func records its
// completion with the gRPC status code name.
func (m *AdminRPCMetrics) Begin(ctx context.Context, fullMethod string) func(code string) {
	attrs := MethodAttrs(fullMethod)
	running := metric.WithAttributes(attrs...)
	m.inFlight.Add(ctx, 1, running)
	start := time.Now()
	return func(code string) {
		m.inFlight.Add(ctx, -1, running)
		done := metric.WithAttributes(append(attrs, attribute.String("rpc.grpc.status_code", code))...)
		m.calls.Add(ctx, 1, done)
		m.duration.Record(ctx, time.Since(start).Seconds(), done)
	}
}
