package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fieldkit/mcpcore/internal/telemetry"

// Metrics instruments the dispatcher (protocol.Metrics), re-keyed from the
// teacher's per-tool-name instrumentation to per-JSON-RPC-method: every
// dispatched call — not only tools/call — gets an invocation count, a
// duration histogram, an error count, and an active-request gauge.
// Grounded on internal/mcp/metrics.go, which this package supersedes.
type Metrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	invocations    metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
}

// NewMetrics creates a Metrics instance bound to the global OTEL meter
// provider. logger is used only to warn if instrument creation fails; nil
// defaults to a no-op logger.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.invocations, err = m.meter.Int64Counter(
		"mcpcore.dispatch.invocations_total",
		metric.WithDescription("Total number of JSON-RPC method invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"mcpcore.dispatch.duration_seconds",
		metric.WithDescription("Duration of JSON-RPC method invocations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"mcpcore.dispatch.errors_total",
		metric.WithDescription("Total number of JSON-RPC method invocation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"mcpcore.dispatch.active_requests",
		metric.WithDescription("Number of currently active JSON-RPC method invocations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// RecordInvocation records one dispatched method's count, duration, and
// (if non-nil) error outcome. Implements protocol.Metrics.
func (m *Metrics) RecordInvocation(ctx context.Context, method string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("method", method)}

	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		errorAttrs := append(attrs, attribute.String("reason", categorizeError(err)))
		m.errors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// IncrementActive increments the active-invocation gauge for method.
// Implements protocol.Metrics.
func (m *Metrics) IncrementActive(ctx context.Context, method string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
	}
}

// DecrementActive decrements the active-invocation gauge for method.
// Implements protocol.Metrics.
func (m *Metrics) DecrementActive(ctx context.Context, method string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, -1, metric.WithAttributes(attribute.String("method", method)))
	}
}

// categorizeError buckets a handler error into a coarse reason label,
// generalized from the teacher's domain-specific buckets (tenant,
// vectorstore/embedding) to this core's storage/protocol vocabulary
// (spec.md §4.A's error taxonomy).
func categorizeError(err error) string {
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "not found"):
		return "not_found"
	case strings.Contains(errStr, "concurrent") || strings.Contains(errStr, "conflict"):
		return "concurrent_modification"
	case strings.Contains(errStr, "invalid transition"):
		return "invalid_transition"
	case strings.Contains(errStr, "validation") || strings.Contains(errStr, "invalid"):
		return "validation_error"
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "permission") || strings.Contains(errStr, "unauthorized"):
		return "auth_error"
	default:
		return "internal_error"
	}
}
