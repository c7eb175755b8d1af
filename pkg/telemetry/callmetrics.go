package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cryosec/keybroker/pkg/security"
)

// CodeLabel maps a result code to its metric label; the empty success code
// becomes "ok".
func CodeLabel(code security.Code) string {
	if code == "" {
		return "ok"
	}
	return string(code)
}

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	callCounter          metric.Int64Counter
	callFailureCounter   metric.Int64Counter
	callLatencyHistogram metric.Float64Histogram
)

// RecordCall emits OpenTelemetry counters and a latency histogram for one
// completed service call.
func RecordCall(ctx context.Context, op string, code security.Code, elapsed time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("keybroker.operation", op),
		attribute.String("keybroker.code", CodeLabel(code)),
	}

	callCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if elapsed > 0 {
		callLatencyHistogram.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if code != "" {
		callFailureCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("keybroker.broker")

		callCounter, metricsInitErr = meter.Int64Counter(
			"keybroker.calls_total",
			metric.WithDescription("Service calls partitioned by operation and result code"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		callFailureCounter, metricsInitErr = meter.Int64Counter(
			"keybroker.call_failures_total",
			metric.WithDescription("Failed service calls partitioned by operation and result code"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		callLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"keybroker.call_duration",
			metric.WithDescription("Service call latency"),
			metric.WithUnit("ms"),
		)
	})
	return metricsInitErr
}
