package runtime

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/LerianStudio/lib-consistency/consistency/runtime"

// PanicMetrics counts recovered panics via OpenTelemetry.
type PanicMetrics struct {
	recovered metric.Int64Counter
}

var (
	panicMetricsInstance *PanicMetrics
	panicMetricsMu       sync.RWMutex
)

// InitPanicMetrics wires panic counting to the given meter provider. It is
// safe to call multiple times; subsequent calls are no-ops. A nil provider
// leaves metrics disabled.
func InitPanicMetrics(provider metric.MeterProvider) error {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	if provider == nil || panicMetricsInstance != nil {
		return nil
	}

	meter := provider.Meter(meterName)

	recovered, err := meter.Int64Counter(
		"runtime.panic.recovered.total",
		metric.WithUnit("1"),
		metric.WithDescription("Total number of recovered panics"),
	)
	if err != nil {
		return err
	}

	panicMetricsInstance = &PanicMetrics{recovered: recovered}

	return nil
}

// GetPanicMetrics returns the singleton PanicMetrics, or nil if
// InitPanicMetrics has not been called.
func GetPanicMetrics() *PanicMetrics {
	panicMetricsMu.RLock()
	defer panicMetricsMu.RUnlock()

	return panicMetricsInstance
}

// ResetPanicMetrics clears the singleton. Intended for tests.
func ResetPanicMetrics() {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	panicMetricsInstance = nil
}

func recordPanicRecovered(ctx context.Context, component, goroutineName string) {
	pm := GetPanicMetrics()
	if pm == nil {
		return
	}

	pm.recovered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine_name", goroutineName),
	))
}
