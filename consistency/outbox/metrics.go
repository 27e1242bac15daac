package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/LerianStudio/lib-consistency/consistency/outbox"

type relayMetrics struct {
	claimed           metric.Int64Counter
	dispatched        metric.Int64Counter
	failed            metric.Int64Counter
	deadLettered      metric.Int64Counter
	leaseLost         metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	batchSize         metric.Int64Histogram
}

func newRelayMetrics(provider metric.MeterProvider) (*relayMetrics, error) {
	meter := provider.Meter(meterName)

	claimed, err := meter.Int64Counter(
		"outbox.relay.claimed.total",
		metric.WithDescription("Number of outbox records claimed for dispatch"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create claimed counter: %w", err)
	}

	dispatched, err := meter.Int64Counter(
		"outbox.relay.dispatched.total",
		metric.WithDescription("Number of outbox records dispatched successfully"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatched counter: %w", err)
	}

	failed, err := meter.Int64Counter(
		"outbox.relay.failed.total",
		metric.WithDescription("Number of outbox records rescheduled after a publish failure"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create failed counter: %w", err)
	}

	deadLettered, err := meter.Int64Counter(
		"outbox.relay.dead_lettered.total",
		metric.WithDescription("Number of outbox records moved to the dead letter queue"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dead_lettered counter: %w", err)
	}

	leaseLost, err := meter.Int64Counter(
		"outbox.relay.lease_lost.total",
		metric.WithDescription("Number of claimed records skipped because their lease was taken over"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lease_lost counter: %w", err)
	}

	stateUpdateFailed, err := meter.Int64Counter(
		"outbox.relay.state_update_failed.total",
		metric.WithDescription("Number of status updates that failed after a publish outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create state_update_failed counter: %w", err)
	}

	cycleDuration, err := meter.Float64Histogram(
		"outbox.relay.cycle.duration",
		metric.WithDescription("Duration of a relay dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycle duration histogram: %w", err)
	}

	batchSize, err := meter.Int64Histogram(
		"outbox.relay.batch.size",
		metric.WithDescription("Number of records claimed per cycle"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch size histogram: %w", err)
	}

	return &relayMetrics{
		claimed:           claimed,
		dispatched:        dispatched,
		failed:            failed,
		deadLettered:      deadLettered,
		leaseLost:         leaseLost,
		stateUpdateFailed: stateUpdateFailed,
		cycleDuration:     cycleDuration,
		batchSize:         batchSize,
	}, nil
}

func (metrics *relayMetrics) recordCycle(ctx context.Context, relayID string, result DispatchOnceResult, seconds float64) {
	relayAttr := metric.WithAttributes(attribute.String("relay_id", relayID))

	metrics.claimed.Add(ctx, int64(result.Claimed), relayAttr)
	metrics.dispatched.Add(ctx, int64(result.Dispatched), relayAttr)
	metrics.failed.Add(ctx, int64(result.Failed), relayAttr)
	metrics.deadLettered.Add(ctx, int64(result.DeadLettered), relayAttr)
	metrics.leaseLost.Add(ctx, int64(result.LeaseLost), relayAttr)
	metrics.stateUpdateFailed.Add(ctx, int64(result.StateUpdateFailed), relayAttr)
	metrics.cycleDuration.Record(ctx, seconds, relayAttr)
	metrics.batchSize.Record(ctx, int64(result.Claimed), relayAttr)
}
