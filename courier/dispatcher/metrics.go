package dispatcher

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	delivered      metric.Int64Counter
	retried        metric.Int64Counter
	deadLettered   metric.Int64Counter
	lockContention metric.Int64Counter
	recovered      metric.Int64Counter
	cycleDuration  metric.Float64Histogram
	activeUsers    metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.dispatcher")

	var (
		m   dispatcherMetrics
		err error
	)

	if m.delivered, err = meter.Int64Counter(
		"courier.dispatch.delivered",
		metric.WithDescription("Number of queue items accepted by the transport"),
		metric.WithUnit("{item}"),
	); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatch.delivered counter: %w", err)
	}

	if m.retried, err = meter.Int64Counter(
		"courier.dispatch.failed",
		metric.WithDescription("Number of transient delivery failures requeued for retry"),
		metric.WithUnit("{item}"),
	); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatch.failed counter: %w", err)
	}

	if m.deadLettered, err = meter.Int64Counter(
		"courier.dispatch.dead_lettered",
		metric.WithDescription("Number of queue items moved to a dead-letter list"),
		metric.WithUnit("{item}"),
	); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatch.dead_lettered counter: %w", err)
	}

	if m.lockContention, err = meter.Int64Counter(
		"courier.dispatch.lock_contention",
		metric.WithDescription("Number of users skipped because another worker held the lock"),
		metric.WithUnit("{user}"),
	); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatch.lock_contention counter: %w", err)
	}

	if m.recovered, err = meter.Int64Counter(
		"courier.dispatch.recovered_users",
		metric.WithDescription("Number of users re-added to the active set by startup recovery"),
		metric.WithUnit("{user}"),
	); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatch.recovered_users counter: %w", err)
	}

	if m.cycleDuration, err = meter.Float64Histogram(
		"courier.dispatch.cycle.duration",
		metric.WithDescription("Time taken per scan cycle"),
		metric.WithUnit("s"),
	); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatch.cycle.duration histogram: %w", err)
	}

	if m.activeUsers, err = meter.Int64Gauge(
		"courier.dispatch.active_users",
		metric.WithDescription("Number of users in the active set at the start of a cycle"),
		metric.WithUnit("{user}"),
	); err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatch.active_users gauge: %w", err)
	}

	return m, nil
}
