package proactive

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type schedulerMetrics struct {
	scheduled   metric.Int64Counter
	sent        metric.Int64Counter
	skipped     metric.Int64Counter
	revoked     metric.Int64Counter
	rescheduled metric.Int64Counter
}

func newSchedulerMetrics(provider metric.MeterProvider) (schedulerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.proactive")

	var (
		m   schedulerMetrics
		err error
	)

	if m.scheduled, err = meter.Int64Counter("courier.proactive.scheduled",
		metric.WithDescription("Outreach tasks submitted")); err != nil {
		return m, fmt.Errorf("create scheduled counter: %w", err)
	}

	if m.sent, err = meter.Int64Counter("courier.proactive.sent",
		metric.WithDescription("Outreach messages enqueued for delivery")); err != nil {
		return m, fmt.Errorf("create sent counter: %w", err)
	}

	if m.skipped, err = meter.Int64Counter("courier.proactive.skipped",
		metric.WithDescription("Outreach tasks that fired but did nothing")); err != nil {
		return m, fmt.Errorf("create skipped counter: %w", err)
	}

	if m.revoked, err = meter.Int64Counter("courier.proactive.revoked",
		metric.WithDescription("Outreach tasks revoked")); err != nil {
		return m, fmt.Errorf("create revoked counter: %w", err)
	}

	if m.rescheduled, err = meter.Int64Counter("courier.proactive.rescheduled",
		metric.WithDescription("Overdue outreach moved by the recovery sweep")); err != nil {
		return m, fmt.Errorf("create rescheduled counter: %w", err)
	}

	return m, nil
}
