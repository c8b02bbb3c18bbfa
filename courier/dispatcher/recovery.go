package dispatcher

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Recover scans every per-user queue key in the store and re-adds users with
// pending items to the active set. It returns how many users were found.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if d == nil {
		return 0, ErrDispatcherRequired
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.recover")
	defer span.End()

	users, err := d.queue.ScanQueuedUsers(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to scan queues", err)

		return 0, fmt.Errorf("recover: %w", err)
	}

	recovered := 0

	for _, userID := range users {
		if err := d.queue.MarkActive(ctx, userID); err != nil {
			opentelemetry.HandleSpanError(span, "Failed to mark recovered user active", err)

			return recovered, fmt.Errorf("recover user %d: %w", userID, err)
		}

		recovered++
	}

	span.SetAttributes(attribute.Int("courier.recovered_users", recovered))

	if recovered > 0 {
		d.metrics.recovered.Add(ctx, int64(recovered))
		d.logger.Log(ctx, log.LevelInfo, "recovered queued users", log.Int("count", recovered))
	}

	return recovered, nil
}
