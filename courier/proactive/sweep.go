package proactive

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"
)

const sweepScanCount = 200

// SweepOverdue reschedules every user whose outreach is past due to a short
// random delay instead of letting it fire at once. It returns how many users
// were moved.
func (s *Scheduler) SweepOverdue(ctx context.Context) (int, error) {
	if s == nil {
		return 0, ErrNilScheduler
	}

	ctx, span := s.tracer.Start(ctx, "proactive.sweep_overdue")
	defer span.End()

	users, err := s.engagedUsers(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.cfg.OverdueGrace)

	var moved atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.SweepConcurrency)

	for _, userID := range users {
		group.Go(func() error {
			st, err := s.loadState(groupCtx, userID)
			if err != nil {
				return err
			}

			if st.ScheduledAt == nil || st.ScheduledTaskID == "" || !st.ScheduledAt.Before(cutoff) {
				return nil
			}

			at := s.now().UTC().Add(backoff.Between(s.cfg.RecoveryMin, s.cfg.RecoveryMax))

			if _, err := s.Schedule(groupCtx, userID, &at, st.MessageType); err != nil {
				return fmt.Errorf("reschedule user %d: %w", userID, err)
			}

			moved.Add(1)
			s.metrics.rescheduled.Add(groupCtx, 1)
			s.logger.Log(groupCtx, log.LevelInfo, "overdue outreach rescheduled",
				log.UserID(userID),
				log.Time("was_due", *st.ScheduledAt),
				log.Time("scheduled_at", at),
			)

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return int(moved.Load()), fmt.Errorf("sweep overdue outreach: %w", err)
	}

	return int(moved.Load()), nil
}

func (s *Scheduler) engagedUsers(ctx context.Context) ([]int64, error) {
	prefix := strings.TrimSuffix(s.keys.EngagementPattern(), "*")

	var (
		users  []int64
		cursor uint64
	)

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.keys.EngagementPattern(), sweepScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan engagement keys: %w", err)
		}

		for _, key := range keys {
			userID, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
			if err != nil || userID <= 0 {
				continue
			}

			users = append(users, userID)
		}

		cursor = next
		if cursor == 0 {
			return users, nil
		}
	}
}

// RunSweeps runs SweepOverdue once, then on every tick of the configured cron
// schedule until ctx is cancelled.
func (s *Scheduler) RunSweeps(ctx context.Context) error {
	if s == nil {
		return ErrNilScheduler
	}

	s.sweepOnce(ctx)

	for {
		now := s.now()

		next, err := gronx.NextTickAfter(s.cfg.SweepSchedule, now, false)
		if err != nil {
			return fmt.Errorf("next sweep tick: %w", err)
		}

		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	defer runtime.RecoverAndLogWithContext(ctx, s.logger, "proactive", "overdue_sweep")

	moved, err := s.SweepOverdue(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelError, "overdue sweep failed", log.Err(err))

		return
	}

	if moved > 0 {
		s.logger.Log(ctx, log.LevelInfo, "overdue sweep finished", log.Int("rescheduled", moved))
	}
}
