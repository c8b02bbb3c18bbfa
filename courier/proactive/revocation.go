package proactive

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/queue"
	"github.com/redis/go-redis/v9"
)

func (s *Scheduler) pendingTask(ctx context.Context, userID int64, messageType queue.MessageType) (string, error) {
	id, err := s.rdb.HGet(ctx, s.keys.Pending(userID), string(messageType)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("load pending task: %w", err)
	}

	return id, nil
}

func (s *Scheduler) setPending(ctx context.Context, userID int64, messageType queue.MessageType, taskID string) error {
	if err := s.rdb.HSet(ctx, s.keys.Pending(userID), string(messageType), taskID).Err(); err != nil {
		return fmt.Errorf("record pending task: %w", err)
	}

	return nil
}

// clearPending drops the pending entry only while it still names taskID.
func (s *Scheduler) clearPending(ctx context.Context, userID int64, messageType queue.MessageType, taskID string) error {
	current, err := s.pendingTask(ctx, userID, messageType)
	if err != nil || current != taskID {
		return err
	}

	if err := s.rdb.HDel(ctx, s.keys.Pending(userID), string(messageType)).Err(); err != nil {
		return fmt.Errorf("clear pending task: %w", err)
	}

	return nil
}

// revoke marks taskID revoked and removes it from the task schedule. The mark
// is written first so a concurrent firing always observes it.
func (s *Scheduler) revoke(ctx context.Context, userID int64, messageType queue.MessageType, taskID string) error {
	if taskID == "" {
		return nil
	}

	key := s.keys.Revoked(userID, string(messageType))

	if err := s.rdb.SAdd(ctx, key, taskID).Err(); err != nil {
		return fmt.Errorf("mark task revoked: %w", err)
	}

	if err := s.rdb.Expire(ctx, key, s.cfg.RevocationTTL).Err(); err != nil {
		return fmt.Errorf("expire revocations: %w", err)
	}

	if err := s.tasks.Revoke(ctx, taskID); err != nil {
		s.logger.Log(ctx, log.LevelWarn, "task revoke failed, relying on revocation record",
			log.UserID(userID), log.String("task_id", taskID), log.Err(err))
	}

	s.metrics.revoked.Add(ctx, 1)

	return nil
}

// revokeAll revokes every pending task of userID and removes the pending hash.
func (s *Scheduler) revokeAll(ctx context.Context, userID int64) error {
	pending, err := s.rdb.HGetAll(ctx, s.keys.Pending(userID)).Result()
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}

	for messageType, taskID := range pending {
		if err := s.revoke(ctx, userID, queue.MessageType(messageType), taskID); err != nil {
			return err
		}
	}

	if err := s.rdb.Del(ctx, s.keys.Pending(userID)).Err(); err != nil {
		return fmt.Errorf("clear pending tasks: %w", err)
	}

	return nil
}

// IsRevoked reports whether taskID was superseded or cancelled.
func (s *Scheduler) IsRevoked(ctx context.Context, userID int64, messageType queue.MessageType, taskID string) (bool, error) {
	if s == nil {
		return false, ErrNilScheduler
	}

	ok, err := s.rdb.SIsMember(ctx, s.keys.Revoked(userID, string(messageType)), taskID).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}

	return ok, nil
}
