package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/queue"
	"github.com/redis/go-redis/v9"
)

// State is the engagement record for one user.
type State struct {
	UserID                int64             `json:"user_id"`
	ChatID                int64             `json:"chat_id"`
	CadenceLevel          int               `json:"cadence_level"`
	ConsecutiveOutreaches int               `json:"consecutive_outreaches"`
	LastProactiveAt       *time.Time        `json:"last_proactive_at,omitempty"`
	ScheduledAt           *time.Time        `json:"scheduled_at,omitempty"`
	ScheduledTaskID       string            `json:"scheduled_task_id,omitempty"`
	MessageType           queue.MessageType `json:"message_type,omitempty"`
	UserReplied           bool              `json:"user_replied"`
}

// reset puts the cadence back to the first level.
func (st *State) reset() {
	st.CadenceLevel = 0
	st.ConsecutiveOutreaches = 0
	st.LastProactiveAt = nil
	st.ScheduledAt = nil
	st.ScheduledTaskID = ""
}

// loadState returns the stored state, or a default one when it is absent or
// unreadable.
func (s *Scheduler) loadState(ctx context.Context, userID int64) (State, error) {
	raw, err := s.rdb.Get(ctx, s.keys.Engagement(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{UserID: userID}, nil
	}

	if err != nil {
		return State{}, fmt.Errorf("load engagement state: %w", err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Log(ctx, log.LevelWarn, "engagement state unreadable, using defaults", log.UserID(userID), log.Err(err))

		return State{UserID: userID}, nil
	}

	st.UserID = userID
	st.CadenceLevel = s.cfg.Cadence.Clamp(st.CadenceLevel)

	return st, nil
}

func (s *Scheduler) saveState(ctx context.Context, st State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode engagement state: %w", err)
	}

	if err := s.rdb.Set(ctx, s.keys.Engagement(st.UserID), b, 0).Err(); err != nil {
		return fmt.Errorf("save engagement state: %w", err)
	}

	return nil
}

// State returns the engagement record for userID.
func (s *Scheduler) State(ctx context.Context, userID int64) (State, error) {
	if s == nil {
		return State{}, ErrNilScheduler
	}

	return s.loadState(ctx, userID)
}
