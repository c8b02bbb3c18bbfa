package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Task is one delayed unit of work.
type Task struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ETA       time.Time       `json:"eta"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
	LastError string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Name, err)
	}

	return nil
}

// Handler executes a task. Returning an error schedules a retry unless the
// error wraps ErrNoRetry or the attempt budget is spent.
type Handler func(ctx context.Context, task Task) error

// Submitter is the producer side of the framework.
type Submitter interface {
	Submit(ctx context.Context, name string, payload any, eta time.Time) (string, error)
	Revoke(ctx context.Context, taskID string) error
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
