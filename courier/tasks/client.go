package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/LerianStudio/lib-courier/courier/tasks"

// Client submits, revokes and claims tasks.
type Client struct {
	rdb    redis.UniversalClient
	keys   courierredis.Keys
	logger log.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

var _ Submitter = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithKeys sets the key layout.
func WithKeys(keys courierredis.Keys) ClientOption {
	return func(c *Client) { c.keys = keys }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger log.Logger) ClientOption {
	return func(c *Client) { c.logger = log.OrNop(logger) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient builds a task client on rdb.
func NewClient(rdb redis.UniversalClient, opts ...ClientOption) (*Client, error) {
	if rdb == nil {
		return nil, courierredis.ErrNilClient
	}

	c := &Client{
		rdb:    rdb,
		keys:   courierredis.NewKeys(""),
		logger: log.NewNop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		newID:  uuid.NewString,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Submit stores a task named name that becomes due at eta. A zero eta means now.
func (c *Client) Submit(ctx context.Context, name string, payload any, eta time.Time) (string, error) {
	if c == nil {
		return "", ErrNilClient
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyTaskName
	}

	ctx, span := c.tracer.Start(ctx, "tasks.submit", trace.WithAttributes(attribute.String("courier.task.name", name)))
	defer span.End()

	var raw json.RawMessage

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode %s payload: %w", name, err)
		}

		raw = b
	}

	now := c.now().UTC()
	if eta.IsZero() {
		eta = now
	}

	task := Task{
		ID:        c.newID(),
		Name:      name,
		Payload:   raw,
		ETA:       eta.UTC(),
		CreatedAt: now,
	}

	if err := c.put(ctx, task); err != nil {
		opentelemetry.HandleSpanError(span, "Failed to submit task", err)

		return "", err
	}

	c.logger.Log(ctx, log.LevelDebug, "task submitted",
		log.String("task_id", task.ID),
		log.String("task_name", name),
		log.Time("eta", task.ETA),
	)

	return task.ID, nil
}

// put writes the envelope before the schedule entry so a claimed id always
// finds its envelope unless it was revoked.
func (c *Client) put(ctx context.Context, task Task) error {
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	if err := c.rdb.Set(ctx, c.keys.Task(task.ID), b, 0).Err(); err != nil {
		return fmt.Errorf("store task: %w", err)
	}

	if err := c.rdb.ZAdd(ctx, c.keys.ScheduledTasks(), redis.Z{Score: score(task.ETA), Member: task.ID}).Err(); err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}

	return nil
}

// Revoke removes a task that has not been claimed yet. Unknown ids are not an error.
func (c *Client) Revoke(ctx context.Context, taskID string) error {
	if c == nil {
		return ErrNilClient
	}

	if strings.TrimSpace(taskID) == "" {
		return ErrEmptyTaskID
	}

	if err := c.rdb.ZRem(ctx, c.keys.ScheduledTasks(), taskID).Err(); err != nil {
		return fmt.Errorf("revoke task: unschedule: %w", err)
	}

	if err := c.rdb.Del(ctx, c.keys.Task(taskID)).Err(); err != nil {
		return fmt.Errorf("revoke task: delete: %w", err)
	}

	return nil
}

// Get returns the stored envelope for taskID.
func (c *Client) Get(ctx context.Context, taskID string) (*Task, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	raw, err := c.rdb.Get(ctx, c.keys.Task(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	return &task, nil
}

// Scheduled reports when taskID is due, or false if it is not scheduled.
func (c *Client) Scheduled(ctx context.Context, taskID string) (time.Time, bool, error) {
	if c == nil {
		return time.Time{}, false, ErrNilClient
	}

	s, err := c.rdb.ZScore(ctx, c.keys.ScheduledTasks(), taskID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, fmt.Errorf("score task: %w", err)
	}

	return time.UnixMilli(int64(s)).UTC(), true, nil
}

// Pending returns the number of scheduled tasks.
func (c *Client) Pending(ctx context.Context) (int64, error) {
	if c == nil {
		return 0, ErrNilClient
	}

	n, err := c.rdb.ZCard(ctx, c.keys.ScheduledTasks()).Result()
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}

	return n, nil
}

// due returns up to limit task ids whose eta is not after now.
func (c *Client) due(ctx context.Context, limit int) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, c.keys.ScheduledTasks(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(c.now().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}

	return ids, nil
}

// claim removes taskID from the schedule and loads its envelope. It reports
// false when another worker claimed it first or the task was revoked.
func (c *Client) claim(ctx context.Context, taskID string) (*Task, bool, error) {
	removed, err := c.rdb.ZRem(ctx, c.keys.ScheduledTasks(), taskID).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim task: %w", err)
	}

	if removed == 0 {
		return nil, false, nil
	}

	task, err := c.Get(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, false, nil
	}

	if err != nil {
		_ = c.rdb.Del(ctx, c.keys.Task(taskID)).Err()

		return nil, false, err
	}

	return task, true, nil
}

func (c *Client) complete(ctx context.Context, taskID string) error {
	if err := c.rdb.Del(ctx, c.keys.Task(taskID)).Err(); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}

	return nil
}
