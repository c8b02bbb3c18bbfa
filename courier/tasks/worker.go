package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const component = "tasks"

// WorkerConfig controls polling and retry.
type WorkerConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	Concurrency    int
	MaxAttempts    int
	RetryBase      time.Duration
	RetryCeiling   time.Duration
	HandlerTimeout time.Duration
	MeterProvider  metric.MeterProvider
}

// DefaultWorkerConfig returns the baseline worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:   time.Second,
		BatchSize:      20,
		Concurrency:    4,
		MaxAttempts:    3,
		RetryBase:      5 * time.Second,
		RetryCeiling:   5 * time.Minute,
		HandlerTimeout: time.Minute,
	}
}

func (cfg *WorkerConfig) normalize() {
	defaults := DefaultWorkerConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}

	if cfg.RetryCeiling < cfg.RetryBase {
		cfg.RetryCeiling = max(defaults.RetryCeiling, cfg.RetryBase)
	}

	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaults.HandlerTimeout
	}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerConfig replaces the worker configuration.
func WithWorkerConfig(cfg WorkerConfig) WorkerOption {
	return func(w *Worker) { w.cfg = cfg }
}

// WithPollInterval sets the delay between polls.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) { w.cfg.PollInterval = interval }
}

// WithMaxAttempts sets how many times a task runs before it is dropped.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) { w.cfg.MaxAttempts = n }
}

// WithRetryBackoff sets the retry delay bounds.
func WithRetryBackoff(base, ceiling time.Duration) WorkerOption {
	return func(w *Worker) {
		w.cfg.RetryBase = base
		w.cfg.RetryCeiling = ceiling
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) { w.logger = log.OrNop(logger) }
}

// Worker polls due tasks and runs their handlers.
type Worker struct {
	client *Client
	cfg    WorkerConfig
	logger log.Logger
	tracer trace.Tracer

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	pollWg     sync.WaitGroup

	executed metric.Int64Counter
	retried  metric.Int64Counter
	dropped  metric.Int64Counter
}

// Stats summarizes one poll.
type Stats struct {
	Claimed   int
	Succeeded int
	Retried   int
	Dropped   int
}

// NewWorker builds a worker that claims tasks through client.
func NewWorker(client *Client, opts ...WorkerOption) (*Worker, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	w := &Worker{
		client:   client,
		cfg:      DefaultWorkerConfig(),
		logger:   client.logger,
		tracer:   otel.Tracer(tracerName),
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	w.cfg.normalize()

	if err := w.initMetrics(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Worker) initMetrics() error {
	provider := w.cfg.MeterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.tasks")

	var err error

	if w.executed, err = meter.Int64Counter("courier.tasks.executed",
		metric.WithDescription("Tasks whose handler returned successfully")); err != nil {
		return fmt.Errorf("init tasks metrics: %w", err)
	}

	if w.retried, err = meter.Int64Counter("courier.tasks.retried",
		metric.WithDescription("Tasks rescheduled after a handler error")); err != nil {
		return fmt.Errorf("init tasks metrics: %w", err)
	}

	if w.dropped, err = meter.Int64Counter("courier.tasks.dropped",
		metric.WithDescription("Tasks dropped after a final handler error")); err != nil {
		return fmt.Errorf("init tasks metrics: %w", err)
	}

	return nil
}

// Handle registers h for tasks named name.
func (w *Worker) Handle(name string, h Handler) error {
	if w == nil {
		return ErrNilWorker
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyTaskName
	}

	if h == nil {
		return ErrNilHandler
	}

	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()

	if _, exists := w.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}

	w.handlers[name] = h

	return nil
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()

	h, ok := w.handlers[name]

	return h, ok
}

// Run polls until Stop is called or ctx is cancelled.
func (w *Worker) Run(parentCtx context.Context) error {
	if w == nil {
		return ErrNilWorker
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !w.registerRun(cancel) {
		cancel()

		return ErrWorkerRunning
	}

	defer w.clearRun()
	defer cancel()

	w.runStateMu.Lock()
	stop := w.stop
	w.runStateMu.Unlock()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Log(ctx, log.LevelInfo, "task worker started", log.Duration("poll_interval", w.cfg.PollInterval))

	for {
		select {
		case <-stop:
			w.logger.Log(ctx, log.LevelInfo, "task worker stopped")

			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	w.pollWg.Add(1)
	defer w.pollWg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, w.logger, component, "poll_loop")

	if _, err := w.PollOnce(ctx); err != nil {
		w.logger.Log(ctx, log.LevelError, "task poll failed", log.Err(err))
	}
}

// Stop signals the poll loop to stop.
func (w *Worker) Stop() {
	if w == nil {
		return
	}

	w.stopOnce.Do(func() {
		w.runStateMu.Lock()
		cancel := w.cancelFunc
		stop := w.stop
		w.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight poll.
func (w *Worker) Shutdown(ctx context.Context) error {
	if w == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	w.Stop()

	done := make(chan struct{})

	runtime.SafeGo(w.logger, "tasks.shutdown_wait", runtime.KeepRunning, func() {
		w.pollWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task worker shutdown: %w", ctx.Err())
	}
}

// PollOnce claims and runs every due task, up to BatchSize.
func (w *Worker) PollOnce(ctx context.Context) (Stats, error) {
	if w == nil {
		return Stats{}, ErrNilWorker
	}

	ctx, span := w.tracer.Start(ctx, "tasks.poll_once")
	defer span.End()

	ids, err := w.client.due(ctx, w.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to list due tasks", err)

		return Stats{}, err
	}

	var (
		mu    sync.Mutex
		stats Stats
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.Concurrency)

	for _, id := range ids {
		group.Go(func() error {
			task, claimed, err := w.client.claim(groupCtx, id)
			if err != nil {
				w.logger.Log(groupCtx, log.LevelError, "failed to claim task", log.String("task_id", id), log.Err(err))

				return nil
			}

			if !claimed {
				return nil
			}

			outcome := w.execute(groupCtx, task)

			mu.Lock()
			stats.Claimed++

			switch outcome {
			case outcomeSucceeded:
				stats.Succeeded++
			case outcomeRetried:
				stats.Retried++
			case outcomeDropped:
				stats.Dropped++
			}
			mu.Unlock()

			return nil
		})
	}

	_ = group.Wait()

	span.SetAttributes(attribute.Int("courier.tasks.claimed", stats.Claimed))

	return stats, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeDropped
)

func (w *Worker) execute(ctx context.Context, task *Task) outcome {
	ctx, span := w.tracer.Start(ctx, "tasks.execute", trace.WithAttributes(
		attribute.String("courier.task.id", task.ID),
		attribute.String("courier.task.name", task.Name),
		attribute.Int("courier.task.attempt", task.Attempt),
	))
	defer span.End()

	fields := []log.Field{
		log.String("task_id", task.ID),
		log.String("task_name", task.Name),
		log.Int("attempt", task.Attempt+1),
	}

	h, ok := w.handler(task.Name)
	if !ok {
		w.logger.Log(ctx, log.LevelWarn, "no handler registered, task dropped", fields...)
		w.drop(ctx, task)

		return outcomeDropped
	}

	err := w.invoke(ctx, h, *task)
	if err == nil {
		if cerr := w.client.complete(ctx, task.ID); cerr != nil {
			w.logger.Log(ctx, log.LevelWarn, "failed to delete completed task", append(fields, log.Err(cerr))...)
		}

		w.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", task.Name)))

		return outcomeSucceeded
	}

	opentelemetry.HandleSpanError(span, "Task handler failed", err)

	if errors.Is(err, ErrNoRetry) || task.Attempt+1 >= w.cfg.MaxAttempts {
		w.logger.Log(ctx, log.LevelError, "task failed permanently, dropped", append(fields, log.Err(err))...)
		w.drop(ctx, task)

		return outcomeDropped
	}

	if rerr := w.reschedule(ctx, task, err); rerr != nil {
		w.logger.Log(ctx, log.LevelError, "failed to reschedule task", append(fields, log.Err(rerr))...)

		return outcomeDropped
	}

	w.logger.Log(ctx, log.LevelWarn, "task failed, rescheduled", append(fields, log.Err(err))...)

	return outcomeRetried
}

func (w *Worker) invoke(ctx context.Context, h Handler, task Task) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			runtime.HandlePanicValue(ctx, w.logger, r, component, task.Name)
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	return h(ctx, task)
}

func (w *Worker) reschedule(ctx context.Context, task *Task, cause error) error {
	exists, err := w.client.rdb.Exists(ctx, w.client.keys.Task(task.ID)).Result()
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}

	if exists == 0 {
		return ErrTaskNotFound
	}

	next := *task
	next.Attempt++
	next.LastError = cause.Error()
	next.ETA = w.client.now().UTC().Add(w.retryDelay(task.Attempt))

	if err := w.client.put(ctx, next); err != nil {
		return err
	}

	w.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", task.Name)))

	return nil
}

// retryDelay is half the capped exponential delay plus up to half again of jitter.
func (w *Worker) retryDelay(attempt int) time.Duration {
	delay := backoff.Capped(w.cfg.RetryBase, w.cfg.RetryCeiling, attempt)

	return delay/2 + backoff.FullJitter(delay/2)
}

func (w *Worker) drop(ctx context.Context, task *Task) {
	if err := w.client.complete(ctx, task.ID); err != nil {
		w.logger.Log(ctx, log.LevelWarn, "failed to delete dropped task", log.String("task_id", task.ID), log.Err(err))
	}

	w.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", task.Name)))
}

func (w *Worker) registerRun(cancel context.CancelFunc) bool {
	w.runStateMu.Lock()
	defer w.runStateMu.Unlock()

	if w.running {
		return false
	}

	if isClosed(w.stop) {
		w.stop = make(chan struct{})
		w.stopOnce = sync.Once{}
	}

	w.running = true
	w.cancelFunc = cancel

	return true
}

func (w *Worker) clearRun() {
	w.runStateMu.Lock()
	defer w.runStateMu.Unlock()

	w.running = false
	w.cancelFunc = nil
}

func isClosed(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}
