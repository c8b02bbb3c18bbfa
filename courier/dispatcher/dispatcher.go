package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/queue"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"github.com/LerianStudio/lib-courier/courier/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const component = "dispatcher"

// Dispatcher drains per-user queues into a transport.
type Dispatcher struct {
	queue           *queue.Queue
	locks           courierredis.LockManager
	transport       transport.Transport
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             Config

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

// Result captures one scan cycle outcome.
type Result struct {
	Users        int
	Contended    int
	Delivered    int
	Retried      int
	DeadLettered int
	Errors       int
}

func (r *Result) add(u UserResult) {
	if u.Contended {
		r.Contended++
	}

	r.Delivered += u.Delivered
	r.Retried += u.Retried
	r.DeadLettered += u.DeadLettered
}

// UserResult captures the work done for one user while holding its lock.
type UserResult struct {
	Contended    bool
	Delivered    int
	Retried      int
	DeadLettered int
}

// New creates a dispatcher.
func New(q *queue.Queue, locks courierredis.LockManager, sender transport.Transport, opts ...Option) (*Dispatcher, error) {
	if q == nil {
		return nil, ErrQueueRequired
	}

	if locks == nil {
		return nil, ErrLockManagerRequired
	}

	if sender == nil {
		return nil, ErrTransportRequired
	}

	d := &Dispatcher{
		queue:           q,
		locks:           locks,
		transport:       sender,
		retryClassifier: DefaultRetryClassifier,
		logger:          log.NewNop(),
		tracer:          noop.NewTracerProvider().Tracer("courier.noop"),
		cfg:             DefaultConfig(),
		stop:            make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	d.cfg.normalize()

	m, err := newDispatcherMetrics(d.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init dispatcher metrics: %w", err)
	}

	d.metrics = m

	return d, nil
}

// Run recovers orphaned queues, then scans until Stop is called or ctx is cancelled.
func (d *Dispatcher) Run(parentCtx context.Context) error {
	if d == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !d.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer d.clearRun()
	defer cancel()

	d.logger.Log(ctx, log.LevelInfo, "dispatcher started",
		log.Duration("scan_interval", d.cfg.ScanInterval),
		log.Int("max_retries", d.cfg.MaxRetries),
	)
	defer d.logger.Log(context.Background(), log.LevelInfo, "dispatcher stopped")

	defer runtime.RecoverAndLogWithContext(ctx, d.logger, component, "dispatcher_run")

	if _, err := d.Recover(ctx); err != nil {
		d.logger.Log(ctx, log.LevelError, "startup recovery failed", log.Err(err))
	}

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	d.tick(ctx)

	for {
		select {
		case <-d.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	d.dispatchWg.Add(1)
	defer d.dispatchWg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, d.logger, component, "dispatcher_tick")

	d.DispatchOnce(ctx)
}

// Stop signals the scan loop to stop.
func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}

	d.stopOnce.Do(func() {
		d.runStateMu.Lock()
		cancel := d.cancelFunc
		stop := d.stop
		d.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	d.Stop()

	done := make(chan struct{})

	runtime.SafeGo(d.logger, "dispatcher.shutdown_wait", runtime.KeepRunning, func() {
		d.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs a single scan cycle over the active-users set.
func (d *Dispatcher) DispatchOnce(ctx context.Context) Result {
	if d == nil {
		return Result{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch_once")
	defer span.End()

	users, err := d.queue.ActiveUsers(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to list active users", err)
		d.logger.Log(ctx, log.LevelError, "failed to list active users", log.Err(err))

		return Result{Errors: 1}
	}

	d.metrics.activeUsers.Record(ctx, int64(len(users)))

	var (
		mu     sync.Mutex
		result = Result{Users: len(users)}
		errs   atomic.Int64
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.Concurrency)

	for _, userID := range users {
		group.Go(func() error {
			defer runtime.RecoverAndLogWithContext(groupCtx, d.logger, component, "process_user")

			userResult, err := d.ProcessUser(groupCtx, userID)
			if err != nil {
				errs.Add(1)
				d.logger.Log(groupCtx, log.LevelError, "user dispatch failed", log.UserID(userID), log.Err(err))
			}

			mu.Lock()
			result.add(userResult)
			mu.Unlock()

			return nil
		})
	}

	_ = group.Wait()

	result.Errors = int(errs.Load())

	span.SetAttributes(
		attribute.Int("courier.dispatch.users", result.Users),
		attribute.Int("courier.dispatch.delivered", result.Delivered),
		attribute.Int("courier.dispatch.dead_lettered", result.DeadLettered),
	)

	d.metrics.cycleDuration.Record(ctx, time.Since(start).Seconds())

	return result
}

// ProcessUser delivers up to BatchSize items for one user if its lock is free.
// Lock contention is reported in the result, not as an error.
func (d *Dispatcher) ProcessUser(ctx context.Context, userID int64) (UserResult, error) {
	if d == nil {
		return UserResult{}, ErrDispatcherRequired
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.process_user", trace.WithAttributes(attribute.Int64("courier.user_id", userID)))
	defer span.End()

	handle, acquired, err := d.locks.TryLock(ctx, d.queue.Keys().UserLock(userID))
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to acquire user lock", err)

		return UserResult{}, fmt.Errorf("acquire lock: %w", err)
	}

	if !acquired {
		d.metrics.lockContention.Add(ctx, 1)

		return UserResult{Contended: true}, nil
	}

	defer func() {
		if err := handle.Unlock(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, courierredis.ErrLockNotHeld) {
			d.logger.Log(ctx, log.LevelWarn, "failed to release user lock", log.UserID(userID), log.Err(err))
		}
	}()

	result, err := d.drain(ctx, userID, handle)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to drain user queue", err)

		return result, err
	}

	if _, err := d.queue.DeactivateIfEmpty(ctx, userID); err != nil {
		return result, fmt.Errorf("deactivate user: %w", err)
	}

	return result, nil
}

func (d *Dispatcher) drain(ctx context.Context, userID int64, handle courierredis.LockHandle) (UserResult, error) {
	var result UserResult

	for i := 0; i < d.cfg.BatchSize; i++ {
		if ctx.Err() != nil {
			return result, nil
		}

		if i > 0 {
			if err := handle.Extend(ctx); err != nil {
				return result, fmt.Errorf("extend lock: %w", err)
			}
		}

		item, err := d.queue.Peek(ctx, userID)
		if err != nil {
			return result, fmt.Errorf("peek: %w", err)
		}

		if item == nil {
			return result, nil
		}

		deliverErr := d.deliver(ctx, item)
		if deliverErr == nil {
			if err := d.queue.Ack(ctx, item); err != nil {
				return result, fmt.Errorf("ack delivered item: %w", err)
			}

			result.Delivered++
			d.metrics.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", string(item.MessageType))))

			continue
		}

		if ctx.Err() != nil {
			return result, nil
		}

		deadLettered, err := d.handleFailure(ctx, item, deliverErr)
		if err != nil {
			return result, err
		}

		if deadLettered {
			result.DeadLettered++
		} else {
			result.Retried++
		}

		return result, nil
	}

	return result, nil
}

func (d *Dispatcher) deliver(ctx context.Context, item *queue.Item) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	if d.cfg.SendTypingAction {
		if err := d.transport.SendChatAction(ctx, item.ChatID, transport.ActionTyping); err != nil {
			d.logger.Log(ctx, log.LevelDebug, "typing action failed", log.UserID(item.UserID), log.Err(err))
		}
	}

	return d.transport.SendMessage(ctx, item.ChatID, item.Text)
}

// handleFailure requeues or dead-letters item and reports which.
func (d *Dispatcher) handleFailure(ctx context.Context, item *queue.Item, cause error) (bool, error) {
	fields := []log.Field{
		log.UserID(item.UserID),
		log.String("item_id", item.ID),
		log.Int("part_index", item.PartIndex),
		log.Int("retry_count", item.RetryCount+1),
		log.Err(cause),
	}

	if d.retryClassifier.IsNonRetryable(cause) {
		if _, err := d.queue.DeadLetter(ctx, item, queue.ReasonPermanent, cause); err != nil {
			return false, fmt.Errorf("dead letter: %w", err)
		}

		d.metrics.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(queue.ReasonPermanent))))
		d.logger.Log(ctx, log.LevelError, "permanent delivery failure, item dead-lettered", fields...)

		return true, nil
	}

	if item.RetryCount+1 >= d.cfg.MaxRetries {
		exhausted := *item
		exhausted.RetryCount = d.cfg.MaxRetries

		if _, err := d.queue.DeadLetter(ctx, &exhausted, queue.ReasonMaxRetries, cause); err != nil {
			return false, fmt.Errorf("dead letter: %w", err)
		}

		d.metrics.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(queue.ReasonMaxRetries))))
		d.logger.Log(ctx, log.LevelError, "retries exhausted, item dead-lettered", fields...)

		return true, nil
	}

	if _, err := d.queue.Retry(ctx, item, cause); err != nil {
		return false, fmt.Errorf("requeue: %w", err)
	}

	d.metrics.retried.Add(ctx, 1)
	d.logger.Log(ctx, log.LevelWarn, "transient delivery failure, item requeued", fields...)

	return false, nil
}

func (d *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	d.runStateMu.Lock()
	defer d.runStateMu.Unlock()

	if d.running {
		return false
	}

	if d.stop == nil || isClosedSignal(d.stop) {
		d.stop = make(chan struct{})
		d.stopOnce = sync.Once{}
	}

	d.running = true
	d.cancelFunc = cancel

	return true
}

func (d *Dispatcher) clearRun() {
	d.runStateMu.Lock()
	defer d.runStateMu.Unlock()

	d.running = false
	d.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}
