package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/buffer"
	"github.com/LerianStudio/lib-courier/courier/dispatcher"
	"github.com/LerianStudio/lib-courier/courier/history"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/proactive"
	"github.com/LerianStudio/lib-courier/courier/queue"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/LerianStudio/lib-courier/courier/tasks"
	"github.com/LerianStudio/lib-courier/courier/transport"
	"github.com/redis/go-redis/v9"
)

const (
	defaultResponseTimeout = 2 * time.Minute
	defaultShutdownTimeout = 15 * time.Second
)

var (
	// ErrNilRuntime is returned when a Runtime method is called on a nil receiver.
	ErrNilRuntime = errors.New("runtime is nil")
	// ErrNilTransport is returned when no transport is provided.
	ErrNilTransport = errors.New("transport is required")
	// ErrNilResponder is returned when no responder is provided.
	ErrNilResponder = errors.New("responder is required")
)

// RuntimeConfig holds the per-component settings.
type RuntimeConfig struct {
	Keys          courierredis.Keys
	Buffer        buffer.Config
	Dispatcher    dispatcher.Config
	Lock          courierredis.LockOptions
	Tasks         tasks.WorkerConfig
	MaxPartLength int
	// Proactive enables outreach scheduling when non-nil.
	Proactive         *proactive.Config
	HistoryMaxEntries int
	// HistoryBudget is the character budget of context passed to the responder.
	HistoryBudget   int
	ResponseTimeout time.Duration
	ShutdownTimeout time.Duration
	Logger          log.Logger
	Clock           func() time.Time
}

// Runtime owns every component of one courier process. Nothing is shared
// through package-level state, so several runtimes can coexist in tests.
type Runtime struct {
	Queue      *queue.Queue
	History    history.Repository
	Buffer     *buffer.Manager
	Dispatcher *dispatcher.Dispatcher
	Tasks      *tasks.Client
	Worker     *tasks.Worker
	// Proactive is nil when outreach is disabled.
	Proactive *proactive.Scheduler

	responder proactive.Responder
	cfg       RuntimeConfig
	logger    log.Logger
	apps      []namedApp

	// turns serializes respond per user: int64 -> *sync.Mutex.
	turns sync.Map
}

type namedApp struct {
	name string
	app  App
}

// NewRuntime builds every component on rdb.
func NewRuntime(rdb redis.UniversalClient, sender transport.Transport, responder proactive.Responder, cfg RuntimeConfig) (*Runtime, error) {
	if rdb == nil {
		return nil, courierredis.ErrNilClient
	}

	if sender == nil {
		return nil, ErrNilTransport
	}

	if responder == nil {
		return nil, ErrNilResponder
	}

	if cfg.Lock.Expiry <= 0 {
		cfg.Lock = courierredis.DefaultLockOptions()
	}

	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	logger := log.OrNop(cfg.Logger)

	q, err := queue.New(rdb,
		queue.WithKeys(cfg.Keys),
		queue.WithMaxPartLength(cfg.MaxPartLength),
		queue.WithLogger(logger),
		queue.WithClock(cfg.Clock),
	)
	if err != nil {
		return nil, fmt.Errorf("build queue: %w", err)
	}

	historyOpts := []history.Option{
		history.WithKeys(cfg.Keys),
		history.WithLogger(logger),
		history.WithClock(cfg.Clock),
	}
	if cfg.HistoryMaxEntries > 0 {
		historyOpts = append(historyOpts, history.WithMaxEntries(cfg.HistoryMaxEntries))
	}

	repo, err := history.NewRedisRepository(rdb, historyOpts...)
	if err != nil {
		return nil, fmt.Errorf("build history: %w", err)
	}

	locks, err := courierredis.NewRedisLockManager(rdb, cfg.Lock, logger)
	if err != nil {
		return nil, fmt.Errorf("build lock manager: %w", err)
	}

	d, err := dispatcher.New(q, locks, sender,
		dispatcher.WithConfig(cfg.Dispatcher),
		dispatcher.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	taskClient, err := tasks.NewClient(rdb,
		tasks.WithKeys(cfg.Keys),
		tasks.WithClientLogger(logger),
		tasks.WithClock(cfg.Clock),
	)
	if err != nil {
		return nil, fmt.Errorf("build task client: %w", err)
	}

	worker, err := tasks.NewWorker(taskClient,
		tasks.WithWorkerConfig(cfg.Tasks),
		tasks.WithWorkerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build task worker: %w", err)
	}

	rt := &Runtime{
		Queue:      q,
		History:    repo,
		Dispatcher: d,
		Tasks:      taskClient,
		Worker:     worker,
		responder:  responder,
		cfg:        cfg,
		logger:     logger,
		Buffer: buffer.NewManager(
			buffer.WithConfig(cfg.Buffer),
			buffer.WithTyping(sender),
			buffer.WithLogger(logger),
			buffer.WithClock(cfg.Clock),
		),
	}

	if cfg.Proactive != nil {
		sched, err := proactive.New(rdb, taskClient, q, responder,
			proactive.WithConfig(*cfg.Proactive),
			proactive.WithKeys(cfg.Keys),
			proactive.WithHistory(repo),
			proactive.WithLogger(logger),
			proactive.WithClock(cfg.Clock),
		)
		if err != nil {
			return nil, fmt.Errorf("build proactive scheduler: %w", err)
		}

		if err := sched.Register(worker); err != nil {
			return nil, fmt.Errorf("register proactive handler: %w", err)
		}

		rt.Proactive = sched
	}

	return rt, nil
}

// AddApp registers an extra long-lived component started by Run.
func (r *Runtime) AddApp(name string, app App) {
	if r == nil {
		return
	}

	r.apps = append(r.apps, namedApp{name: name, app: app})
}

// HandleInbound buffers one inbound fragment, resets proactive engagement
// and rearms the user's debounce timer.
func (r *Runtime) HandleInbound(ctx context.Context, userID, chatID int64, text string) error {
	if r == nil {
		return ErrNilRuntime
	}

	if _, err := r.Buffer.AddMessage(ctx, userID, chatID, text); err != nil {
		return fmt.Errorf("buffer message: %w", err)
	}

	if r.Proactive != nil {
		if _, err := r.Proactive.HandleUserMessage(ctx, userID, chatID); err != nil {
			r.logger.Log(ctx, log.LevelWarn, "failed to reset proactive engagement", log.UserID(userID), log.Err(err))
		}
	}

	return r.Buffer.ScheduleDispatch(ctx, userID, r.respond)
}

// respond drains the user's buffer, asks the responder for a reply and
// enqueues it for ordered delivery.
func (r *Runtime) turnLock(userID int64) *sync.Mutex {
	mu, _ := r.turns.LoadOrStore(userID, &sync.Mutex{})

	return mu.(*sync.Mutex)
}

// respond drains, answers and enqueues one batch. Batches for the same user
// are answered one at a time, so replies reach the queue in batch order.
func (r *Runtime) respond(ctx context.Context, userID int64) {
	turn := r.turnLock(userID)
	turn.Lock()
	defer turn.Unlock()

	text, ok := r.Buffer.DispatchBuffer(userID)
	if !ok {
		return
	}

	chatID, ok := r.Buffer.ChatID(userID)
	if !ok {
		r.logger.Log(ctx, log.LevelWarn, "buffered text without a chat, dropping", log.UserID(userID))

		return
	}

	recent, err := r.History.FetchRecent(ctx, userID, r.cfg.HistoryBudget)
	if err != nil {
		r.logger.Log(ctx, log.LevelWarn, "history unavailable, responding without context", log.UserID(userID), log.Err(err))
	}

	genCtx, cancel := context.WithTimeout(ctx, r.cfg.ResponseTimeout)
	defer cancel()

	reply, err := r.responder.GenerateResponse(genCtx, text, recent)
	if err != nil {
		r.logger.Log(ctx, log.LevelError, "failed to generate response", log.UserID(userID), log.Err(err))

		return
	}

	items, err := r.Queue.Enqueue(ctx, userID, chatID, reply, queue.TypeResponse)
	if err != nil {
		r.logger.Log(ctx, log.LevelError, "failed to enqueue response", log.UserID(userID), log.Err(err))

		return
	}

	r.logger.Log(ctx, log.LevelDebug, "response enqueued", log.UserID(userID), log.Int("parts", len(items)))

	if err := r.History.Append(ctx, userID, history.RoleUser, text); err != nil {
		r.logger.Log(ctx, log.LevelWarn, "failed to record user turn", log.UserID(userID), log.Err(err))
	}

	if err := r.History.Append(ctx, userID, history.RoleAssistant, reply); err != nil {
		r.logger.Log(ctx, log.LevelWarn, "failed to record assistant turn", log.UserID(userID), log.Err(err))
	}
}

// RecoveryReport counts what Recover repaired.
type RecoveryReport struct {
	QueuedUsers     int
	OverdueOutreach int
}

// Recover re-marks users with queued parts as active and reschedules
// overdue outreach.
func (r *Runtime) Recover(ctx context.Context) (RecoveryReport, error) {
	if r == nil {
		return RecoveryReport{}, ErrNilRuntime
	}

	var report RecoveryReport

	n, err := r.Dispatcher.Recover(ctx)
	if err != nil {
		return report, fmt.Errorf("recover queues: %w", err)
	}

	report.QueuedUsers = n

	if r.Proactive != nil {
		n, err := r.Proactive.SweepOverdue(ctx)
		if err != nil {
			return report, fmt.Errorf("sweep overdue outreach: %w", err)
		}

		report.OverdueOutreach = n
	}

	return report, nil
}

// Run recovers state left by an earlier process, then runs every component
// until ctx is cancelled, and drains in-flight work before returning.
func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return ErrNilRuntime
	}

	report, err := r.Recover(ctx)
	if err != nil {
		return err
	}

	r.logger.Log(ctx, log.LevelInfo, "startup recovery complete",
		log.Int("queued_users", report.QueuedUsers),
		log.Int("overdue_outreach", report.OverdueOutreach),
	)

	opts := []LauncherOption{
		WithLogger(r.logger),
		RunApp("dispatcher", AppFunc(func(ctx context.Context, _ *Launcher) error { return r.Dispatcher.Run(ctx) })),
		RunApp("task-worker", AppFunc(func(ctx context.Context, _ *Launcher) error { return r.Worker.Run(ctx) })),
		RunApp("buffer-cleanup", AppFunc(func(ctx context.Context, _ *Launcher) error { return r.Buffer.RunCleanup(ctx) })),
	}

	if r.Proactive != nil {
		opts = append(opts, RunApp("proactive-sweeps", AppFunc(func(ctx context.Context, _ *Launcher) error {
			return r.Proactive.RunSweeps(ctx)
		})))
	}

	for _, a := range r.apps {
		opts = append(opts, RunApp(a.name, a.app))
	}

	runErr := NewLauncher(opts...).RunContext(ctx)

	r.Buffer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()

	return errors.Join(runErr, r.Dispatcher.Shutdown(shutdownCtx), r.Worker.Shutdown(shutdownCtx))
}
