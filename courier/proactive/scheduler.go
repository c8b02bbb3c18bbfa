package proactive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/history"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/queue"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/LerianStudio/lib-courier/courier/tasks"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/LerianStudio/lib-courier/courier/proactive"
	// TaskName is the delayed task name outreach is submitted under.
	TaskName = "proactive.outreach"
)

// Responder generates outreach text.
type Responder interface {
	GenerateResponse(ctx context.Context, prompt string, history []history.Entry) (string, error)
}

// Enqueuer is the delivery path.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID, chatID int64, text string, messageType queue.MessageType) ([]queue.Item, error)
}

type outreachPayload struct {
	UserID      int64             `json:"user_id"`
	ChatID      int64             `json:"chat_id"`
	MessageType queue.MessageType `json:"message_type"`
}

// Scheduler owns engagement state and outreach tasks.
type Scheduler struct {
	rdb       redis.UniversalClient
	keys      courierredis.Keys
	tasks     tasks.Submitter
	queue     Enqueuer
	responder Responder
	history   history.Repository
	cfg       Config
	logger    log.Logger
	tracer    trace.Tracer
	now       func() time.Time
	metrics   schedulerMetrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig replaces the configuration.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithKeys sets the key layout.
func WithKeys(keys courierredis.Keys) Option {
	return func(s *Scheduler) { s.keys = keys }
}

// WithHistory sets the conversation repository used to build prompts and to
// record sent outreach.
func WithHistory(repo history.Repository) Option {
	return func(s *Scheduler) { s.history = repo }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Scheduler) { s.logger = log.OrNop(logger) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a scheduler.
func New(rdb redis.UniversalClient, submitter tasks.Submitter, enqueuer Enqueuer, responder Responder, opts ...Option) (*Scheduler, error) {
	if rdb == nil {
		return nil, courierredis.ErrNilClient
	}

	if submitter == nil {
		return nil, ErrSubmitterRequired
	}

	if enqueuer == nil {
		return nil, ErrEnqueuerRequired
	}

	if responder == nil {
		return nil, ErrResponderRequired
	}

	s := &Scheduler{
		rdb:       rdb,
		keys:      courierredis.NewKeys(""),
		tasks:     submitter,
		queue:     enqueuer,
		responder: responder,
		cfg:       DefaultConfig(),
		logger:    log.NewNop(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.cfg.normalize()

	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	m, err := newSchedulerMetrics(s.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init proactive metrics: %w", err)
	}

	s.metrics = m

	return s, nil
}

// Register installs the outreach handler on w.
func (s *Scheduler) Register(w *tasks.Worker) error {
	if s == nil {
		return ErrNilScheduler
	}

	return w.Handle(TaskName, s.Execute)
}

// Schedule plans the next outreach of messageType for userID. A nil at draws
// the delay from the current cadence level. The result never falls inside
// quiet hours, and any earlier pending task of the same type is revoked.
func (s *Scheduler) Schedule(ctx context.Context, userID int64, at *time.Time, messageType queue.MessageType) (State, error) {
	if s == nil {
		return State{}, ErrNilScheduler
	}

	if userID <= 0 {
		return State{}, ErrInvalidUserID
	}

	if messageType == "" {
		messageType = queue.TypeProactive
	}

	ctx, span := s.tracer.Start(ctx, "proactive.schedule", trace.WithAttributes(attribute.Int64("courier.user_id", userID)))
	defer span.End()

	st, err := s.loadState(ctx, userID)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to load engagement state", err)

		return State{}, err
	}

	if st.ChatID <= 0 {
		return st, ErrUnknownChat
	}

	if st.ConsecutiveOutreaches >= s.cfg.MaxConsecutive {
		st.CadenceLevel = s.cfg.Cadence.Terminal()
	}

	var eta time.Time
	if at != nil {
		eta = at.UTC()
	} else {
		eta = s.now().UTC().Add(s.cfg.Cadence.Delay(st.CadenceLevel, s.cfg.MinInterval))
	}

	eta = s.cfg.Quiet.Shift(eta).UTC()

	st.ScheduledAt = &eta
	st.MessageType = messageType
	st.UserReplied = false

	if err := s.saveState(ctx, st); err != nil {
		opentelemetry.HandleSpanError(span, "Failed to save engagement state", err)

		return st, err
	}

	previous, err := s.pendingTask(ctx, userID, messageType)
	if err != nil {
		return st, err
	}

	if err := s.revoke(ctx, userID, messageType, previous); err != nil {
		return st, err
	}

	taskID, err := s.tasks.Submit(ctx, TaskName, outreachPayload{UserID: userID, ChatID: st.ChatID, MessageType: messageType}, eta)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to submit outreach task", err)

		return st, fmt.Errorf("submit outreach: %w", err)
	}

	if err := s.setPending(ctx, userID, messageType, taskID); err != nil {
		return st, err
	}

	st.ScheduledTaskID = taskID

	if err := s.saveState(ctx, st); err != nil {
		return st, err
	}

	s.metrics.scheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("cadence", s.cfg.Cadence.Level(st.CadenceLevel).Name)))
	s.logger.Log(ctx, log.LevelDebug, "outreach scheduled",
		log.UserID(userID),
		log.String("task_id", taskID),
		log.String("cadence", s.cfg.Cadence.Level(st.CadenceLevel).Name),
		log.Time("scheduled_at", eta),
	)

	return st, nil
}

// HandleUserMessage resets the cadence after an inbound message and schedules
// a first-level outreach. Every task pending before the call becomes a no-op.
func (s *Scheduler) HandleUserMessage(ctx context.Context, userID, chatID int64) (State, error) {
	if s == nil {
		return State{}, ErrNilScheduler
	}

	if userID <= 0 {
		return State{}, ErrInvalidUserID
	}

	st, err := s.loadState(ctx, userID)
	if err != nil {
		return State{}, err
	}

	if chatID > 0 {
		st.ChatID = chatID
	}

	st.UserReplied = true

	if err := s.saveState(ctx, st); err != nil {
		return st, err
	}

	if err := s.revokeAll(ctx, userID); err != nil {
		return st, err
	}

	st.reset()

	if err := s.saveState(ctx, st); err != nil {
		return st, err
	}

	return s.Schedule(ctx, userID, nil, queue.TypeProactive)
}

// Execute runs one outreach task. Revoked, superseded or answered tasks
// return nil without any visible effect.
func (s *Scheduler) Execute(ctx context.Context, task tasks.Task) error {
	if s == nil {
		return ErrNilScheduler
	}

	var p outreachPayload
	if err := task.Decode(&p); err != nil {
		return tasks.NoRetry(err)
	}

	if p.MessageType == "" {
		p.MessageType = queue.TypeProactive
	}

	ctx, span := s.tracer.Start(ctx, "proactive.execute", trace.WithAttributes(
		attribute.Int64("courier.user_id", p.UserID),
		attribute.String("courier.task.id", task.ID),
	))
	defer span.End()

	fields := []log.Field{log.UserID(p.UserID), log.String("task_id", task.ID)}

	skip, reason, err := s.shouldSkip(ctx, p, task.ID)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to check outreach task", err)

		return err
	}

	if skip {
		s.metrics.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		s.logger.Log(ctx, log.LevelDebug, "outreach task skipped", append(fields, log.String("reason", reason))...)

		return nil
	}

	st, err := s.loadState(ctx, p.UserID)
	if err != nil {
		return err
	}

	if st.ChatID <= 0 {
		st.ChatID = p.ChatID
	}

	text, err := s.generate(ctx, st)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to generate outreach", err)

		return err
	}

	// The user may have replied while the responder was running.
	skip, reason, err = s.shouldSkip(ctx, p, task.ID)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to recheck outreach task", err)

		return err
	}

	if skip {
		s.metrics.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		s.logger.Log(ctx, log.LevelDebug, "outreach discarded after generation", append(fields, log.String("reason", reason))...)

		return nil
	}

	if _, err := s.queue.Enqueue(ctx, p.UserID, st.ChatID, text, p.MessageType); err != nil {
		if errors.Is(err, queue.ErrValidation) {
			return tasks.NoRetry(err)
		}

		return fmt.Errorf("enqueue outreach: %w", err)
	}

	s.metrics.sent.Add(ctx, 1)

	// Past this point the message is queued, so bookkeeping failures must not trigger a retry.
	if err := s.afterSend(ctx, p, task.ID, text); err != nil {
		s.logger.Log(ctx, log.LevelError, "outreach sent but follow-up scheduling failed", append(fields, log.Err(err))...)

		return tasks.NoRetry(err)
	}

	return nil
}

func (s *Scheduler) shouldSkip(ctx context.Context, p outreachPayload, taskID string) (bool, string, error) {
	revoked, err := s.IsRevoked(ctx, p.UserID, p.MessageType, taskID)
	if err != nil {
		return false, "", err
	}

	if revoked {
		return true, "revoked", nil
	}

	pending, err := s.pendingTask(ctx, p.UserID, p.MessageType)
	if err != nil {
		return false, "", err
	}

	if pending != taskID {
		return true, "superseded", nil
	}

	st, err := s.loadState(ctx, p.UserID)
	if err != nil {
		return false, "", err
	}

	if st.UserReplied {
		if err := s.clearPending(ctx, p.UserID, p.MessageType, taskID); err != nil {
			return false, "", err
		}

		return true, "user_replied", nil
	}

	return false, "", nil
}

func (s *Scheduler) generate(ctx context.Context, st State) (string, error) {
	var recent []history.Entry

	if s.history != nil {
		entries, err := s.history.FetchRecent(ctx, st.UserID, s.cfg.HistoryBudget)
		if err != nil {
			s.logger.Log(ctx, log.LevelWarn, "history unavailable for outreach prompt", log.UserID(st.UserID), log.Err(err))
		} else {
			recent = entries
		}
	}

	prompt := BuildPrompt(st, s.cfg.Cadence.Level(st.CadenceLevel), recent)

	text, err := s.responder.GenerateResponse(ctx, prompt, recent)
	if err != nil {
		return "", fmt.Errorf("generate outreach: %w", err)
	}

	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyOutreach
	}

	return text, nil
}

// afterSend escalates from the stored state, not the one read before
// generation, and leaves everything alone once taskID is no longer pending.
func (s *Scheduler) afterSend(ctx context.Context, p outreachPayload, taskID, text string) error {
	if s.history != nil {
		if err := s.history.Append(ctx, p.UserID, history.RoleAssistant, text); err != nil {
			s.logger.Log(ctx, log.LevelWarn, "failed to record outreach in history", log.UserID(p.UserID), log.Err(err))
		}
	}

	pending, err := s.pendingTask(ctx, p.UserID, p.MessageType)
	if err != nil {
		return err
	}

	if pending != taskID {
		s.logger.Log(ctx, log.LevelDebug, "outreach superseded after send, keeping newer schedule",
			log.UserID(p.UserID), log.String("task_id", taskID))

		return nil
	}

	st, err := s.loadState(ctx, p.UserID)
	if err != nil {
		return err
	}

	if st.UserReplied {
		return s.clearPending(ctx, p.UserID, p.MessageType, taskID)
	}

	if st.ChatID <= 0 {
		st.ChatID = p.ChatID
	}

	now := s.now().UTC()
	st.ConsecutiveOutreaches++
	st.LastProactiveAt = &now
	st.CadenceLevel = s.cfg.Cadence.Next(st.CadenceLevel)
	st.ScheduledAt = nil
	st.ScheduledTaskID = ""

	if err := s.saveState(ctx, st); err != nil {
		return err
	}

	if err := s.clearPending(ctx, p.UserID, p.MessageType, taskID); err != nil {
		return err
	}

	_, err = s.Schedule(ctx, p.UserID, nil, p.MessageType)

	return err
}
