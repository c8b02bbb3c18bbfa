//go:build unit

package proactive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/history"
	"github.com/LerianStudio/lib-courier/courier/queue"
	"github.com/LerianStudio/lib-courier/courier/tasks"
	courierzap "github.com/LerianStudio/lib-courier/courier/zap"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
}

type fakeResponder struct {
	mu      sync.Mutex
	prompts []string
	err     error
	// during runs inside GenerateResponse, outside the lock.
	during func()
}

func (f *fakeResponder) GenerateResponse(_ context.Context, prompt string, _ []history.Entry) (string, error) {
	f.mu.Lock()
	hook := f.during
	f.during = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}

	f.prompts = append(f.prompts, prompt)

	return "Just checking in. How are things going?", nil
}

func (f *fakeResponder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.prompts)
}

type fixture struct {
	mr        *miniredis.Miniredis
	clock     *clock
	tasks     *tasks.Client
	queue     *queue.Queue
	history   *history.RedisRepository
	responder *fakeResponder
	scheduler *Scheduler
	logs      *observer.ObservedLogs
}

const (
	testUser = int64(42)
	testChat = int64(4200)
)

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}

	taskClient, err := tasks.NewClient(rdb, tasks.WithClock(clk.Now))
	require.NoError(t, err)

	q, err := queue.New(rdb, queue.WithClock(clk.Now))
	require.NoError(t, err)

	repo, err := history.NewRedisRepository(rdb, history.WithClock(clk.Now))
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)

	cfg := DefaultConfig()
	cfg.Quiet.Enabled = false

	if mutate != nil {
		mutate(&cfg)
	}

	responder := &fakeResponder{}

	s, err := New(rdb, taskClient, q, responder,
		WithConfig(cfg),
		WithHistory(repo),
		WithClock(clk.Now),
		WithLogger(courierzap.NewWithCore(core)),
	)
	require.NoError(t, err)

	return &fixture{
		mr:        mr,
		clock:     clk,
		tasks:     taskClient,
		queue:     q,
		history:   repo,
		responder: responder,
		scheduler: s,
		logs:      logs,
	}
}

func (f *fixture) fire(t *testing.T, taskID string) error {
	t.Helper()

	task, err := f.tasks.Get(context.Background(), taskID)
	require.NoError(t, err)

	return f.scheduler.Execute(context.Background(), *task)
}

func (f *fixture) queued(t *testing.T) int64 {
	t.Helper()

	n, err := f.queue.Len(context.Background(), testUser)
	require.NoError(t, err)

	return n
}

func TestNewValidatesCollaborators(t *testing.T) {
	f := newFixture(t, nil)
	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, err := New(nil, f.tasks, f.queue, f.responder)
	assert.Error(t, err)
	_, err = New(rdb, nil, f.queue, f.responder)
	assert.ErrorIs(t, err, ErrSubmitterRequired)
	_, err = New(rdb, f.tasks, nil, f.responder)
	assert.ErrorIs(t, err, ErrEnqueuerRequired)
	_, err = New(rdb, f.tasks, f.queue, nil)
	assert.ErrorIs(t, err, ErrResponderRequired)

	cfg := DefaultConfig()
	cfg.SweepSchedule = "every now and then"
	_, err = New(rdb, f.tasks, f.queue, f.responder, WithConfig(cfg))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScheduleRequiresKnownChat(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.scheduler.Schedule(context.Background(), testUser, nil, queue.TypeProactive)
	assert.ErrorIs(t, err, ErrUnknownChat)

	_, err = f.scheduler.Schedule(context.Background(), 0, nil, queue.TypeProactive)
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func TestHandleUserMessageSchedulesFirstLevelWithinJitter(t *testing.T) {
	f := newFixture(t, nil)
	now := f.clock.Now()

	st, err := f.scheduler.HandleUserMessage(context.Background(), testUser, testChat)
	require.NoError(t, err)

	assert.Equal(t, 0, st.CadenceLevel)
	assert.Equal(t, 0, st.ConsecutiveOutreaches)
	assert.False(t, st.UserReplied)
	assert.Nil(t, st.LastProactiveAt)
	require.NotNil(t, st.ScheduledAt)
	require.NotEmpty(t, st.ScheduledTaskID)

	delay := st.ScheduledAt.Sub(now)
	assert.GreaterOrEqual(t, delay, 50*time.Minute)
	assert.LessOrEqual(t, delay, 70*time.Minute)

	eta, ok, err := f.tasks.Scheduled(context.Background(), st.ScheduledTaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st.ScheduledAt.UnixMilli(), eta.UnixMilli())
}

func TestScheduleDefersOutOfQuietHours(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Quiet = DefaultQuietHours() })
	f.clock.Set(time.Date(2026, 3, 2, 21, 30, 0, 0, time.UTC))

	st, err := f.scheduler.HandleUserMessage(context.Background(), testUser, testChat)
	require.NoError(t, err)

	require.NotNil(t, st.ScheduledAt)
	assert.Equal(t, time.Date(2026, 3, 3, 8, 15, 0, 0, time.UTC), *st.ScheduledAt)

	explicit := time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)

	st, err = f.scheduler.Schedule(context.Background(), testUser, &explicit, queue.TypeProactive)
	require.NoError(t, err)
	assert.False(t, DefaultQuietHours().Contains(*st.ScheduledAt))
}

func TestScheduleNeverProducesQuietTimestamp(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Quiet = DefaultQuietHours() })
	ctx := context.Background()

	_, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	for i := range 96 {
		f.clock.Set(start.Add(time.Duration(i) * 15 * time.Minute))

		st, err := f.scheduler.Schedule(ctx, testUser, nil, queue.TypeProactive)
		require.NoError(t, err)
		require.False(t, f.scheduler.cfg.Quiet.Contains(*st.ScheduledAt), "scheduled at %s", st.ScheduledAt)
	}
}

func TestRescheduleRevokesPreviousTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	second, err := f.scheduler.Schedule(ctx, testUser, nil, queue.TypeProactive)
	require.NoError(t, err)
	require.NotEqual(t, first.ScheduledTaskID, second.ScheduledTaskID)

	revoked, err := f.scheduler.IsRevoked(ctx, testUser, queue.TypeProactive, first.ScheduledTaskID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, ok, err := f.tasks.Scheduled(ctx, first.ScheduledTaskID)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := f.tasks.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "at most one pending task per user and type")

	assert.Greater(t, f.mr.TTL(f.scheduler.keys.Revoked(testUser, string(queue.TypeProactive))), time.Duration(0))
}

func TestRevokedTaskThatStillFiresIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	// A worker claimed the task before the reply arrived.
	task, err := f.tasks.Get(ctx, first.ScheduledTaskID)
	require.NoError(t, err)

	_, err = f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Execute(ctx, *task))

	assert.Zero(t, f.queued(t))
	assert.Zero(t, f.responder.calls())

	st, err := f.scheduler.State(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConsecutiveOutreaches)
}

func TestSupersededTaskIsNoopEvenWithoutRevocationRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	task, err := f.tasks.Get(ctx, first.ScheduledTaskID)
	require.NoError(t, err)

	_, err = f.scheduler.Schedule(ctx, testUser, nil, queue.TypeProactive)
	require.NoError(t, err)
	f.mr.Del(f.scheduler.keys.Revoked(testUser, string(queue.TypeProactive)))

	require.NoError(t, f.scheduler.Execute(ctx, *task))
	assert.Zero(t, f.queued(t))
}

func TestUserRepliedTaskIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	st.UserReplied = true
	require.NoError(t, f.scheduler.saveState(ctx, st))

	require.NoError(t, f.fire(t, st.ScheduledTaskID))
	assert.Zero(t, f.queued(t))

	pending, err := f.scheduler.pendingTask(ctx, testUser, queue.TypeProactive)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutreachEscalatesAndStaysAtTerminalLevel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.history.Append(ctx, testUser, history.RoleUser, "thanks, talk later"))

	st, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)
	assert.Equal(t, "1h", f.scheduler.cfg.Cadence.Level(st.CadenceLevel).Name)

	want := []string{"9h", "1d", "1w", "1mo", "1mo"}

	for i, name := range want {
		require.NoError(t, f.fire(t, st.ScheduledTaskID))

		st, err = f.scheduler.State(ctx, testUser)
		require.NoError(t, err)

		assert.Equal(t, i+1, st.ConsecutiveOutreaches)
		assert.Equal(t, name, f.scheduler.cfg.Cadence.Level(st.CadenceLevel).Name, "after outreach %d", i+1)
		require.NotNil(t, st.LastProactiveAt)
		require.NotEmpty(t, st.ScheduledTaskID)
	}

	st, err = f.scheduler.Schedule(ctx, testUser, nil, queue.TypeProactive)
	require.NoError(t, err)
	assert.Equal(t, "1mo", f.scheduler.cfg.Cadence.Level(st.CadenceLevel).Name)

	assert.Equal(t, 5, f.responder.calls())
	assert.Equal(t, int64(5), f.queued(t))

	items, err := f.queue.Items(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, queue.TypeProactive, items[0].MessageType)
	assert.Equal(t, testChat, items[0].ChatID)

	entries, err := f.history.FetchRecent(ctx, testUser, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
	assert.Equal(t, history.RoleAssistant, entries[5].Role)
}

func TestHandleUserMessageResetsEscalatedState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, f.fire(t, st.ScheduledTaskID))
		st, err = f.scheduler.State(ctx, testUser)
		require.NoError(t, err)
	}

	require.Equal(t, 3, st.CadenceLevel)
	stale := st.ScheduledTaskID

	st, err = f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)
	assert.Equal(t, 0, st.CadenceLevel)
	assert.Equal(t, 0, st.ConsecutiveOutreaches)
	assert.Nil(t, st.LastProactiveAt)

	before := f.queued(t)

	task := tasks.Task{ID: stale, Name: TaskName, Payload: []byte(`{"user_id":42,"chat_id":4200,"message_type":"proactive"}`)}
	require.NoError(t, f.scheduler.Execute(ctx, task))
	assert.Equal(t, before, f.queued(t))
}

func TestReplyDuringGenerationWinsOverOutreach(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, f.fire(t, st.ScheduledTaskID))
		st, err = f.scheduler.State(ctx, testUser)
		require.NoError(t, err)
	}

	require.Equal(t, 2, st.CadenceLevel)
	inFlight := st.ScheduledTaskID
	before := f.queued(t)

	var replied State

	f.responder.mu.Lock()
	f.responder.during = func() {
		var rerr error
		replied, rerr = f.scheduler.HandleUserMessage(ctx, testUser, testChat)
		require.NoError(t, rerr)
	}
	f.responder.mu.Unlock()

	require.NoError(t, f.fire(t, inFlight))

	assert.Equal(t, before, f.queued(t), "superseded outreach must not be delivered")

	st, err = f.scheduler.State(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, st.CadenceLevel)
	assert.Equal(t, 0, st.ConsecutiveOutreaches)
	require.NotEmpty(t, replied.ScheduledTaskID)
	assert.Equal(t, replied.ScheduledTaskID, st.ScheduledTaskID)

	revoked, err := f.scheduler.IsRevoked(ctx, testUser, queue.TypeProactive, st.ScheduledTaskID)
	require.NoError(t, err)
	assert.False(t, revoked)

	pending, err := f.scheduler.pendingTask(ctx, testUser, queue.TypeProactive)
	require.NoError(t, err)
	assert.Equal(t, st.ScheduledTaskID, pending)

	_, ok, err := f.tasks.Scheduled(ctx, st.ScheduledTaskID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSupersededAfterEnqueueKeepsNewerSchedule(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	replied, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)
	require.NotEqual(t, st.ScheduledTaskID, replied.ScheduledTaskID)

	p := outreachPayload{UserID: testUser, ChatID: testChat, MessageType: queue.TypeProactive}
	require.NoError(t, f.scheduler.afterSend(ctx, p, st.ScheduledTaskID, "late outreach"))

	after, err := f.scheduler.State(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, after.CadenceLevel)
	assert.Equal(t, 0, after.ConsecutiveOutreaches)
	assert.Equal(t, replied.ScheduledTaskID, after.ScheduledTaskID)
}

func TestResponderFailureLeavesTaskRetryable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	f.responder.err = errors.New("model overloaded")

	err = f.fire(t, st.ScheduledTaskID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, tasks.ErrNoRetry)

	after, err := f.scheduler.State(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, after.ConsecutiveOutreaches)
	assert.Equal(t, st.ScheduledTaskID, after.ScheduledTaskID)
	assert.Zero(t, f.queued(t))

	f.responder.err = nil
	require.NoError(t, f.fire(t, st.ScheduledTaskID))
	assert.Equal(t, int64(1), f.queued(t))
}

func TestCorruptStateFallsBackToDefaults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.mr.Set(f.scheduler.keys.Engagement(testUser), "{not json"))

	st, err := f.scheduler.State(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, State{UserID: testUser}, st)

	warnings := f.logs.FilterMessage("engagement state unreadable, using defaults").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)

	st, err = f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)
	assert.NotEmpty(t, st.ScheduledTaskID)
}

func TestSweepReschedulesOverdueOutreach(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	overdue, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	onTime, err := f.scheduler.HandleUserMessage(ctx, testUser+1, testChat+1)
	require.NoError(t, err)

	past := f.clock.Now().Add(-3 * time.Hour)
	overdue.ScheduledAt = &past
	require.NoError(t, f.scheduler.saveState(ctx, overdue))

	moved, err := f.scheduler.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	st, err := f.scheduler.State(ctx, testUser)
	require.NoError(t, err)

	delay := st.ScheduledAt.Sub(f.clock.Now())
	assert.GreaterOrEqual(t, delay, f.scheduler.cfg.RecoveryMin)
	assert.LessOrEqual(t, delay, f.scheduler.cfg.RecoveryMax)
	assert.NotEqual(t, overdue.ScheduledTaskID, st.ScheduledTaskID)

	revoked, err := f.scheduler.IsRevoked(ctx, testUser, queue.TypeProactive, overdue.ScheduledTaskID)
	require.NoError(t, err)
	assert.True(t, revoked)

	untouched, err := f.scheduler.State(ctx, testUser+1)
	require.NoError(t, err)
	assert.Equal(t, onTime.ScheduledTaskID, untouched.ScheduledTaskID)
}

func TestRunSweepsSweepsAtStartup(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	st, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	past := f.clock.Now().Add(-time.Hour)
	st.ScheduledAt = &past
	require.NoError(t, f.scheduler.saveState(ctx, st))

	done := make(chan error, 1)

	go func() { done <- f.scheduler.RunSweeps(ctx) }()

	assert.Eventually(t, func() bool {
		current, err := f.scheduler.State(context.Background(), testUser)

		return err == nil && current.ScheduledTaskID != st.ScheduledTaskID
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRegisterInstallsHandler(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	w, err := tasks.NewWorker(f.tasks)
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Register(w))

	st, err := f.scheduler.HandleUserMessage(ctx, testUser, testChat)
	require.NoError(t, err)

	f.clock.Set(st.ScheduledAt.Add(time.Second))

	stats, err := w.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, int64(1), f.queued(t))
}

func TestBuildPrompt(t *testing.T) {
	last := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	prompt := BuildPrompt(State{ConsecutiveOutreaches: 2, LastProactiveAt: &last}, DefaultCadence()[2],
		[]history.Entry{{Role: history.RoleUser, Text: "hi"}})

	assert.Contains(t, prompt, "Cadence: 1d")
	assert.Contains(t, prompt, "without a reply: 2")
	assert.Contains(t, prompt, "2026-03-01 09:00 UTC")
	assert.Contains(t, prompt, "came from the user")
	assert.Contains(t, BuildPrompt(State{}, DefaultCadence()[0], nil), "no earlier conversation")
}
