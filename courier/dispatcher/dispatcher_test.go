//go:build unit

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/queue"
	courierredis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/LerianStudio/lib-courier/courier/transport"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	mr        *miniredis.Miniredis
	rdb       *redis.Client
	queue     *queue.Queue
	locks     *courierredis.RedisLockManager
	transport *transport.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := queue.New(rdb)
	require.NoError(t, err)

	locks, err := courierredis.NewRedisLockManager(rdb, courierredis.DefaultLockOptions(), nil)
	require.NoError(t, err)

	return &harness{mr: mr, rdb: rdb, queue: q, locks: locks, transport: &transport.Recorder{}}
}

func (h *harness) dispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()

	d, err := New(h.queue, h.locks, h.transport, opts...)
	require.NoError(t, err)

	return d
}

func chatFor(userID int64) int64 { return userID * 100 }

func TestNewValidatesCollaborators(t *testing.T) {
	h := newHarness(t)

	_, err := New(nil, h.locks, h.transport)
	assert.ErrorIs(t, err, ErrQueueRequired)
	_, err = New(h.queue, nil, h.transport)
	assert.ErrorIs(t, err, ErrLockManagerRequired)
	_, err = New(h.queue, h.locks, nil)
	assert.ErrorIs(t, err, ErrTransportRequired)
}

func TestDispatchOnceDeliversPartsInOrder(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, WithBatchSize(50))
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, 1, chatFor(1), "one\n\ntwo\n\nthree", queue.TypeResponse)
	require.NoError(t, err)

	result := d.DispatchOnce(ctx)
	assert.Equal(t, 3, result.Delivered)
	assert.Equal(t, []string{"one", "two", "three"}, h.transport.MessagesTo(chatFor(1)))

	actions := h.transport.Actions()
	require.Len(t, actions, 3)
	assert.Equal(t, transport.ActionTyping, actions[0].Text)

	users, err := h.queue.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users, "drained user must leave the active set")
}

func TestSplitMessageOrderSurvivesConcurrentUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	long := strings.TrimSpace(strings.Repeat("alpha ", 2500))

	var expected []string
	for userID := int64(1); userID <= 6; userID++ {
		items, err := h.queue.Enqueue(ctx, userID, chatFor(userID), long, queue.TypeResponse)
		require.NoError(t, err)

		if userID == 1 {
			for _, it := range items {
				expected = append(expected, it.Text)
			}
		}
	}

	require.Greater(t, len(expected), 1)

	workers := []*Dispatcher{
		h.dispatcher(t, WithBatchSize(1), WithConcurrency(3)),
		h.dispatcher(t, WithBatchSize(1), WithConcurrency(3)),
	}

	for range 20 {
		var wg sync.WaitGroup

		for _, w := range workers {
			wg.Add(1)

			go func() {
				defer wg.Done()
				w.DispatchOnce(ctx)
			}()
		}

		wg.Wait()
	}

	for userID := int64(1); userID <= 6; userID++ {
		assert.Equal(t, expected, h.transport.MessagesTo(chatFor(userID)), "user %d", userID)
	}
}

func TestTransientFailureIncrementsRetryThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, WithMaxRetries(3))
	ctx := context.Background()

	h.transport.SetFail(func(int64, string) error { return errors.New("network unreachable") })

	_, err := h.queue.Enqueue(ctx, 2, chatFor(2), "hello", queue.TypeResponse)
	require.NoError(t, err)

	for k := 1; k < 3; k++ {
		result := d.DispatchOnce(ctx)
		assert.Equal(t, 1, result.Retried)

		items, err := h.queue.Items(ctx, 2)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, k, items[0].RetryCount)

		dead, err := h.queue.DeadLetters(ctx, 2)
		require.NoError(t, err)
		assert.Empty(t, dead)
	}

	result := d.DispatchOnce(ctx)
	assert.Equal(t, 1, result.DeadLettered)

	items, err := h.queue.Items(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, items)

	dead, err := h.queue.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Item.RetryCount)
	assert.Equal(t, queue.ReasonMaxRetries, dead[0].Reason)
	assert.Equal(t, "network unreachable", dead[0].LastError)

	d.DispatchOnce(ctx)
	assert.Empty(t, h.transport.Messages(), "dead letters are never redelivered")
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t)
	ctx := context.Background()

	h.transport.SetFail(func(_ int64, text string) error {
		if text == "bad" {
			return transport.Permanent(errors.New("chat not found"))
		}

		return nil
	})

	_, err := h.queue.Enqueue(ctx, 3, chatFor(3), "bad\n\ngood", queue.TypeResponse)
	require.NoError(t, err)

	result := d.DispatchOnce(ctx)
	assert.Equal(t, 1, result.DeadLettered)

	dead, err := h.queue.DeadLetters(ctx, 3)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, queue.ReasonPermanent, dead[0].Reason)
	assert.Equal(t, 0, dead[0].Attempts)

	d.DispatchOnce(ctx)
	assert.Equal(t, []string{"good"}, h.transport.MessagesTo(chatFor(3)))
}

func TestCustomRetryClassifier(t *testing.T) {
	h := newHarness(t)
	fatal := errors.New("fatal")
	d := h.dispatcher(t, WithRetryClassifier(RetryClassifierFunc(func(err error) bool { return errors.Is(err, fatal) })))
	ctx := context.Background()

	h.transport.SetFail(func(int64, string) error { return fatal })

	_, err := h.queue.Enqueue(ctx, 4, chatFor(4), "x", queue.TypeResponse)
	require.NoError(t, err)

	assert.Equal(t, 1, d.DispatchOnce(ctx).DeadLettered)
}

func TestLockContentionSkipsUser(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, 5, chatFor(5), "wait for me", queue.TypeResponse)
	require.NoError(t, err)

	handle, ok, err := h.locks.TryLock(ctx, h.queue.Keys().UserLock(5))
	require.NoError(t, err)
	require.True(t, ok)

	result := d.DispatchOnce(ctx)
	assert.Equal(t, 1, result.Contended)
	assert.Zero(t, result.Errors)
	assert.Empty(t, h.transport.Messages())

	require.NoError(t, handle.Unlock(ctx))

	result = d.DispatchOnce(ctx)
	assert.Equal(t, 1, result.Delivered)
}

func TestExpiredLockOfCrashedWorkerIsReclaimed(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, 6, chatFor(6), "resume", queue.TypeResponse)
	require.NoError(t, err)

	_, ok, err := h.locks.TryLock(ctx, h.queue.Keys().UserLock(6))
	require.NoError(t, err)
	require.True(t, ok)

	h.mr.FastForward(courierredis.DefaultLockOptions().Expiry + time.Second)

	assert.Equal(t, 1, d.DispatchOnce(ctx).Delivered)
}

func TestBatchSizeBoundsOneLockHold(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, WithBatchSize(2))
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, 7, chatFor(7), "a\n\nb\n\nc", queue.TypeResponse)
	require.NoError(t, err)

	assert.Equal(t, 2, d.DispatchOnce(ctx).Delivered)
	assert.Equal(t, 1, d.DispatchOnce(ctx).Delivered)
	assert.Equal(t, []string{"a", "b", "c"}, h.transport.MessagesTo(chatFor(7)))
}

func TestRecoverRepopulatesActiveSet(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t)
	ctx := context.Background()

	for _, userID := range []int64{10, 11} {
		_, err := h.queue.Enqueue(ctx, userID, chatFor(userID), fmt.Sprintf("pending %d", userID), queue.TypeResponse)
		require.NoError(t, err)
	}

	h.mr.Del(h.queue.Keys().ActiveUsers())

	assert.Zero(t, d.DispatchOnce(ctx).Delivered, "restart lost the active set")

	recovered, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	assert.Equal(t, 2, d.DispatchOnce(ctx).Delivered)
}

func TestRunRecoversAndDeliversUntilShutdown(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, WithScanInterval(10*time.Millisecond))

	_, err := h.queue.Enqueue(context.Background(), 12, chatFor(12), "orphan", queue.TypeResponse)
	require.NoError(t, err)
	h.mr.Del(h.queue.Keys().ActiveUsers())

	done := make(chan error, 1)

	go func() { done <- d.Run(context.Background()) }()

	assert.Eventually(t, func() bool { return len(h.transport.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = h.queue.Enqueue(context.Background(), 12, chatFor(12), "live", queue.TypeResponse)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.transport.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, d.Shutdown(shutdownCtx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRunTwiceIsRejected(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, WithScanInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.queue.Enqueue(ctx, 13, chatFor(13), "ping", queue.TypeResponse)
	require.NoError(t, err)

	go func() { _ = d.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(h.transport.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, d.Run(ctx), ErrDispatcherRunning)
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher

	assert.Equal(t, Result{}, d.DispatchOnce(context.Background()))
	assert.ErrorIs(t, d.Run(context.Background()), ErrDispatcherRequired)
	assert.NoError(t, d.Shutdown(context.Background()))
	d.Stop()
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{}
	cfg.normalize()

	defaults := DefaultConfig()
	assert.Equal(t, defaults.ScanInterval, cfg.ScanInterval)
	assert.Equal(t, defaults.BatchSize, cfg.BatchSize)
	assert.Equal(t, defaults.MaxRetries, cfg.MaxRetries)
	assert.Equal(t, defaults.DeliveryTimeout, cfg.DeliveryTimeout)
	assert.Equal(t, defaults.Concurrency, cfg.Concurrency)
}
