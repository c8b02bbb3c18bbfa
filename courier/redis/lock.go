package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const maxLockKeyLogLength = 128

var (
	// ErrNilLockManager is returned when a lock manager receiver is nil.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrNilLockHandle is returned when a nil handle is released.
	ErrNilLockHandle = errors.New("lock handle is nil or not initialized")
	// ErrLockNotHeld is returned when the lock expired or was taken over before release.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrEmptyLockKey is returned for blank lock keys.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockExpiryInvalid is returned for non-positive expiries.
	ErrLockExpiryInvalid = errors.New("lock expiry must be greater than 0")
)

// LockOptions configures lock acquisition.
type LockOptions struct {
	// Expiry bounds how long a crashed holder can keep the lock.
	Expiry time.Duration
	// DriftFactor compensates clock drift when computing validity.
	DriftFactor float64
}

// DefaultLockOptions returns the options used by the dispatcher.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      30 * time.Second,
		DriftFactor: 0.01,
	}
}

// RedisLockManager hands out single-attempt distributed locks backed by redsync.
//
// Acquire is SET key token NX PX ttl; release and extend are compare-and-delete
// and compare-and-pexpire scripts keyed on the owner token, so a holder whose
// lock expired can never release a lock now owned by someone else.
type RedisLockManager struct {
	redsync *redsync.Redsync
	opts    LockOptions
	logger  log.Logger
	tracer  trace.Tracer
}

// NewRedisLockManager builds a lock manager on top of rdb.
func NewRedisLockManager(rdb redis.UniversalClient, opts LockOptions, logger log.Logger) (*RedisLockManager, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}

	if opts.Expiry <= 0 {
		return nil, ErrLockExpiryInvalid
	}

	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		opts.DriftFactor = DefaultLockOptions().DriftFactor
	}

	return &RedisLockManager{
		redsync: redsync.New(goredis.NewPool(rdb)),
		opts:    opts,
		logger:  log.OrNop(logger),
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// TryLock makes exactly one acquisition attempt.
//
// Contention is not an error: it returns (nil, false, nil) so callers can skip
// the key for this cycle.
func (m *RedisLockManager) TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error) {
	if m == nil {
		return nil, false, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	safeKey := safeLockKeyForLogs(lockKey)

	ctx, span := m.tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := m.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(m.opts.Expiry),
		redsync.WithDriftFactor(m.opts.DriftFactor),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			m.logger.Log(ctx, log.LevelDebug, "lock already held by another worker", log.String("lock_key", safeKey))

			return nil, false, nil
		}

		opentelemetry.HandleSpanError(span, "Failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeKey, err)
	}

	m.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", safeKey))

	return &lockHandle{mutex: mutex, logger: m.logger, key: safeKey}, true, nil
}

func isLockContention(err error) bool {
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
	key    string
}

// Unlock releases the lock if this handle still owns it.
func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		if lostOwnership(err) {
			return ErrLockNotHeld
		}

		h.logger.Log(ctx, log.LevelError, "failed to release lock", log.String("lock_key", h.key), log.Err(err))

		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held or already expired", log.String("lock_key", h.key))

		return ErrLockNotHeld
	}

	return nil
}

// Extend pushes the expiry forward if this handle still owns the lock.
func (h *lockHandle) Extend(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.ExtendContext(ctx)
	if err != nil {
		if lostOwnership(err) {
			return ErrLockNotHeld
		}

		return fmt.Errorf("distributed lock: extend: %w", err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

// lostOwnership reports whether err means the key now belongs to someone else
// or no longer exists.
func lostOwnership(err error) bool {
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}

	if errors.Is(err, redsync.ErrLockAlreadyExpired) || errors.Is(err, redsync.ErrExtendFailed) {
		return true
	}

	return strings.Contains(err.Error(), "already expired")
}

func safeLockKeyForLogs(lockKey string) string {
	quoted := strconv.QuoteToASCII(lockKey)
	if len(quoted) > maxLockKeyLogLength {
		return quoted[:maxLockKeyLogLength] + "...\""
	}

	return quoted
}
