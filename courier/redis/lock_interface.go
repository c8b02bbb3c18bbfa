package redis

import "context"

// LockHandle is an acquired lock.
type LockHandle interface {
	Unlock(ctx context.Context) error
	Extend(ctx context.Context) error
}

// LockManager hands out distributed locks.
type LockManager interface {
	TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error)
}

var _ LockManager = (*RedisLockManager)(nil)
