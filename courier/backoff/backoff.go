package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const (
	maxShift        = 62
	fallbackDivisor = 2
)

// Exponential returns base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// Capped returns Exponential(base, attempt) limited to ceiling. A ceiling <= 0 disables the cap.
func Capped(base, ceiling time.Duration, attempt int) time.Duration {
	d := Exponential(base, attempt)
	if ceiling > 0 && d > ceiling {
		return ceiling
	}

	return d
}

// FullJitter returns a random duration in [0, delay).
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(randInt64N(int64(delay)))
}

// ExponentialWithJitter returns a random duration in [0, min(base*2^attempt, ceiling)).
func ExponentialWithJitter(base, ceiling time.Duration, attempt int) time.Duration {
	return FullJitter(Capped(base, ceiling, attempt))
}

// Between returns a uniformly distributed duration in [lo, hi].
// When hi <= lo it returns lo.
func Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}

	span := int64(hi - lo)
	if span == math.MaxInt64 {
		return lo + time.Duration(randInt64N(span))
	}

	return lo + time.Duration(randInt64N(span+1))
}

// Symmetric returns base shifted by a uniform offset in [-bound, +bound].
// The result is never negative.
func Symmetric(base, bound time.Duration) time.Duration {
	if bound <= 0 {
		return max(base, 0)
	}

	return max(Between(base-bound, base+bound), 0)
}

// SleepWithContext sleeps for duration but returns early if ctx is done.
// Returns immediately (nil) for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

func randInt64N(n int64) int64 {
	if n <= 0 {
		return 0
	}

	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return fallbackInt64N(n)
	}

	return v.Int64()
}

func fallbackInt64N(n int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return n / fallbackDivisor
	}

	rng := mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0)) // #nosec G404 -- fallback when crypto/rand fails

	return rng.Int64N(n)
}
