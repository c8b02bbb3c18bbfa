package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/sony/gobreaker"
)

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// DefaultBreakerConfig is tuned for an external HTTP API.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// Breaker guards a Transport with a circuit breaker. Permanent failures are
// about one chat, not the transport, so they do not count against it.
type Breaker struct {
	next    Transport
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

var _ Transport = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(name string, next Transport, cfg BreakerConfig, logger log.Logger) *Breaker {
	logger = log.OrNop(logger)

	settings := gobreaker.Settings{
		Name:        "transport-" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log(context.Background(), log.LevelWarn, "transport circuit breaker state changed",
				log.String("breaker", name),
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	}

	return &Breaker{next: next, breaker: gobreaker.NewCircuitBreaker(settings), logger: logger}
}

// State returns the breaker state name.
func (b *Breaker) State() string { return b.breaker.State().String() }

// SendChatAction calls the wrapped transport through the breaker.
func (b *Breaker) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return b.execute(func() error { return b.next.SendChatAction(ctx, chatID, action) })
}

// SendMessage calls the wrapped transport through the breaker.
func (b *Breaker) SendMessage(ctx context.Context, chatID int64, text string) error {
	return b.execute(func() error { return b.next.SendMessage(ctx, chatID, text) })
}

func (b *Breaker) execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (any, error) { return nil, fn() })

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return err
}
