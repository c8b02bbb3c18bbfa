package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error

	errs = append(errs, c.Log.validate()...)
	errs = append(errs, c.Redis.validate()...)
	errs = append(errs, c.Buffer.validate()...)
	errs = append(errs, c.Dispatcher.validate()...)
	errs = append(errs, c.Tasks.validate()...)

	if c.Queue.MaxPartLength <= 0 {
		errs = append(errs, invalid("queue.max_part_length", "must be positive"))
	}

	if c.Proactive.Enabled {
		if _, err := c.Proactive.Options(); err != nil {
			errs = append(errs, fmt.Errorf("%w: proactive: %w", ErrInvalidConfig, err))
		}
	}

	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Address) == "" {
		errs = append(errs, invalid("admin.address", "is required when admin is enabled"))
	}

	if c.Admin.Username != "" && c.Admin.Password == "" {
		errs = append(errs, invalid("admin.password", "is required when admin.username is set"))
	}

	return errors.Join(errs...)
}

// RequireServe checks the settings only the serve command needs.
func (c Config) RequireServe() error {
	var errs []error

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, invalid("telegram.token", "is required"))
	}

	if strings.TrimSpace(c.AI.Model) == "" {
		errs = append(errs, invalid("ai.model", "is required"))
	}

	if c.Telegram.RatePerSecond <= 0 {
		errs = append(errs, invalid("telegram.rate_per_second", "must be positive"))
	}

	return errors.Join(errs...)
}

func invalid(key, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidConfig, key, msg)
}

func positive(key string, d time.Duration) error {
	if d <= 0 {
		return invalid(key, "must be positive")
	}

	return nil
}

func (l LogConfig) validate() []error {
	switch l.Environment {
	case "production", "staging", "development", "local":
		return nil
	default:
		return []error{invalid("log.environment", fmt.Sprintf("%q is not one of production, staging, development, local", l.Environment))}
	}
}

func (r RedisConfig) validate() []error {
	var errs []error

	switch r.Mode {
	case "standalone":
		if len(r.Addresses) != 1 {
			errs = append(errs, invalid("redis.addresses", "must hold exactly one address in standalone mode"))
		}
	case "sentinel":
		if strings.TrimSpace(r.MasterName) == "" {
			errs = append(errs, invalid("redis.master_name", "is required in sentinel mode"))
		}

		fallthrough
	case "cluster":
		if len(r.Addresses) == 0 {
			errs = append(errs, invalid("redis.addresses", "must not be empty"))
		}
	default:
		errs = append(errs, invalid("redis.mode", fmt.Sprintf("%q is not one of standalone, sentinel, cluster", r.Mode)))
	}

	if r.DB < 0 {
		errs = append(errs, invalid("redis.db", "must not be negative"))
	}

	return errs
}

func (b BufferConfig) validate() []error {
	var errs []error

	for key, d := range map[string]time.Duration{
		"buffer.short_timeout":    b.ShortTimeout,
		"buffer.long_timeout":     b.LongTimeout,
		"buffer.typing_interval":  b.TypingInterval,
		"buffer.inactive_ttl":     b.InactiveTTL,
		"buffer.cleanup_interval": b.CleanupInterval,
	} {
		if err := positive(key, d); err != nil {
			errs = append(errs, err)
		}
	}

	if b.MaxMessages <= 0 {
		errs = append(errs, invalid("buffer.max_messages", "must be positive"))
	}

	if b.WordCountThreshold <= 0 {
		errs = append(errs, invalid("buffer.word_count_threshold", "must be positive"))
	}

	return errs
}

func (d DispatcherConfig) validate() []error {
	var errs []error

	if err := positive("dispatcher.scan_interval", d.ScanInterval); err != nil {
		errs = append(errs, err)
	}

	if err := positive("dispatcher.lock_expiry", d.LockExpiry); err != nil {
		errs = append(errs, err)
	}

	if d.DeliveryTimeout >= d.LockExpiry {
		errs = append(errs, invalid("dispatcher.delivery_timeout", "must be shorter than dispatcher.lock_expiry"))
	}

	if d.BatchSize <= 0 || d.MaxRetries <= 0 || d.Concurrency <= 0 {
		errs = append(errs, invalid("dispatcher", "batch_size, max_retries and concurrency must be positive"))
	}

	return errs
}

func (t TasksConfig) validate() []error {
	var errs []error

	if err := positive("tasks.poll_interval", t.PollInterval); err != nil {
		errs = append(errs, err)
	}

	if t.RetryCeiling < t.RetryBase {
		errs = append(errs, invalid("tasks.retry_ceiling", "must not be below tasks.retry_base"))
	}

	if t.BatchSize <= 0 || t.Concurrency <= 0 || t.MaxAttempts <= 0 {
		errs = append(errs, invalid("tasks", "batch_size, concurrency and max_attempts must be positive"))
	}

	return errs
}
