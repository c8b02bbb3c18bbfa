package buffer

import "time"

// Config controls debounce timing and the immediate-dispatch policy.
type Config struct {
	// ShortTimeout is the debounce delay used normally.
	ShortTimeout time.Duration
	// LongTimeout is the delay used while the immediate condition holds.
	LongTimeout time.Duration
	// MaxMessages is the fragment count that meets the immediate condition.
	MaxMessages int
	// WordCountThreshold is the per-fragment word count that meets it.
	WordCountThreshold int
	// TypingInterval is how often the typing action is repeated.
	TypingInterval time.Duration
	// InactiveTTL is the idle age after which a session is reaped.
	InactiveTTL time.Duration
	// CleanupInterval is the delay between reaper runs.
	CleanupInterval time.Duration
}

// DefaultConfig returns the baseline buffer configuration.
func DefaultConfig() Config {
	return Config{
		ShortTimeout:       3 * time.Second,
		LongTimeout:        8 * time.Second,
		MaxMessages:        5,
		WordCountThreshold: 50,
		TypingInterval:     4 * time.Second,
		InactiveTTL:        10 * time.Minute,
		CleanupInterval:    time.Minute,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.ShortTimeout <= 0 {
		cfg.ShortTimeout = defaults.ShortTimeout
	}

	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = defaults.LongTimeout
	}

	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = defaults.MaxMessages
	}

	if cfg.WordCountThreshold <= 0 {
		cfg.WordCountThreshold = defaults.WordCountThreshold
	}

	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = defaults.TypingInterval
	}

	if cfg.InactiveTTL <= 0 {
		cfg.InactiveTTL = defaults.InactiveTTL
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
}
