package proactive

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel/metric"
)

// Config controls cadence, quiet hours and recovery.
type Config struct {
	Cadence        Cadence
	MinInterval    time.Duration
	MaxConsecutive int
	Quiet          QuietHours
	// RevocationTTL bounds how long revoked task ids are remembered. It must
	// outlive the longest possible delay.
	RevocationTTL time.Duration
	// RecoveryMin and RecoveryMax bound the delay given to overdue outreach.
	RecoveryMin time.Duration
	RecoveryMax time.Duration
	// OverdueGrace is how far past scheduled_at a user must be to count as overdue.
	OverdueGrace     time.Duration
	SweepSchedule    string
	SweepConcurrency int
	HistoryBudget    int
	MeterProvider    metric.MeterProvider
}

// DefaultConfig returns the baseline scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Cadence:          DefaultCadence(),
		MinInterval:      DefaultMinInterval,
		MaxConsecutive:   5,
		Quiet:            DefaultQuietHours(),
		RevocationTTL:    40 * 24 * time.Hour,
		RecoveryMin:      time.Minute,
		RecoveryMax:      10 * time.Minute,
		OverdueGrace:     time.Minute,
		SweepSchedule:    "*/15 * * * *",
		SweepConcurrency: 8,
		HistoryBudget:    4000,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if len(cfg.Cadence) == 0 {
		cfg.Cadence = defaults.Cadence
	}

	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaults.MinInterval
	}

	if cfg.MaxConsecutive <= 0 {
		cfg.MaxConsecutive = defaults.MaxConsecutive
	}

	if cfg.RevocationTTL <= 0 {
		cfg.RevocationTTL = defaults.RevocationTTL
	}

	if cfg.RecoveryMin <= 0 {
		cfg.RecoveryMin = defaults.RecoveryMin
	}

	if cfg.RecoveryMax < cfg.RecoveryMin {
		cfg.RecoveryMax = cfg.RecoveryMin
	}

	if cfg.OverdueGrace < 0 {
		cfg.OverdueGrace = 0
	}

	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = defaults.SweepSchedule
	}

	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = defaults.SweepConcurrency
	}

	if cfg.HistoryBudget <= 0 {
		cfg.HistoryBudget = defaults.HistoryBudget
	}
}

// Validate checks values normalize cannot repair.
func (cfg Config) Validate() error {
	for i, lvl := range cfg.Cadence {
		if lvl.Interval <= 0 {
			return fmt.Errorf("%w: cadence level %d (%s) needs a positive interval", ErrInvalidConfig, i, lvl.Name)
		}

		if lvl.Jitter < 0 || lvl.Jitter >= lvl.Interval {
			return fmt.Errorf("%w: cadence level %d (%s) jitter must be in [0, interval)", ErrInvalidConfig, i, lvl.Name)
		}
	}

	if cfg.SweepSchedule != "" && !gronx.New().IsValid(cfg.SweepSchedule) {
		return fmt.Errorf("%w: sweep schedule %q is not a valid cron expression", ErrInvalidConfig, cfg.SweepSchedule)
	}

	if cfg.Quiet.Enabled && (cfg.Quiet.Start < 0 || cfg.Quiet.Start >= 24*time.Hour || cfg.Quiet.End < 0 || cfg.Quiet.End >= 24*time.Hour) {
		return fmt.Errorf("%w: quiet hours must be within one day", ErrInvalidConfig)
	}

	return nil
}
