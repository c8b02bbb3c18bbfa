package proactive

import (
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
)

// DefaultMinInterval is the floor applied to every jittered delay.
const DefaultMinInterval = 30 * time.Minute

// Level is one cadence tier.
type Level struct {
	Name     string        `mapstructure:"name" json:"name"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	Jitter   time.Duration `mapstructure:"jitter" json:"jitter"`
}

// Cadence is the ordered list of tiers, first level first.
type Cadence []Level

// DefaultCadence returns 1h, 9h, 1d, 1w and 1mo.
func DefaultCadence() Cadence {
	return Cadence{
		{Name: "1h", Interval: time.Hour, Jitter: 10 * time.Minute},
		{Name: "9h", Interval: 9 * time.Hour, Jitter: time.Hour},
		{Name: "1d", Interval: 24 * time.Hour, Jitter: 3 * time.Hour},
		{Name: "1w", Interval: 7 * 24 * time.Hour, Jitter: 24 * time.Hour},
		{Name: "1mo", Interval: 30 * 24 * time.Hour, Jitter: 3 * 24 * time.Hour},
	}
}

// Terminal is the index of the last level.
func (c Cadence) Terminal() int { return max(len(c)-1, 0) }

// Clamp bounds i to a valid level index.
func (c Cadence) Clamp(i int) int {
	if i < 0 {
		return 0
	}

	return min(i, c.Terminal())
}

// Level returns the tier at i, clamped.
func (c Cadence) Level(i int) Level {
	if len(c) == 0 {
		return Level{}
	}

	return c[c.Clamp(i)]
}

// Next returns the level after i, capped at the terminal level.
func (c Cadence) Next(i int) int { return c.Clamp(i + 1) }

// Delay draws the jittered interval for level i, floored at minInterval.
func (c Cadence) Delay(i int, minInterval time.Duration) time.Duration {
	lvl := c.Level(i)

	return max(backoff.Symmetric(lvl.Interval, lvl.Jitter), minInterval)
}
