package proactive

import (
	"fmt"
	"time"
)

// QuietHours is a daily window during which outreach is deferred. A window
// whose Start is after its End wraps around midnight.
type QuietHours struct {
	Enabled  bool
	Start    time.Duration
	End      time.Duration
	Buffer   time.Duration
	Location *time.Location
}

// DefaultQuietHours is 22:00 to 08:00 UTC with a 15 minute buffer.
func DefaultQuietHours() QuietHours {
	return QuietHours{
		Enabled:  true,
		Start:    22 * time.Hour,
		End:      8 * time.Hour,
		Buffer:   15 * time.Minute,
		Location: time.UTC,
	}
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}

	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (q QuietHours) location() *time.Location {
	if q.Location == nil {
		return time.UTC
	}

	return q.Location
}

func (q QuietHours) active() bool {
	return q.Enabled && q.Start != q.End
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()

	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}

// Contains reports whether t falls in the window: Start inclusive, End exclusive.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.active() {
		return false
	}

	tod := sinceMidnight(t.In(q.location()))

	if q.Start < q.End {
		return tod >= q.Start && tod < q.End
	}

	return tod >= q.Start || tod < q.End
}

// Shift moves t to the end of the window it falls in plus Buffer. Times
// outside the window are returned unchanged.
func (q QuietHours) Shift(t time.Time) time.Time {
	if !q.Contains(t) {
		return t
	}

	local := t.In(q.location())
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, q.location())

	end := midnight.Add(q.End)
	if !end.After(local) {
		end = time.Date(y, m, d+1, 0, 0, 0, 0, q.location()).Add(q.End)
	}

	return end.Add(q.Buffer).In(t.Location())
}
