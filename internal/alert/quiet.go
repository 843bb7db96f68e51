package alert

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidQuietHours is returned for malformed or half-specified quiet hours.
var ErrInvalidQuietHours = errors.New("quiet hours must be two HH:MM times or both empty")

// QuietHours suppresses notifications between Start and End local time.
// A window may wrap midnight; Start == End disables it.
type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuietHours, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (q QuietHours) Validate() error {
	if q.Start == "" && q.End == "" {
		return nil
	}
	if q.Start == "" || q.End == "" {
		return ErrInvalidQuietHours
	}
	if _, err := parseClock(q.Start); err != nil {
		return err
	}
	_, err := parseClock(q.End)
	return err
}

// Contains reports whether t falls inside the window in loc. Malformed windows never match.
func (q QuietHours) Contains(t time.Time, loc *time.Location) bool {
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil || start == end {
		return false
	}
	lt := t.In(loc)
	m := lt.Hour()*60 + lt.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}
