package schedule

import (
	"fmt"
	"time"
)

// RunDeadline returns the instant past which a run is force-failed, or the zero
// time when runs have no overall deadline.
func RunDeadline(createdAt time.Time, runTimeout time.Duration) time.Time {
	if runTimeout <= 0 {
		return time.Time{}
	}
	return createdAt.Add(runTimeout)
}

// IsBreached checks if now has passed a non-zero deadline.
func IsBreached(deadline, now time.Time) bool {
	return !deadline.IsZero() && now.After(deadline)
}

// Remaining returns how long until the deadline, never negative.
func Remaining(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ParseTimeout parses a Go duration string, treating "" as no timeout.
func ParseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
