// Package duration holds the pure time arithmetic shared by every live counter
// and history display.
package duration

import (
	"fmt"
	"time"
)

const (
	minute = 60
	hour   = 60 * minute
	day    = 24 * hour
)

// Between returns the whole seconds from `from` to `to`, floored and clamped to zero.
func Between(from, to time.Time) int64 {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	seconds := int64(to.Sub(from) / time.Second)
	if seconds < 0 {
		return 0
	}
	return seconds
}

// Since is Between for an optional start.
func Since(from *time.Time, now time.Time) int64 {
	if from == nil {
		return 0
	}
	return Between(*from, now)
}

// Effective subtracts completed and live pause time from elapsed time. Pause totals
// larger than the elapsed time (clock skew, manual start edits) clamp to zero.
func Effective(elapsed, accumulatedPause, livePause int64) int64 {
	effective := elapsed - accumulatedPause - livePause
	if effective < 0 {
		return 0
	}
	return effective
}

// Format renders seconds as `Dd HHh MMm SSs`, dropping leading zero units:
// 45s, 05m 10s, 4h 50m 00s, 1d 05h 30m 15s.
func Format(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	d := seconds / day
	h := (seconds % day) / hour
	m := (seconds % hour) / minute
	s := seconds % minute
	switch {
	case d > 0:
		return fmt.Sprintf("%dd %02dh %02dm %02ds", d, h, m, s)
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%02dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatDifference renders a signed goal difference for history displays.
func FormatDifference(seconds int64) string {
	if seconds < 0 {
		return "Short by " + Format(-seconds)
	}
	return "Exceeded by " + Format(seconds)
}
