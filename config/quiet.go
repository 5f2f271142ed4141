package config

import (
	"time"

	"github.com/msghub-io/msghub/core"
)

// QuietHours defers low-severity notifications that fall inside a local
// time window. The window is [StartMin, EndMin) in minutes of day and may
// wrap past midnight. All math here is pure minute-of-day arithmetic on
// the 1440-minute space.
type QuietHours struct {
	// StartMin and EndMin bound the window in minutes of the local day.
	StartMin int `json:"startMin"`
	EndMin   int `json:"endMin"`
	// MaxLevel is the highest severity still deferred; levels above it
	// dispatch immediately.
	MaxLevel core.Level `json:"maxLevel"`
	// SpreadMs adds uniform jitter in [0, SpreadMs) to deferred times so
	// the end of the window does not release a burst.
	SpreadMs int64 `json:"spreadMs"`
}

const minutesPerDay = 24 * 60

// minFreeWindowMinutes is the smallest free (non-quiet) window for which
// quiet hours stay enabled. A smaller free window would defer messages
// nearly around the clock.
const minFreeWindowMinutes = 4 * 60

// NormalizeQuietHours validates q and returns nil when quiet hours must be
// disabled: non-positive notifier interval, an empty window (start==end),
// a free window under four hours, or jitter spread exceeding the free
// window.
func NormalizeQuietHours(q QuietHours, notifierIntervalMs int64) *QuietHours {
	if notifierIntervalMs <= 0 {
		return nil
	}
	q.StartMin = wrapMinute(q.StartMin)
	q.EndMin = wrapMinute(q.EndMin)
	if q.StartMin == q.EndMin {
		return nil
	}
	free := minutesPerDay - q.WindowMinutes()
	if free < minFreeWindowMinutes {
		return nil
	}
	if q.SpreadMs < 0 {
		q.SpreadMs = 0
	}
	if q.SpreadMs > int64(free)*60_000 {
		return nil
	}
	return &q
}

// WindowMinutes returns the quiet window length in minutes, wrap-aware.
func (q *QuietHours) WindowMinutes() int {
	d := q.EndMin - q.StartMin
	if d < 0 {
		d += minutesPerDay
	}
	return d
}

// Contains reports whether the given minute of day falls inside the quiet
// window.
func (q *QuietHours) Contains(minuteOfDay int) bool {
	m := wrapMinute(minuteOfDay)
	if q.StartMin <= q.EndMin {
		return m >= q.StartMin && m < q.EndMin
	}
	return m >= q.StartMin || m < q.EndMin
}

// Applies reports whether a message of the given level is deferred at the
// given instant.
func (q *QuietHours) Applies(t time.Time, level core.Level) bool {
	if level > q.MaxLevel {
		return false
	}
	return q.Contains(t.Hour()*60 + t.Minute())
}

// DeferUntil returns the epoch-ms instant at which the quiet window ends
// for the given instant, i.e. the next local occurrence of EndMin at
// second zero.
func (q *QuietHours) DeferUntil(t time.Time) int64 {
	end := time.Date(t.Year(), t.Month(), t.Day(), q.EndMin/60, q.EndMin%60, 0, 0, t.Location())
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end.UnixMilli()
}

func (q *QuietHours) clone() *QuietHours {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}

func wrapMinute(m int) int {
	m %= minutesPerDay
	if m < 0 {
		m += minutesPerDay
	}
	return m
}
