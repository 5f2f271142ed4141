package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msghub-io/msghub/core"
)

func TestNormalizeQuietHoursDisablement(t *testing.T) {
	base := QuietHours{StartMin: 22 * 60, EndMin: 6 * 60, MaxLevel: core.LevelWarning}

	require.Nil(t, NormalizeQuietHours(base, 0), "non-positive notifier interval")
	require.Nil(t, NormalizeQuietHours(QuietHours{StartMin: 300, EndMin: 300}, 5000), "empty window")
	require.Nil(t, NormalizeQuietHours(QuietHours{StartMin: 0, EndMin: 21 * 60}, 5000), "free window under four hours")

	tooMuchSpread := base
	tooMuchSpread.SpreadMs = 17 * 60 * 60_000
	require.Nil(t, NormalizeQuietHours(tooMuchSpread, 5000), "spread exceeds free window")

	q := NormalizeQuietHours(base, 5000)
	require.NotNil(t, q)
	require.Equal(t, 22*60, q.StartMin)
	require.Equal(t, 6*60, q.EndMin)
}

func TestNormalizeQuietHoursWrapsMinutes(t *testing.T) {
	q := NormalizeQuietHours(QuietHours{StartMin: 25 * 60, EndMin: -60}, 5000)
	require.NotNil(t, q)
	require.Equal(t, 60, q.StartMin)
	require.Equal(t, 23*60, q.EndMin)
}

func TestNormalizeQuietHoursClampsNegativeSpread(t *testing.T) {
	q := NormalizeQuietHours(QuietHours{StartMin: 22 * 60, EndMin: 6 * 60, SpreadMs: -5}, 5000)
	require.NotNil(t, q)
	require.Zero(t, q.SpreadMs)
}

func TestQuietHoursContainsWrapsMidnight(t *testing.T) {
	q := &QuietHours{StartMin: 22 * 60, EndMin: 6 * 60}

	require.True(t, q.Contains(23*60))
	require.True(t, q.Contains(0))
	require.True(t, q.Contains(5*60+59))
	require.False(t, q.Contains(6*60))
	require.False(t, q.Contains(12*60))
	require.True(t, q.Contains(22*60))
	require.False(t, q.Contains(21*60+59))
}

func TestQuietHoursContainsSameDayWindow(t *testing.T) {
	q := &QuietHours{StartMin: 9 * 60, EndMin: 17 * 60}

	require.True(t, q.Contains(12*60))
	require.False(t, q.Contains(8*60))
	require.False(t, q.Contains(17*60))
}

func TestQuietHoursApplies(t *testing.T) {
	q := &QuietHours{StartMin: 22 * 60, EndMin: 6 * 60, MaxLevel: core.LevelWarning}
	inside := time.Date(2026, 1, 10, 23, 0, 0, 0, time.UTC)

	require.True(t, q.Applies(inside, core.LevelWarning))
	require.False(t, q.Applies(inside, core.LevelError))
	require.False(t, q.Applies(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), core.LevelWarning))
}

func TestQuietHoursDeferUntil(t *testing.T) {
	q := &QuietHours{StartMin: 22 * 60, EndMin: 6 * 60}

	// Before midnight, the window ends tomorrow morning.
	at := time.Date(2026, 1, 10, 22, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 1, 11, 6, 0, 0, 0, time.UTC).UnixMilli(), q.DeferUntil(at))

	// After midnight, it ends the same morning.
	at = time.Date(2026, 1, 11, 2, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 1, 11, 6, 0, 0, 0, time.UTC).UnixMilli(), q.DeferUntil(at))

	// Exactly at the boundary, the next occurrence is a day away.
	at = time.Date(2026, 1, 11, 6, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 1, 12, 6, 0, 0, 0, time.UTC).UnixMilli(), q.DeferUntil(at))
}
