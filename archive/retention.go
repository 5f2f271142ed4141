package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// retentionOpsPerSecond throttles backend operations during sweeps so a
// large journal tree cannot saturate the filesystem.
const retentionOpsPerSecond = 50

// RunRetention performs one best-effort retention sweep: daily journal
// files from completed weeks roll up into per-week files, and weekly files
// older than KeepPreviousWeeks are removed. Errors are logged and do not
// abort the sweep of other sources. A zero KeepPreviousWeeks skips pruning
// but still rolls up.
func (a *Archive) RunRetention(ctx context.Context) {
	backend := a.backend()
	if backend == nil {
		return
	}
	limiter := rate.NewLimiter(rate.Limit(retentionOpsPerSecond), 1)
	now := time.UnixMilli(a.clock()).UTC()

	g, ctx := errgroup.WithContext(ctx)
	for _, source := range []string{SourceMessages, SourceAudit} {
		g.Go(func() error {
			if err := a.sweepSource(ctx, backend, limiter, source, now); err != nil {
				a.logger.Warn(ctx, "retention sweep failed", "source", source, "err", err.Error())
			}
			return nil // best-effort: never cancel sibling sweeps
		})
	}
	g.Wait()
	a.stats.Inc("hub_archive_retention_sweeps", 1)
}

// StartRetention runs retention sweeps at the given interval until the
// context is canceled or StopRetention is called. The first sweep runs
// after one interval.
func (a *Archive) StartRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, a.retentionCancel = context.WithCancel(ctx)
	a.retentionWG.Add(1)
	go func() {
		defer a.retentionWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.RunRetention(ctx)
			}
		}
	}()
}

// StopRetention terminates the sweep loop and waits for an in-flight
// sweep. Safe to call without a prior StartRetention.
func (a *Archive) StopRetention() {
	if a.retentionCancel != nil {
		a.retentionCancel()
	}
	a.retentionWG.Wait()
}

func (a *Archive) sweepSource(ctx context.Context, backend Backend, limiter *rate.Limiter, source string, now time.Time) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	files, err := backend.List(ctx, source)
	if err != nil {
		return err
	}

	weekStart := startOfISOWeek(now)
	cutoffYear, cutoffWeek := 0, 0
	if a.cfg.KeepPreviousWeeks > 0 {
		cutoffYear, cutoffWeek = weekStart.AddDate(0, 0, -7*a.cfg.KeepPreviousWeeks).ISOWeek()
	}

	for _, f := range files {
		ref, day, weekly, ok := a.parseName(f.Name)
		if !ok {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		switch {
		case !weekly:
			if !day.Before(weekStart) {
				continue // current week stays daily
			}
			if err := a.rollup(ctx, backend, source, f.Name, ref, day); err != nil {
				a.logger.Warn(ctx, "rollup failed", "file", f.Name, "err", err.Error())
			}
		case a.cfg.KeepPreviousWeeks > 0:
			y, w := day.ISOWeek()
			if y < cutoffYear || (y == cutoffYear && w < cutoffWeek) {
				if err := backend.Remove(ctx, source+"/"+f.Name); err != nil {
					a.logger.Warn(ctx, "prune failed", "file", f.Name, "err", err.Error())
				}
			}
		}
	}
	return nil
}

// rollup appends the daily file's contents to its weekly file and removes
// the daily file. The weekly append goes through the per-path queue so it
// serializes with any concurrent reader-driven traffic.
func (a *Archive) rollup(ctx context.Context, backend Backend, source, name, ref string, day time.Time) error {
	dailyPath := source + "/" + name
	data, err := backend.ReadFile(ctx, dailyPath)
	if err != nil {
		return err
	}
	year, week := day.ISOWeek()
	weeklyPath := fmt.Sprintf("%s/%s.%04dW%02d%s", source, ref, year, week, a.cfg.FileExtension)
	if err := <-a.queue.enqueue(weeklyPath, func() error {
		return backend.Append(ctx, weeklyPath, data)
	}); err != nil {
		return err
	}
	return backend.Remove(ctx, dailyPath)
}

// parseName splits "<ref>.<YYYYMMDD><ext>" or "<ref>.<YYYY>W<WW><ext>".
// The date of a weekly file is the Monday of its week.
func (a *Archive) parseName(name string) (ref string, day time.Time, weekly bool, ok bool) {
	base, found := strings.CutSuffix(name, a.cfg.FileExtension)
	if !found {
		return "", time.Time{}, false, false
	}
	dot := strings.LastIndexByte(base, '.')
	if dot < 0 {
		return "", time.Time{}, false, false
	}
	ref, stamp := base[:dot], base[dot+1:]
	if len(stamp) == 7 && stamp[4] == 'W' {
		var year, week int
		if _, err := fmt.Sscanf(stamp, "%4dW%2d", &year, &week); err != nil {
			return "", time.Time{}, false, false
		}
		return ref, mondayOfISOWeek(year, week), true, true
	}
	t, err := time.Parse("20060102", stamp)
	if err != nil {
		return "", time.Time{}, false, false
	}
	return ref, t, false, true
}

func startOfISOWeek(t time.Time) time.Time {
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7 // Sunday
	}
	return t.AddDate(0, 0, 1-wd)
}

func mondayOfISOWeek(year, week int) time.Time {
	// Jan 4 is always in ISO week 1.
	t := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	return startOfISOWeek(t).AddDate(0, 0, (week-1)*7)
}
