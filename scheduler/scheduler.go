// Package scheduler drives notification timing. A periodic tick selects
// messages whose notifyAt has arrived, expires messages past their
// expiresAt, defers low-severity messages through quiet hours and hands
// the rest to the notify dispatcher as due events. Lifecycle transitions
// made by the action layer or the rule engine surface as updated events.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/msghub-io/msghub/config"
	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/store"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// Dispatcher receives notification events. Implemented by the plugin
	// host's notify side. Dispatch must not block: delivery to slow sinks
	// is the dispatcher's problem, not the scheduler's.
	Dispatcher interface {
		Dispatch(event core.Event, messages []*msg.Message)
	}

	// Scheduler owns the tick loop. Not safe for concurrent Tick calls;
	// the loop serializes them.
	Scheduler struct {
		store      *store.Store
		dispatcher Dispatcher
		quiet      *config.QuietHours
		intervalMs int64
		location   *time.Location
		clock      func() int64
		rand       *rand.Rand
		logger     telemetry.Logger
		stats      *telemetry.Stats

		mu sync.Mutex

		// refs the scheduler is currently patching; their change events
		// must not echo back as updated notifications. Ref-scoped so a
		// concurrent foreign transition on another ref still surfaces.
		supMu      sync.Mutex
		suppressed map[string]struct{}

		cancel context.CancelFunc
		donewg sync.WaitGroup
	}

	// Option configures a Scheduler.
	Option func(*Scheduler)
)

// WithQuietHours sets the quiet-hours window; nil disables gating.
func WithQuietHours(q *config.QuietHours) Option {
	return func(s *Scheduler) { s.quiet = q }
}

// WithIntervalMs sets the tick interval.
func WithIntervalMs(ms int64) Option {
	return func(s *Scheduler) { s.intervalMs = ms }
}

// WithLocation sets the timezone for quiet-hours evaluation. Defaults to
// the process-local zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

// WithClock sets the epoch-ms time source.
func WithClock(c func() int64) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithStats sets the stats registry.
func WithStats(st *telemetry.Stats) Option {
	return func(s *Scheduler) { s.stats = st }
}

// WithRandSource seeds the jitter source, for deterministic tests.
func WithRandSource(src rand.Source) Option {
	return func(s *Scheduler) { s.rand = rand.New(src) }
}

// New builds a Scheduler bound to the store and dispatcher. Call
// store.Subscribe(s.HandleChange) to surface updated events, then Start.
func New(st *store.Store, d Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		dispatcher: d,
		intervalMs: config.DefaultNotifierIntervalMs,
		suppressed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.clock == nil {
		s.clock = func() int64 { return time.Now().UnixMilli() }
	}
	if s.rand == nil {
		s.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.stats == nil {
		s.stats = telemetry.NewStats(nil)
	}
	return s
}

// Start runs the tick loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if s.intervalMs <= 0 {
		s.logger.Warn(ctx, "notifier interval non-positive, scheduler disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.donewg.Add(1)
	go func() {
		defer s.donewg.Done()
		ticker := time.NewTicker(time.Duration(s.intervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.donewg.Wait()
}

// Tick runs one scheduling pass at the current clock time. Within a tick,
// expired events precede due events; due messages are ordered by (level
// desc, notifyAt asc, ref asc). Per-message failures are logged and do not
// abort the tick.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	candidates := s.candidates()

	var expired, due []*msg.Message
	for _, m := range candidates {
		if m.Timing.ExpiresAt != nil && *m.Timing.ExpiresAt <= now {
			expired = append(expired, m)
			continue
		}
		if m.Timing.NotifyAt == nil || *m.Timing.NotifyAt > now {
			continue
		}
		due = append(due, m)
	}

	for _, m := range expired {
		s.expire(ctx, m, now)
	}

	due = s.gateQuietHours(ctx, due, now)

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		an, bn := *a.Timing.NotifyAt, *b.Timing.NotifyAt
		if an != bn {
			return an < bn
		}
		return a.Ref < b.Ref
	})

	if len(due) > 0 {
		s.dispatcher.Dispatch(core.EventDue, due)
		s.stats.Inc("hub_scheduler_due", float64(len(due)))
		for _, m := range due {
			s.reschedule(ctx, m, now)
		}
	}
}

// candidates snapshots every open and snoozed message, walking all query
// pages so no due message hides past the page cap.
func (s *Scheduler) candidates() []*msg.Message {
	query := store.Query{
		Where: store.Where{
			States: []core.LifecycleState{core.StateOpen, core.StateSnoozed},
		},
		PageSize: store.MaxPageSize,
	}
	var all []*msg.Message
	for page := 1; ; page++ {
		query.Page = page
		res := s.store.Query(query)
		all = append(all, res.Items...)
		if page >= res.Pages {
			return all
		}
	}
}

// expire transitions the message to expired and emits the event.
func (s *Scheduler) expire(ctx context.Context, m *msg.Message, _ int64) {
	patch := &store.Patch{
		Lifecycle: &store.LifecyclePatch{State: core.StateExpired, By: "scheduler"},
		Timing:    &store.TimingPatch{NotifyAt: store.ClearInt64()},
	}
	if err := s.apply(m.Ref, patch); err != nil {
		s.logger.Error(ctx, "expire failed", "ref", m.Ref, "err", err.Error())
		return
	}
	m.Lifecycle.State = core.StateExpired
	m.Timing.NotifyAt = nil
	s.dispatcher.Dispatch(core.EventExpired, []*msg.Message{m})
	s.stats.Inc("hub_scheduler_expired", 1)
}

// gateQuietHours defers gated messages and returns the remainder.
func (s *Scheduler) gateQuietHours(ctx context.Context, due []*msg.Message, now int64) []*msg.Message {
	if s.quiet == nil {
		return due
	}
	local := time.UnixMilli(now).In(s.location)
	if !s.quiet.Contains(local.Hour()*60 + local.Minute()) {
		return due
	}
	kept := due[:0]
	for _, m := range due {
		if m.Level > s.quiet.MaxLevel {
			kept = append(kept, m)
			continue
		}
		deferTo := s.quiet.DeferUntil(local)
		if s.quiet.SpreadMs > 0 {
			deferTo += s.rand.Int63n(s.quiet.SpreadMs)
		}
		patch := &store.Patch{Timing: &store.TimingPatch{NotifyAt: store.SetInt64(deferTo)}}
		if err := s.apply(m.Ref, patch); err != nil {
			s.logger.Error(ctx, "quiet-hours defer failed", "ref", m.Ref, "err", err.Error())
		}
		s.stats.Inc("hub_scheduler_deferred", 1)
	}
	return kept
}

// reschedule computes the next notifyAt after a due dispatch: remindEvery
// re-arms, otherwise the notification is one-shot. A snoozed message
// returns to open on due.
func (s *Scheduler) reschedule(ctx context.Context, m *msg.Message, now int64) {
	patch := &store.Patch{Timing: &store.TimingPatch{}}
	if m.Timing.RemindEvery > 0 {
		patch.Timing.NotifyAt = store.SetInt64(now + m.Timing.RemindEvery)
	} else {
		patch.Timing.NotifyAt = store.ClearInt64()
	}
	if m.Lifecycle.State == core.StateSnoozed {
		patch.Lifecycle = &store.LifecyclePatch{State: core.StateOpen, By: "scheduler"}
	}
	if err := s.apply(m.Ref, patch); err != nil {
		s.logger.Error(ctx, "reschedule failed", "ref", m.Ref, "err", err.Error())
	}
}

// apply runs a store patch with updated-event suppression: the scheduler's
// own writes must not echo back as updated notifications.
func (s *Scheduler) apply(ref string, patch *store.Patch) error {
	s.supMu.Lock()
	s.suppressed[ref] = struct{}{}
	s.supMu.Unlock()
	defer func() {
		s.supMu.Lock()
		delete(s.suppressed, ref)
		s.supMu.Unlock()
	}()
	ok, err := s.store.UpdateMessage(ref, patch)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message %q vanished", ref)
	}
	return nil
}

// HandleChange is the store subscriber: lifecycle transitions made by
// other writers surface as updated events to notify plugins. Change
// delivery is synchronous with the mutation, so this must stay cheap.
func (s *Scheduler) HandleChange(c store.Change) {
	if c.Op != store.OpPatch || c.Before == nil || c.After == nil {
		return
	}
	s.supMu.Lock()
	_, own := s.suppressed[c.Ref]
	s.supMu.Unlock()
	if own {
		return
	}
	if c.Before.Lifecycle.State == c.After.Lifecycle.State {
		return
	}
	s.dispatcher.Dispatch(core.EventUpdated, []*msg.Message{c.After})
	s.stats.Inc("hub_scheduler_updated", 1)
}
