package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/factory"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/store"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// RuntimeData is the per-observation presentation and timing data a
	// rule wants reflected on its message.
	RuntimeData struct {
		Title       string
		Text        string
		Icon        string
		Level       *core.Level
		RemindEvery *int64
		Cooldown    *int64
		// Metrics seeds or updates message metrics alongside the open.
		Metrics map[string]msg.Metric
	}

	// MetricsArgs parameterizes PatchMetrics.
	MetricsArgs struct {
		Set    map[string]msg.Metric
		Delete []string
		// Force bypasses the write throttle.
		Force bool
		// Now is the throttle reference time; zero means the writer
		// clock.
		Now int64
	}

	// LocationResolver maps a target id to a location name, typically by
	// walking the host's membership enums. Optional.
	LocationResolver func(ctx context.Context, targetID string) string

	// WriterDeps bundles the writer's collaborators.
	WriterDeps struct {
		Store    *store.Store
		Factory  *factory.Factory
		Logger   telemetry.Logger
		Clock    func() int64
		Location LocationResolver
		// StatsMinIntervalMs throttles metric writes; StatsMaxIntervalMs
		// guarantees a periodic flush even without changes.
		StatsMinIntervalMs int64
		StatsMaxIntervalMs int64
	}

	// TargetWriter owns the one message ref of a (instance, rule, target)
	// triple and is the only path through which rules mutate the store.
	// It enforces the field ownership split: the writer patches
	// presentation and reminder fields, never audience, lifecycle,
	// notifyAt, startAt, timeBudget or dueAt.
	TargetWriter struct {
		deps     WriterDeps
		instance string
		ruleKind string
		targetID string
		preset   Preset
		ref      string

		lastWritten   map[string]float64
		pendingSet    map[string]msg.Metric
		pendingDelete map[string]struct{}
		lastFlush     int64
	}
)

// defaultStatsMinIntervalMs and defaultStatsMaxIntervalMs bound metric
// write throttling when the engine does not configure it.
const (
	defaultStatsMinIntervalMs = 15_000
	defaultStatsMaxIntervalMs = 5 * 60_000
)

// NewTargetWriter builds the writer for one rule/target pair.
func NewTargetWriter(deps WriterDeps, instance, ruleKind, targetID string, preset Preset) *TargetWriter {
	if deps.Clock == nil {
		deps.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.StatsMinIntervalMs <= 0 {
		deps.StatsMinIntervalMs = defaultStatsMinIntervalMs
	}
	if deps.StatsMaxIntervalMs <= 0 {
		deps.StatsMaxIntervalMs = defaultStatsMaxIntervalMs
	}
	return &TargetWriter{
		deps:          deps,
		instance:      instance,
		ruleKind:      ruleKind,
		targetID:      targetID,
		preset:        preset,
		ref:           fmt.Sprintf("%s.%s.%s", instance, ruleKind, targetID),
		lastWritten:   make(map[string]float64),
		pendingSet:    make(map[string]msg.Metric),
		pendingDelete: make(map[string]struct{}),
	}
}

// Ref returns the message ref this writer owns.
func (w *TargetWriter) Ref() string { return w.ref }

// resetAtKey is the metric key persisting a scheduled-close deadline, so
// deadlines survive restarts.
func (w *TargetWriter) resetAtKey() string {
	return fmt.Sprintf("IngestStates.%s.%s.%s.resetAt", w.instance, w.ruleKind, w.targetID)
}

// OpenActive ensures an active message exists for the target: it creates
// one from the preset, re-opens a recently closed one within its cooldown,
// re-creates a deleted one, or patches only the changed fields of an
// already active one.
func (w *TargetWriter) OpenActive(ctx context.Context, run RuntimeData) error {
	now := w.deps.Clock()
	current, exists := w.deps.Store.MessageByRef(w.ref)
	if !exists {
		return w.create(ctx, run, now, false)
	}

	switch current.Lifecycle.State {
	case core.StateDeleted:
		// Re-create from preset with the same ref.
		return w.create(ctx, run, now, true)
	case core.StateClosed, core.StateExpired:
		closedAt := current.Lifecycle.StateChangedAt
		cooldown := current.Timing.Cooldown
		if run.Cooldown != nil {
			cooldown = *run.Cooldown
		}
		if cooldown > 0 && now-closedAt <= cooldown {
			return w.reopen(ctx, current, run, closedAt+cooldown)
		}
		return w.create(ctx, run, now, true)
	default:
		return w.patchChanged(ctx, current, run)
	}
}

// CloseOnNormal handles the cause disappearing. With resetOnNormal the
// message completes; otherwise the user keeps it and only gains an
// idempotent close action. Either way the recovered text is swapped in
// when defined.
func (w *TargetWriter) CloseOnNormal(ctx context.Context) error {
	now := w.deps.Clock()
	current, exists := w.deps.Store.MessageByRef(w.ref)
	if !exists || current.Lifecycle.State.Terminal() {
		return nil
	}

	if w.preset.Policy.ResetOnNormal {
		patch := &store.Patch{Timing: &store.TimingPatch{RemindEvery: new(int64)}}
		if current.TextRecovered != "" {
			recovered := current.TextRecovered
			patch.Text = &recovered
		}
		if _, err := w.deps.Store.UpdateMessage(w.ref, patch); err != nil {
			return err
		}
		w.deps.Store.CompleteAfterCauseEliminated(w.ref, store.CompleteOptions{
			Actor:      w.actor(),
			FinishedAt: now,
		})
		w.clearScheduledClose(ctx)
		return nil
	}

	patch := &store.Patch{}
	if current.TextRecovered != "" {
		recovered := current.TextRecovered
		patch.Text = &recovered
	}
	if _, ok := findActionType(current.Actions, core.ActionClose); !ok {
		actions := append(append([]msg.Action(nil), current.Actions...), msg.Action{
			ID:   "close",
			Type: core.ActionClose,
		})
		patch.Actions = &actions
	}
	if patch.Empty() {
		return nil
	}
	_, err := w.deps.Store.UpdateMessage(w.ref, patch)
	return err
}

// PatchMetrics coalesces metric updates and writes them through the
// throttle: a write happens when a value actually changed and the minimum
// interval elapsed, or when forced. Returns whether a store write
// occurred.
func (w *TargetWriter) PatchMetrics(ctx context.Context, args MetricsArgs) (bool, error) {
	now := args.Now
	if now == 0 {
		now = w.deps.Clock()
	}
	changed := false
	for k, v := range args.Set {
		delete(w.pendingDelete, k)
		w.pendingSet[k] = v
		if prev, ok := w.lastWritten[k]; !ok || prev != v.Val {
			changed = true
		}
	}
	for _, k := range args.Delete {
		delete(w.pendingSet, k)
		w.pendingDelete[k] = struct{}{}
		changed = true
	}

	due := changed && now-w.lastFlush >= w.deps.StatsMinIntervalMs
	if !due && !args.Force {
		return false, nil
	}
	return w.flush(ctx, now)
}

// FlushMetrics writes any pending metric updates when the maximum
// interval elapsed, guaranteeing progress without value changes. The
// engine calls this from its evaluation timer.
func (w *TargetWriter) FlushMetrics(ctx context.Context, now int64) (bool, error) {
	if len(w.pendingSet) == 0 && len(w.pendingDelete) == 0 {
		return false, nil
	}
	if now-w.lastFlush < w.deps.StatsMaxIntervalMs {
		return false, nil
	}
	return w.flush(ctx, now)
}

func (w *TargetWriter) flush(ctx context.Context, now int64) (bool, error) {
	if len(w.pendingSet) == 0 && len(w.pendingDelete) == 0 {
		w.lastFlush = now
		return false, nil
	}
	patch := &store.Patch{Metrics: &store.MetricsPatch{}}
	if len(w.pendingSet) > 0 {
		patch.Metrics.Set = w.pendingSet
	}
	for k := range w.pendingDelete {
		patch.Metrics.Delete = append(patch.Metrics.Delete, k)
	}
	ok, err := w.deps.Store.UpdateMessage(w.ref, patch)
	if err != nil {
		w.deps.Logger.Error(ctx, "metric patch failed", "ref", w.ref, "err", err.Error())
		return false, err
	}
	if ok {
		for k, v := range w.pendingSet {
			w.lastWritten[k] = v.Val
		}
		for k := range w.pendingDelete {
			delete(w.lastWritten, k)
		}
	}
	w.pendingSet = make(map[string]msg.Metric)
	w.pendingDelete = make(map[string]struct{})
	w.lastFlush = now
	return ok, nil
}

// ScheduleClose persists a close deadline as a metric entry so it
// survives restarts, then relies on TryCloseScheduled to honor it.
func (w *TargetWriter) ScheduleClose(ctx context.Context, deadline int64) error {
	_, err := w.PatchMetrics(ctx, MetricsArgs{
		Set:   map[string]msg.Metric{w.resetAtKey(): {Val: float64(deadline), TS: w.deps.Clock()}},
		Force: true,
	})
	return err
}

// TryCloseScheduled closes the message when a persisted deadline is
// overdue, even if the in-process timer that scheduled it was lost to a
// restart. Returns whether a close happened.
func (w *TargetWriter) TryCloseScheduled(ctx context.Context, now int64) (bool, error) {
	current, exists := w.deps.Store.MessageByRef(w.ref)
	if !exists {
		return false, nil
	}
	entry, ok := current.Metrics[w.resetAtKey()]
	if !ok || int64(entry.Val) > now {
		return false, nil
	}
	if err := w.CloseOnNormal(ctx); err != nil {
		return false, err
	}
	w.clearScheduledClose(ctx)
	return true, nil
}

func (w *TargetWriter) clearScheduledClose(ctx context.Context) {
	w.PatchMetrics(ctx, MetricsArgs{Delete: []string{w.resetAtKey()}, Force: true})
}

// ApplyPreset re-materializes or refreshes the message from the preset
// plus overrides, on behalf of bulk apply. replace re-creates over an
// existing message and discards user edits; otherwise only changed
// presentation fields of an active message are patched.
func (w *TargetWriter) ApplyPreset(ctx context.Context, run RuntimeData, replace bool) error {
	now := w.deps.Clock()
	current, exists := w.deps.Store.MessageByRef(w.ref)
	switch {
	case !exists:
		return w.create(ctx, run, now, false)
	case replace:
		return w.create(ctx, run, now, true)
	case current.Lifecycle.State.Terminal():
		return nil
	default:
		return w.patchChanged(ctx, current, run)
	}
}

// create materializes a fresh message from the preset plus runtime data.
// replace re-creates over a terminal message with the same ref.
func (w *TargetWriter) create(ctx context.Context, run RuntimeData, now int64, replace bool) error {
	desc := w.preset.Message
	desc.Ref = w.ref
	desc.State = string(core.StateOpen)
	if run.Title != "" {
		desc.Title = run.Title
	}
	if run.Text != "" {
		desc.Text = run.Text
	}
	if run.Icon != "" {
		desc.Icon = run.Icon
	}
	if run.Level != nil {
		v := int(*run.Level)
		desc.Level = &v
	}
	if run.RemindEvery != nil {
		desc.Timing.RemindEvery = *run.RemindEvery
	}
	if run.Cooldown != nil {
		desc.Timing.Cooldown = *run.Cooldown
	}
	desc.Timing.NotifyAt = msg.EpochMS(now)
	if w.deps.Location != nil && desc.Details.Location == "" {
		desc.Details.Location = w.deps.Location(ctx, w.targetID)
	}
	if len(run.Metrics) > 0 {
		// desc.Metrics still aliases the preset template's map; merge
		// into a fresh one so the preset stays immutable.
		merged := make(msg.MetricMap, len(desc.Metrics)+len(run.Metrics))
		for k, v := range desc.Metrics {
			merged[k] = v
		}
		for k, v := range run.Metrics {
			merged[k] = v
		}
		desc.Metrics = merged
	}

	m, err := w.deps.Factory.NewMessage(ctx, desc)
	if err != nil {
		return err
	}
	if replace {
		return w.deps.Store.AddOrUpdateMessage(m)
	}
	return w.deps.Store.AddMessage(m)
}

// reopen re-activates a closed message inside its cooldown window: same
// ref, state back to open, notification at closedAt+cooldown so rapid
// flapping does not re-alert immediately.
func (w *TargetWriter) reopen(ctx context.Context, current *msg.Message, run RuntimeData, notifyAt int64) error {
	patch := &store.Patch{
		Lifecycle: &store.LifecyclePatch{State: core.StateOpen, By: w.actor()},
		Timing:    &store.TimingPatch{NotifyAt: store.SetInt64(notifyAt)},
	}
	applyRuntimePatch(patch, current, run)
	_, err := w.deps.Store.UpdateMessage(w.ref, patch)
	return err
}

// patchChanged writes only the presentation fields that actually differ.
func (w *TargetWriter) patchChanged(ctx context.Context, current *msg.Message, run RuntimeData) error {
	patch := &store.Patch{}
	applyRuntimePatch(patch, current, run)
	if patch.Empty() {
		return nil
	}
	_, err := w.deps.Store.UpdateMessage(w.ref, patch)
	return err
}

// applyRuntimePatch fills patch with the changed subset of the writer's
// patchable fields: title, text, level, icon, remindEvery, cooldown.
func applyRuntimePatch(patch *store.Patch, current *msg.Message, run RuntimeData) {
	if run.Title != "" && run.Title != current.Title {
		t := run.Title
		patch.Title = &t
	}
	if run.Text != "" && run.Text != current.Text {
		t := run.Text
		patch.Text = &t
	}
	if run.Icon != "" && run.Icon != current.Icon {
		i := run.Icon
		patch.Icon = &i
	}
	if run.Level != nil && *run.Level != current.Level {
		l := *run.Level
		patch.Level = &l
	}
	var tp store.TimingPatch
	if patch.Timing != nil {
		tp = *patch.Timing
	}
	touched := patch.Timing != nil
	if run.RemindEvery != nil && *run.RemindEvery != current.Timing.RemindEvery {
		tp.RemindEvery = run.RemindEvery
		touched = true
	}
	if run.Cooldown != nil && *run.Cooldown != current.Timing.Cooldown {
		tp.Cooldown = run.Cooldown
		touched = true
	}
	if touched {
		patch.Timing = &tp
	}
}

func (w *TargetWriter) actor() string {
	return "IngestStates." + w.instance
}

func findActionType(actions []msg.Action, t core.ActionType) (msg.Action, bool) {
	for _, a := range actions {
		if a.Type == t {
			return a, true
		}
	}
	return msg.Action{}, false
}
