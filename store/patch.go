package store

import (
	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/msg"
)

type (
	// Patch is the typed mutation submitted to UpdateMessage. Nil fields
	// are untouched; non-nil scalar pointers replace the current value;
	// nested patches merge field by field. Slices replace as a whole.
	Patch struct {
		Level         *core.Level
		Origin        *string
		Title         *string
		Text          *string
		TextRecovered *string
		Icon          *string
		Details       *msg.Details
		Attachments   *[]string
		Lifecycle     *LifecyclePatch
		Timing        *TimingPatch
		Actions       *[]msg.Action
		Metrics       *MetricsPatch
		Progress      *ProgressPatch
		Audience      *msg.Audience
	}

	// LifecyclePatch transitions the workflow state. StateChangedAt is
	// stamped by the store; By is recorded when non-empty.
	LifecyclePatch struct {
		State core.LifecycleState
		By    string
	}

	// TimingPatch merges into Timing. Nullable timestamps use OptInt64 so
	// callers can distinguish "leave alone" from "clear".
	TimingPatch struct {
		StartAt     OptInt64
		NotifyAt    OptInt64
		RemindEvery *int64
		Cooldown    *int64
		TimeBudget  *int64
		DueAt       OptInt64
		ExpiresAt   OptInt64
	}

	// MetricsPatch upserts and deletes metric entries. Set entries with a
	// zero TS are stamped with the store clock.
	MetricsPatch struct {
		Set    map[string]msg.Metric
		Delete []string
	}

	// ProgressPatch sets or clears the progress record.
	ProgressPatch struct {
		Set   *msg.Progress
		Clear bool
	}

	// OptInt64 is a tri-state nullable int64: absent, set to a value, or
	// cleared to null.
	OptInt64 struct {
		Present bool
		Value   *int64
	}
)

// SetInt64 returns an OptInt64 carrying v.
func SetInt64(v int64) OptInt64 { return OptInt64{Present: true, Value: &v} }

// ClearInt64 returns an OptInt64 that clears the target to null.
func ClearInt64() OptInt64 { return OptInt64{Present: true} }

// Empty reports whether the patch changes nothing.
func (p *Patch) Empty() bool {
	if p == nil {
		return true
	}
	return p.Level == nil && p.Origin == nil && p.Title == nil && p.Text == nil &&
		p.TextRecovered == nil && p.Icon == nil && p.Details == nil &&
		p.Attachments == nil && p.Lifecycle == nil && p.Timing == nil &&
		p.Actions == nil && p.Metrics == nil && p.Progress == nil && p.Audience == nil
}

// apply merges the patch into m in place. now stamps lifecycle transitions
// and unstamped metric samples. The caller holds the store lock and has
// already validated the patch.
func (p *Patch) apply(m *msg.Message, now int64) {
	if p.Level != nil {
		m.Level = *p.Level
	}
	if p.Origin != nil {
		m.Origin = *p.Origin
	}
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.Text != nil {
		m.Text = *p.Text
	}
	if p.TextRecovered != nil {
		m.TextRecovered = *p.TextRecovered
	}
	if p.Icon != nil {
		m.Icon = *p.Icon
	}
	if p.Details != nil {
		m.Details = *p.Details
	}
	if p.Attachments != nil {
		m.Attachments = append([]string(nil), (*p.Attachments)...)
	}
	if p.Lifecycle != nil {
		if p.Lifecycle.State != m.Lifecycle.State {
			m.Lifecycle.State = p.Lifecycle.State
			m.Lifecycle.StateChangedAt = now
		}
		if p.Lifecycle.By != "" {
			m.Lifecycle.StateChangedBy = p.Lifecycle.By
		}
	}
	if p.Timing != nil {
		p.Timing.apply(&m.Timing)
	}
	if p.Actions != nil {
		m.Actions = append([]msg.Action(nil), (*p.Actions)...)
	}
	if p.Metrics != nil {
		p.Metrics.apply(m, now)
	}
	if p.Progress != nil {
		switch {
		case p.Progress.Clear:
			m.Progress = nil
		case p.Progress.Set != nil:
			v := *p.Progress.Set
			m.Progress = &v
		}
	}
	if p.Audience != nil {
		a := *p.Audience
		a.Tags = msg.NormalizeChannels(a.Tags)
		a.Channels.Include = msg.NormalizeChannels(a.Channels.Include)
		a.Channels.Exclude = msg.NormalizeChannels(a.Channels.Exclude)
		m.Audience = a
	}
}

func (tp *TimingPatch) apply(t *msg.Timing) {
	if tp.StartAt.Present {
		t.StartAt = cloneOpt(tp.StartAt)
	}
	if tp.NotifyAt.Present {
		t.NotifyAt = cloneOpt(tp.NotifyAt)
	}
	if tp.RemindEvery != nil {
		t.RemindEvery = *tp.RemindEvery
	}
	if tp.Cooldown != nil {
		t.Cooldown = *tp.Cooldown
	}
	if tp.TimeBudget != nil {
		t.TimeBudget = *tp.TimeBudget
	}
	if tp.DueAt.Present {
		t.DueAt = cloneOpt(tp.DueAt)
	}
	if tp.ExpiresAt.Present {
		t.ExpiresAt = cloneOpt(tp.ExpiresAt)
	}
}

func (mp *MetricsPatch) apply(m *msg.Message, now int64) {
	if len(mp.Set) > 0 && m.Metrics == nil {
		m.Metrics = make(msg.MetricMap, len(mp.Set))
	}
	for k, v := range mp.Set {
		if v.TS == 0 {
			v.TS = now
		}
		m.Metrics[k] = v
	}
	for _, k := range mp.Delete {
		delete(m.Metrics, k)
	}
}

func cloneOpt(o OptInt64) *int64 {
	if o.Value == nil {
		return nil
	}
	v := *o.Value
	return &v
}
