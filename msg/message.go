// Package msg defines the message model shared by the store, factory,
// scheduler, rule engine and plugins, together with its JSON codec. All
// timestamps are epoch milliseconds; all durations are milliseconds.
// Nullable timestamps are pointers: a nil NotifyAt means the message is not
// pending notification.
package msg

import (
	"github.com/msghub-io/msghub/core"
)

type (
	// Message is the central entity of the hub, keyed by Ref. The store
	// owns the canonical instance; callers receive deep copies on reads and
	// submit patches for writes.
	Message struct {
		// Ref is the unique caller-supplied identifier. Non-empty,
		// immutable for the message's lifetime.
		Ref string `json:"ref"`
		// Kind classifies the message (task, status, ...).
		Kind core.Kind `json:"kind"`
		// Level is the numeric severity.
		Level core.Level `json:"level"`
		// Origin names the producer that created the message.
		Origin string `json:"origin,omitempty"`

		// Title and Text are the user-facing presentation strings.
		Title string `json:"title,omitempty"`
		Text  string `json:"text,omitempty"`
		// TextRecovered is swapped into Text when the message transitions
		// to closed/normal.
		TextRecovered string   `json:"textRecovered,omitempty"`
		Icon          string   `json:"icon,omitempty"`
		Details       Details  `json:"details,omitzero"`
		Attachments   []string `json:"attachments,omitempty"`

		Lifecycle Lifecycle `json:"lifecycle"`
		Timing    Timing    `json:"timing,omitzero"`

		// Actions is the whitelist of permitted workflow actions. IDs are
		// unique within a message.
		Actions []Action `json:"actions,omitempty"`

		// Metrics holds telemetry keyed by metric name. The map survives
		// JSON round-trips via the Map marker encoding.
		Metrics  MetricMap `json:"metrics,omitempty"`
		Progress *Progress `json:"progress,omitempty"`

		Audience Audience `json:"audience,omitzero"`
	}

	// Details carries optional structured presentation fields.
	Details struct {
		Location    string   `json:"location,omitempty"`
		Task        string   `json:"task,omitempty"`
		Reason      string   `json:"reason,omitempty"`
		Tools       []string `json:"tools,omitempty"`
		Consumables []string `json:"consumables,omitempty"`
	}

	// Lifecycle records the workflow state and its last transition.
	Lifecycle struct {
		State LifecycleStateField `json:"state"`
		// StateChangedAt is the epoch-ms timestamp of the last transition.
		StateChangedAt int64 `json:"stateChangedAt,omitempty"`
		// StateChangedBy identifies the actor of the last transition.
		StateChangedBy string `json:"stateChangedBy,omitempty"`
	}

	// LifecycleStateField aliases core.LifecycleState for JSON symmetry.
	LifecycleStateField = core.LifecycleState

	// Timing groups the scheduling-relevant timestamps. Pointer fields are
	// nullable; nil means unset.
	Timing struct {
		// StartAt delays visibility: queries exclude messages whose
		// StartAt lies in the future.
		StartAt *int64 `json:"startAt,omitempty"`
		// NotifyAt is the next notification due time. Nil iff the message
		// is not pending notification.
		NotifyAt *int64 `json:"notifyAt,omitempty"`
		// RemindEvery re-arms NotifyAt this many ms after each dispatch.
		// Zero disables reminders.
		RemindEvery int64 `json:"remindEvery,omitempty"`
		// Cooldown is the re-open window after a close, in ms.
		Cooldown int64 `json:"cooldown,omitempty"`
		// TimeBudget and DueAt apply to kind=task only.
		TimeBudget int64  `json:"timeBudget,omitempty"`
		DueAt      *int64 `json:"dueAt,omitempty"`
		// ExpiresAt hard-expires the message.
		ExpiresAt *int64 `json:"expiresAt,omitempty"`
	}

	// Action is one whitelisted workflow action.
	Action struct {
		ID      string          `json:"id"`
		Type    core.ActionType `json:"type"`
		Payload map[string]any  `json:"payload,omitempty"`
	}

	// Metric is one telemetry sample.
	Metric struct {
		Val  float64 `json:"val"`
		Unit string  `json:"unit,omitempty"`
		TS   int64   `json:"ts"`
	}

	// Progress tracks task completion.
	Progress struct {
		Percentage float64 `json:"percentage"`
		StartedAt  int64   `json:"startedAt,omitempty"`
		FinishedAt int64   `json:"finishedAt,omitempty"`
	}

	// Audience carries routing hints for notify sinks.
	Audience struct {
		Tags     []string `json:"tags,omitempty"`
		Channels Channels `json:"channels,omitzero"`
	}

	// Channels lists normalized include/exclude routing channels and an
	// optional hard route target.
	Channels struct {
		Include []string `json:"include,omitempty"`
		Exclude []string `json:"exclude,omitempty"`
		RouteTo string   `json:"routeTo,omitempty"`
	}
)

// Clone returns a deep copy of m. The store hands out clones so callers can
// never alias canonical state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Attachments = cloneStrings(m.Attachments)
	out.Details.Tools = cloneStrings(m.Details.Tools)
	out.Details.Consumables = cloneStrings(m.Details.Consumables)
	out.Timing.StartAt = cloneInt64(m.Timing.StartAt)
	out.Timing.NotifyAt = cloneInt64(m.Timing.NotifyAt)
	out.Timing.DueAt = cloneInt64(m.Timing.DueAt)
	out.Timing.ExpiresAt = cloneInt64(m.Timing.ExpiresAt)
	if m.Actions != nil {
		out.Actions = make([]Action, len(m.Actions))
		for i, a := range m.Actions {
			out.Actions[i] = a
			if a.Payload != nil {
				p := make(map[string]any, len(a.Payload))
				for k, v := range a.Payload {
					p[k] = v
				}
				out.Actions[i].Payload = p
			}
		}
	}
	if m.Metrics != nil {
		out.Metrics = make(MetricMap, len(m.Metrics))
		for k, v := range m.Metrics {
			out.Metrics[k] = v
		}
	}
	if m.Progress != nil {
		p := *m.Progress
		out.Progress = &p
	}
	out.Audience.Tags = cloneStrings(m.Audience.Tags)
	out.Audience.Channels.Include = cloneStrings(m.Audience.Channels.Include)
	out.Audience.Channels.Exclude = cloneStrings(m.Audience.Channels.Exclude)
	return &out
}

// ActionByID returns the whitelisted action with the given id, if any.
func (m *Message) ActionByID(id string) (Action, bool) {
	for _, a := range m.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// Pending reports whether the message awaits a notification.
func (m *Message) Pending() bool {
	return m.Timing.NotifyAt != nil
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// EpochMS is a convenience for building nullable epoch-ms fields.
func EpochMS(v int64) *int64 { return &v }
