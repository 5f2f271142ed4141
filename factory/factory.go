// Package factory normalizes raw message descriptors into validated
// messages. The factory fills defaults from the core constants, cleans up
// presentation strings and enforces the model invariants. It never writes
// to the store; ingest plugins and the rule engine pass its output to the
// store themselves.
package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// Descriptor is the raw input for a new or updated message. String
	// enums are resolved against the core constants; zero values fall back
	// to defaults.
	Descriptor struct {
		Ref           string         `json:"ref"`
		Kind          string         `json:"kind,omitempty"`
		Level         *int           `json:"level,omitempty"`
		Origin        string         `json:"origin,omitempty"`
		Title         string         `json:"title,omitempty"`
		Text          string         `json:"text,omitempty"`
		TextRecovered string         `json:"textRecovered,omitempty"`
		Icon          string         `json:"icon,omitempty"`
		Details       msg.Details    `json:"details,omitzero"`
		Attachments   []string       `json:"attachments,omitempty"`
		State         string         `json:"state,omitempty"`
		Timing        msg.Timing     `json:"timing,omitzero"`
		Actions       []msg.Action   `json:"actions,omitempty"`
		Metrics       msg.MetricMap  `json:"metrics,omitempty"`
		Progress      *msg.Progress  `json:"progress,omitempty"`
		Audience      msg.Audience   `json:"audience,omitzero"`
	}

	// Factory builds messages from descriptors.
	Factory struct {
		logger telemetry.Logger
		clock  func() int64
	}

	// Option configures a Factory.
	Option func(*Factory)
)

// Rejection errors.
var (
	ErrMissingRef    = errors.New("descriptor has no ref")
	ErrUnknownKind   = errors.New("unknown kind")
	ErrUnknownLevel  = errors.New("unknown level")
	ErrUnknownState  = errors.New("unknown lifecycle state")
	ErrBadAction     = errors.New("malformed action")
	ErrTaskOnlyField = errors.New("dueAt/timeBudget are task-only fields")
)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// WithClock sets the epoch-ms time source.
func WithClock(c func() int64) Option {
	return func(f *Factory) { f.clock = c }
}

// New returns a Factory.
func New(opts ...Option) *Factory {
	f := &Factory{}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.logger == nil {
		f.logger = telemetry.NewNoopLogger()
	}
	return f
}

// NewMessage builds a validated message from the descriptor. On rejection
// it logs the reason and returns a nil message with the error.
func (f *Factory) NewMessage(ctx context.Context, d Descriptor) (*msg.Message, error) {
	m, err := f.build(d)
	if err != nil {
		f.logger.Warn(ctx, "message descriptor rejected", "ref", d.Ref, "err", err.Error())
		return nil, err
	}
	return m, nil
}

func (f *Factory) build(d Descriptor) (*msg.Message, error) {
	if d.Ref == "" {
		return nil, ErrMissingRef
	}

	kind := core.KindStatus
	if d.Kind != "" {
		kind = core.Kind(d.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, d.Kind)
		}
	}

	level := core.LevelInfo
	if d.Level != nil {
		level = core.Level(*d.Level)
		if !level.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, *d.Level)
		}
	}

	state := core.StateOpen
	if d.State != "" {
		state = core.LifecycleState(d.State)
		if !state.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownState, d.State)
		}
	}

	seen := make(map[string]struct{}, len(d.Actions))
	actions := make([]msg.Action, 0, len(d.Actions))
	for _, a := range d.Actions {
		if a.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrBadAction)
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrBadAction, a.ID)
		}
		if !a.Type.Valid() {
			return nil, fmt.Errorf("%w: action %q has unknown type %q", ErrBadAction, a.ID, a.Type)
		}
		seen[a.ID] = struct{}{}
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		actions = nil
	}

	timing := d.Timing
	if kind != core.KindTask {
		// dueAt and timeBudget only make sense on tasks; the writer
		// enforces rather than errors so templated descriptors with
		// stale fields still load.
		if timing.DueAt != nil || timing.TimeBudget != 0 {
			timing.DueAt = nil
			timing.TimeBudget = 0
		}
	}

	m := &msg.Message{
		Ref:           d.Ref,
		Kind:          kind,
		Level:         level,
		Origin:        d.Origin,
		Title:         msg.NormalizeText(d.Title),
		Text:          msg.NormalizeText(d.Text),
		TextRecovered: msg.NormalizeText(d.TextRecovered),
		Icon:          d.Icon,
		Details:       d.Details,
		Attachments:   append([]string(nil), d.Attachments...),
		Lifecycle:     msg.Lifecycle{State: state},
		Timing:        timing,
		Actions:       actions,
		Progress:      d.Progress,
		Audience: msg.Audience{
			Tags: msg.NormalizeChannels(d.Audience.Tags),
			Channels: msg.Channels{
				Include: msg.NormalizeChannels(d.Audience.Channels.Include),
				Exclude: msg.NormalizeChannels(d.Audience.Channels.Exclude),
				RouteTo: d.Audience.Channels.RouteTo,
			},
		},
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	if len(d.Metrics) > 0 {
		m.Metrics = make(msg.MetricMap, len(d.Metrics))
		for k, v := range d.Metrics {
			m.Metrics[k] = v
		}
	}
	if f.clock != nil {
		m.Lifecycle.StateChangedAt = f.clock()
	}
	return m, nil
}
