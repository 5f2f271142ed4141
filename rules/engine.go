package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msghub-io/msghub/factory"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/store"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// TargetConfig binds one input to one rule and one preset. The engine
	// keeps an isolated rule instance and writer per target.
	TargetConfig struct {
		// TargetID identifies the target inside the instance; it becomes
		// part of the owned message ref.
		TargetID string `json:"targetId"`
		// InputID is the primary observation stream routed to the rule.
		InputID string `json:"inputId"`
		Rule    Config `json:"rule"`
		// PresetID selects the message template.
		PresetID string `json:"presetId"`
		// MetricKey is the metric name observations are mirrored under on
		// the message; defaults to the input id.
		MetricKey string `json:"metricKey,omitempty"`
		// Unit annotates mirrored metric samples.
		Unit string `json:"unit,omitempty"`
		// CloseDelayMs defers a close verdict by this long; the deadline
		// is persisted on the message and survives restarts.
		CloseDelayMs int64 `json:"closeDelayMs,omitempty"`
		// Runtime overrides preset presentation fields.
		Runtime RuntimeData `json:"-"`
	}

	// InstanceConfig is the full configuration of one engine instance.
	InstanceConfig struct {
		Instance           string         `json:"instance"`
		Targets            []TargetConfig `json:"targets"`
		EvalIntervalMs     int64          `json:"evalIntervalMs,omitempty"`
		StatsMinIntervalMs int64          `json:"statsMinIntervalMs,omitempty"`
		StatsMaxIntervalMs int64          `json:"statsMaxIntervalMs,omitempty"`
	}

	// TargetStatus is the admin view of one configured target.
	TargetStatus struct {
		TargetID string `json:"targetId"`
		InputID  string `json:"inputId"`
		RuleKind string `json:"ruleKind"`
		Ref      string `json:"ref"`
		PresetID string `json:"presetId"`
	}

	// Engine routes observations from host inputs to rule instances and
	// turns their verdicts into message writes. One engine instance
	// serializes all rule access under its mutex; rules themselves are
	// not thread-safe.
	Engine struct {
		store    *store.Store
		factory  *factory.Factory
		presets  *PresetRegistry
		logger   telemetry.Logger
		stats    *telemetry.Stats
		clock    func() int64
		location LocationResolver

		mu       sync.Mutex
		instance string
		interval time.Duration
		targets  map[string]*targetState
		byInput  map[string][]*targetState
		byDep    map[string][]*targetState

		stop chan struct{}
		done chan struct{}
	}

	targetState struct {
		cfg    TargetConfig
		rule   Rule
		writer *TargetWriter
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)
)

// defaultEvalInterval paces time-driven rule evaluation.
const defaultEvalInterval = 10 * time.Second

// ErrUnknownPreset reports a target referencing a preset id the registry
// does not hold.
var ErrUnknownPreset = errors.New("target references unknown preset")

// WithEngineLogger sets the logger.
func WithEngineLogger(l telemetry.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineStats sets the stats registry.
func WithEngineStats(s *telemetry.Stats) EngineOption {
	return func(e *Engine) { e.stats = s }
}

// WithEngineClock sets the epoch-ms time source.
func WithEngineClock(c func() int64) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLocationResolver sets the target-id to location mapping used when a
// preset leaves the location blank.
func WithLocationResolver(r LocationResolver) EngineOption {
	return func(e *Engine) { e.location = r }
}

// NewEngine returns an unconfigured engine. Configure must run before
// observations are routed.
func NewEngine(s *store.Store, f *factory.Factory, presets *PresetRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    s,
		factory:  f,
		presets:  presets,
		interval: defaultEvalInterval,
		targets:  make(map[string]*targetState),
		byInput:  make(map[string][]*targetState),
		byDep:    make(map[string][]*targetState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.clock == nil {
		e.clock = func() int64 { return time.Now().UnixMilli() }
	}
	return e
}

// Configure replaces the instance configuration. All rule history resets;
// persisted close deadlines survive on the messages and are honored by
// the next evaluation pass.
func (e *Engine) Configure(ctx context.Context, cfg InstanceConfig) error {
	targets := make(map[string]*targetState, len(cfg.Targets))
	byInput := make(map[string][]*targetState)
	byDep := make(map[string][]*targetState)

	for _, tc := range cfg.Targets {
		if tc.TargetID == "" || tc.InputID == "" {
			return errBadParam("target needs targetId and inputId")
		}
		if _, dup := targets[tc.TargetID]; dup {
			return errBadParam(fmt.Sprintf("duplicate target %q", tc.TargetID))
		}
		rule, err := NewRule(tc.Rule)
		if err != nil {
			return fmt.Errorf("target %q: %w", tc.TargetID, err)
		}
		preset, err := e.presets.Get(tc.PresetID)
		if err != nil {
			return fmt.Errorf("%w: target %q preset %q", ErrUnknownPreset, tc.TargetID, tc.PresetID)
		}
		if tc.MetricKey == "" {
			tc.MetricKey = tc.InputID
		}
		writer := NewTargetWriter(WriterDeps{
			Store:              e.store,
			Factory:            e.factory,
			Logger:             e.logger,
			Clock:              e.clock,
			Location:           e.location,
			StatsMinIntervalMs: cfg.StatsMinIntervalMs,
			StatsMaxIntervalMs: cfg.StatsMaxIntervalMs,
		}, cfg.Instance, tc.Rule.Kind, tc.TargetID, preset)

		ts := &targetState{cfg: tc, rule: rule, writer: writer}
		targets[tc.TargetID] = ts
		byInput[tc.InputID] = append(byInput[tc.InputID], ts)
		if dep := dependencyID(tc.Rule); dep != "" {
			byDep[dep] = append(byDep[dep], ts)
		}
	}

	e.mu.Lock()
	e.instance = cfg.Instance
	e.targets = targets
	e.byInput = byInput
	e.byDep = byDep
	if cfg.EvalIntervalMs > 0 {
		e.interval = time.Duration(cfg.EvalIntervalMs) * time.Millisecond
	}
	e.mu.Unlock()

	e.logger.Info(ctx, "rule engine configured",
		"instance", cfg.Instance, "targets", len(cfg.Targets))
	if e.stats != nil {
		e.stats.Set("rules.targets", float64(len(cfg.Targets)))
	}
	return nil
}

// dependencyID extracts the secondary input a rule config subscribes to.
func dependencyID(cfg Config) string {
	switch cfg.Kind {
	case KindTriggered:
		if cfg.Triggered != nil {
			return cfg.Triggered.DependencyID
		}
	case KindSession:
		if cfg.Session != nil {
			return cfg.Session.GateID
		}
	}
	return ""
}

// OnStateChange routes one host state change. Samples without a value or
// timestamp are dropped.
func (e *Engine) OnStateChange(ctx context.Context, inputID string, val *float64, ts int64) {
	if val == nil || ts <= 0 {
		return
	}
	o := Observation{TS: ts, Val: *val}
	now := e.clock()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.byInput[inputID] {
		v := t.rule.Observe(o, now)
		e.mirrorMetric(ctx, t, o)
		e.applyVerdict(ctx, t, v, now)
	}
	for _, t := range e.byDep[inputID] {
		do, ok := t.rule.(DependencyObserver)
		if !ok {
			continue
		}
		v := do.ObserveDependency(o, now)
		e.applyVerdict(ctx, t, v, now)
	}
	if e.stats != nil {
		e.stats.Inc("rules.observations", 1)
	}
}

// EvaluateAll runs the time-driven checks of every rule, flushes pending
// metric writes and honors overdue persisted close deadlines.
func (e *Engine) EvaluateAll(ctx context.Context) {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.sortedTargets() {
		v := t.rule.Evaluate(now)
		e.applyVerdict(ctx, t, v, now)
		if _, err := t.writer.FlushMetrics(ctx, now); err != nil {
			e.logger.Warn(ctx, "metric flush failed", "ref", t.writer.Ref(), "err", err.Error())
		}
		if closed, err := t.writer.TryCloseScheduled(ctx, now); err != nil {
			e.logger.Warn(ctx, "scheduled close failed", "ref", t.writer.Ref(), "err", err.Error())
		} else if closed {
			e.logger.Info(ctx, "scheduled close applied", "ref", t.writer.Ref())
		}
	}
}

// Start launches the evaluation loop. Stop ends it.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stop != nil {
		e.mu.Unlock()
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done, interval := e.stop, e.done, e.interval
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.EvaluateAll(ctx)
			}
		}
	}()
}

// Stop ends the evaluation loop and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Status reports the configured targets sorted by id.
func (e *Engine) Status() []TargetStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TargetStatus, 0, len(e.targets))
	for _, t := range e.sortedTargets() {
		out = append(out, TargetStatus{
			TargetID: t.cfg.TargetID,
			InputID:  t.cfg.InputID,
			RuleKind: t.cfg.Rule.Kind,
			Ref:      t.writer.Ref(),
			PresetID: t.cfg.PresetID,
		})
	}
	return out
}

// MarkCycleDone resets a cycle rule's counter baseline, typically wired
// to a message action.
func (e *Engine) MarkCycleDone(targetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.targets[targetID]
	if !ok {
		return errBadParam(fmt.Sprintf("unknown target %q", targetID))
	}
	c, ok := t.rule.(*cycle)
	if !ok {
		return errBadParam(fmt.Sprintf("target %q is not a cycle rule", targetID))
	}
	now := e.clock()
	e.applyVerdict(context.Background(), t, c.MarkDone(c.markVal, now), now)
	return nil
}

// applyVerdict translates a rule verdict into writer calls. Caller holds
// the engine mutex.
func (e *Engine) applyVerdict(ctx context.Context, t *targetState, v Verdict, now int64) {
	switch v {
	case VerdictOpen:
		if err := t.writer.OpenActive(ctx, t.cfg.Runtime); err != nil {
			e.logger.Error(ctx, "rule open failed", "ref", t.writer.Ref(), "err", err.Error())
			return
		}
		if e.stats != nil {
			e.stats.Inc("rules.opened", 1)
		}
	case VerdictClose:
		if t.cfg.CloseDelayMs > 0 {
			if err := t.writer.ScheduleClose(ctx, now+t.cfg.CloseDelayMs); err != nil {
				e.logger.Error(ctx, "close schedule failed", "ref", t.writer.Ref(), "err", err.Error())
			}
			return
		}
		if err := t.writer.CloseOnNormal(ctx); err != nil {
			e.logger.Error(ctx, "rule close failed", "ref", t.writer.Ref(), "err", err.Error())
			return
		}
		if e.stats != nil {
			e.stats.Inc("rules.closed", 1)
		}
	}
}

// mirrorMetric reflects the observation on the owned message through the
// writer's throttle. Messages that do not exist yet are skipped.
func (e *Engine) mirrorMetric(ctx context.Context, t *targetState, o Observation) {
	if !e.store.Has(t.writer.Ref()) {
		return
	}
	_, err := t.writer.PatchMetrics(ctx, MetricsArgs{
		Set: map[string]msg.Metric{
			t.cfg.MetricKey: {Val: o.Val, Unit: t.cfg.Unit, TS: o.TS},
		},
	})
	if err != nil {
		e.logger.Warn(ctx, "metric mirror failed", "ref", t.writer.Ref(), "err", err.Error())
	}
}

func (e *Engine) sortedTargets() []*targetState {
	out := make([]*targetState, 0, len(e.targets))
	for _, t := range e.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.TargetID < out[j].cfg.TargetID })
	return out
}
