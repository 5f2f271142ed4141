package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/factory"
	"github.com/msghub-io/msghub/store"
)

func newTestEngine(t *testing.T, now *int64, targets ...TargetConfig) (*store.Store, *Engine) {
	t.Helper()
	s := store.New(store.WithClock(func() int64 { return *now }))
	f := factory.New(factory.WithClock(func() int64 { return *now }))
	reg := NewPresetRegistry()
	require.NoError(t, reg.Upsert(stalePreset(true)))
	e := NewEngine(s, f, reg, WithEngineClock(func() int64 { return *now }))
	require.NoError(t, e.Configure(context.Background(), InstanceConfig{
		Instance: "home",
		Targets:  targets,
	}))
	return s, e
}

func fv(v float64) *float64 { return &v }

func thresholdTarget(targetID, inputID string) TargetConfig {
	return TargetConfig{
		TargetID: targetID,
		InputID:  inputID,
		PresetID: "stale",
		Rule: Config{Kind: KindThreshold, Threshold: &ThresholdConfig{
			Op: "lt", Value: 7, Hysteresis: 23,
		}},
	}
}

func TestConfigureRejections(t *testing.T) {
	s := store.New()
	f := factory.New()
	reg := NewPresetRegistry()
	require.NoError(t, reg.Upsert(stalePreset(true)))
	e := NewEngine(s, f, reg)
	ctx := context.Background()

	err := e.Configure(ctx, InstanceConfig{Instance: "home", Targets: []TargetConfig{
		{TargetID: "", InputID: "temp", PresetID: "stale"},
	}})
	require.ErrorIs(t, err, ErrBadRuleConfig)

	err = e.Configure(ctx, InstanceConfig{Instance: "home", Targets: []TargetConfig{
		thresholdTarget("boiler", "temp"),
		thresholdTarget("boiler", "temp2"),
	}})
	require.ErrorIs(t, err, ErrBadRuleConfig)

	bad := thresholdTarget("boiler", "temp")
	bad.Rule = Config{Kind: "bogus"}
	err = e.Configure(ctx, InstanceConfig{Instance: "home", Targets: []TargetConfig{bad}})
	require.ErrorIs(t, err, ErrUnknownRuleKind)

	missing := thresholdTarget("boiler", "temp")
	missing.PresetID = "nope"
	err = e.Configure(ctx, InstanceConfig{Instance: "home", Targets: []TargetConfig{missing}})
	require.ErrorIs(t, err, ErrUnknownPreset)
}

// Threshold lt 7 with hysteresis 23: a sample of 5 opens the message, 10 is
// not recovered enough, 30 closes it.
func TestEngineThresholdFlow(t *testing.T) {
	now := int64(1_000_000)
	s, e := newTestEngine(t, &now, thresholdTarget("boiler", "temp"))
	ctx := context.Background()
	ref := "home.threshold.boiler"

	e.OnStateChange(ctx, "temp", fv(5), now)
	m, ok := s.MessageByRef(ref)
	require.True(t, ok)
	require.Equal(t, core.StateOpen, m.Lifecycle.State)

	now += 1000
	e.OnStateChange(ctx, "temp", fv(10), now)
	m, _ = s.MessageByRef(ref)
	require.Equal(t, core.StateOpen, m.Lifecycle.State)
	// The observation is mirrored as a message metric under the input id.
	require.Equal(t, float64(10), m.Metrics["temp"].Val)

	now += 1000
	e.OnStateChange(ctx, "temp", fv(30), now)
	m, _ = s.MessageByRef(ref)
	require.Equal(t, core.StateClosed, m.Lifecycle.State)
	require.Equal(t, float64(100), m.Progress.Percentage)
}

func TestEngineDropsBadSamples(t *testing.T) {
	now := int64(1_000_000)
	s, e := newTestEngine(t, &now, thresholdTarget("boiler", "temp"))
	ctx := context.Background()

	e.OnStateChange(ctx, "temp", nil, now)
	e.OnStateChange(ctx, "temp", fv(5), 0)
	require.False(t, s.Has("home.threshold.boiler"))
}

func TestEngineFreshnessEvaluateAll(t *testing.T) {
	now := int64(1_000_000)
	s, e := newTestEngine(t, &now, TargetConfig{
		TargetID: "sensor",
		InputID:  "temp",
		PresetID: "stale",
		Rule:     Config{Kind: KindFreshness, Freshness: &FreshnessConfig{EveryMs: 60_000}},
	})
	ctx := context.Background()

	e.OnStateChange(ctx, "temp", fv(21), now)
	e.EvaluateAll(ctx)
	require.False(t, s.Has("home.freshness.sensor"))

	now += 60_000
	e.EvaluateAll(ctx)
	m, ok := s.MessageByRef("home.freshness.sensor")
	require.True(t, ok)
	require.Equal(t, core.StateOpen, m.Lifecycle.State)

	// The sensor reporting again closes the message.
	now += 1000
	e.OnStateChange(ctx, "temp", fv(22), now)
	m, _ = s.MessageByRef("home.freshness.sensor")
	require.Equal(t, core.StateClosed, m.Lifecycle.State)
}

// A close verdict with closeDelayMs persists its deadline on the message
// and the evaluation loop honors it later.
func TestEngineCloseDelay(t *testing.T) {
	now := int64(1_000_000)
	target := thresholdTarget("boiler", "temp")
	target.CloseDelayMs = 5000
	s, e := newTestEngine(t, &now, target)
	ctx := context.Background()
	ref := "home.threshold.boiler"

	e.OnStateChange(ctx, "temp", fv(5), now)
	now += 1000
	e.OnStateChange(ctx, "temp", fv(30), now)

	m, _ := s.MessageByRef(ref)
	require.Equal(t, core.StateOpen, m.Lifecycle.State)
	require.Equal(t, float64(now+5000), m.Metrics["IngestStates.home.threshold.boiler.resetAt"].Val)

	e.EvaluateAll(ctx)
	m, _ = s.MessageByRef(ref)
	require.Equal(t, core.StateOpen, m.Lifecycle.State)

	now += 5000
	e.EvaluateAll(ctx)
	m, _ = s.MessageByRef(ref)
	require.Equal(t, core.StateClosed, m.Lifecycle.State)
}

func TestEngineSessionGateRouting(t *testing.T) {
	now := int64(1_000_000)
	s, e := newTestEngine(t, &now, TargetConfig{
		TargetID: "washer",
		InputID:  "power",
		PresetID: "stale",
		Rule: Config{Kind: KindSession, Session: &SessionConfig{
			StartThreshold: 100,
			StopThreshold:  50,
			GateID:         "switch",
		}},
	})
	ctx := context.Background()
	ref := "home.session.washer"

	// Gate is off: power alone does not start a session.
	e.OnStateChange(ctx, "power", fv(150), now)
	require.False(t, s.Has(ref))

	now += 1000
	e.OnStateChange(ctx, "switch", fv(1), now)
	now += 1000
	e.OnStateChange(ctx, "power", fv(150), now)
	m, ok := s.MessageByRef(ref)
	require.True(t, ok)
	require.Equal(t, core.StateOpen, m.Lifecycle.State)

	now += 1000
	e.OnStateChange(ctx, "power", fv(10), now)
	m, _ = s.MessageByRef(ref)
	require.Equal(t, core.StateClosed, m.Lifecycle.State)
}

func TestEngineMarkCycleDone(t *testing.T) {
	now := int64(1_000_000)
	s, e := newTestEngine(t, &now, TargetConfig{
		TargetID: "filter",
		InputID:  "runtime",
		PresetID: "stale",
		Rule:     Config{Kind: KindCycle, Cycle: &CycleConfig{Period: 50}},
	})
	ctx := context.Background()
	ref := "home.cycle.filter"

	e.OnStateChange(ctx, "runtime", fv(100), now)
	now += 1000
	e.OnStateChange(ctx, "runtime", fv(160), now)
	m, _ := s.MessageByRef(ref)
	require.Equal(t, core.StateOpen, m.Lifecycle.State)

	require.NoError(t, e.MarkCycleDone("filter"))
	m, _ = s.MessageByRef(ref)
	require.Equal(t, core.StateClosed, m.Lifecycle.State)

	require.Error(t, e.MarkCycleDone("nope"))
}

func TestEngineMarkCycleDoneRejectsOtherKinds(t *testing.T) {
	now := int64(1_000_000)
	_, e := newTestEngine(t, &now, thresholdTarget("boiler", "temp"))
	require.Error(t, e.MarkCycleDone("boiler"))
}

func TestEngineStatus(t *testing.T) {
	now := int64(1_000_000)
	_, e := newTestEngine(t, &now,
		thresholdTarget("zulu", "temp2"),
		thresholdTarget("alpha", "temp1"),
	)

	status := e.Status()
	require.Len(t, status, 2)
	require.Equal(t, "alpha", status[0].TargetID)
	require.Equal(t, "home.threshold.alpha", status[0].Ref)
	require.Equal(t, "stale", status[0].PresetID)
	require.Equal(t, KindThreshold, status[0].RuleKind)
	require.Equal(t, "zulu", status[1].TargetID)
}
