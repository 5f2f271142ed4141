package admin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msghub-io/msghub/archive"
	"github.com/msghub-io/msghub/config"
	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/factory"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/rules"
	"github.com/msghub-io/msghub/store"
	"github.com/msghub-io/msghub/telemetry"

	aipkg "github.com/msghub-io/msghub/ai"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func seededDeps(t *testing.T) Deps {
	t.Helper()
	s := store.New(store.WithClock(func() int64 { return 1000 }))
	require.NoError(t, s.AddMessage(&msg.Message{
		Ref:       "a",
		Kind:      core.KindStatus,
		Level:     core.LevelWarning,
		Lifecycle: msg.Lifecycle{State: core.StateOpen},
	}))
	require.NoError(t, s.AddMessage(&msg.Message{
		Ref:       "b",
		Kind:      core.KindAlert,
		Level:     core.LevelError,
		Lifecycle: msg.Lifecycle{State: core.StateOpen},
	}))
	return Deps{
		Store: s,
		Stats: telemetry.NewStats(nil),
	}
}

func TestUnknownCommand(t *testing.T) {
	r := NewRouter(Deps{})
	resp := r.Handle(context.Background(), "admin.nope", nil)
	require.False(t, resp.OK)
	require.Equal(t, CodeUnknownCommand, resp.Error.Code)
}

func TestNotReadyWithoutDeps(t *testing.T) {
	r := NewRouter(Deps{})
	ctx := context.Background()
	for _, cmd := range []string{
		"admin.stats.get",
		"admin.messages.query",
		"admin.messages.delete",
		"admin.archive.status",
		"admin.archive.retryNative",
		"admin.archive.forceHost",
		"admin.ingestStates.presets.list",
		"admin.ingestStates.bulkApply.preview",
	} {
		resp := r.Handle(ctx, cmd, nil)
		require.False(t, resp.OK, cmd)
		require.Equal(t, CodeNotReady, resp.Error.Code, cmd)
	}
}

func TestEnvelopeRoundTripsAsJSON(t *testing.T) {
	r := NewRouter(Deps{})
	resp := r.Handle(context.Background(), "admin.constants.get", nil)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, true, decoded["ok"])
	require.NotContains(t, decoded, "error")
}

func TestStatsGet(t *testing.T) {
	deps := seededDeps(t)
	deps.Stats.Inc("hub_store_mutations", 2)
	r := NewRouter(deps)

	resp := r.Handle(context.Background(), "admin.stats.get", nil)
	require.True(t, resp.OK)
	data := resp.Data.(map[string]any)
	require.Equal(t, 2, data["messages"])
	counters := data["counters"].(map[string]float64)
	require.Equal(t, float64(2), counters["hub_store_mutations"])
	require.NotContains(t, data, "archiveSizeBytes")
}

func TestStatsGetWithArchiveSize(t *testing.T) {
	deps := seededDeps(t)
	deps.Archive = archive.New(context.Background(), archive.Config{BaseDir: t.TempDir()})
	defer deps.Archive.Close()
	require.NoError(t, <-deps.Archive.Append(context.Background(), archive.SourceMessages, archive.Entry{Ref: "a", TS: 1000}))
	r := NewRouter(deps)

	resp := r.Handle(context.Background(), "admin.stats.get",
		raw(t, map[string]any{"include": map[string]any{"archiveSize": true}}))
	require.True(t, resp.OK)
	data := resp.Data.(map[string]any)
	require.Greater(t, data["archiveSizeBytes"].(int64), int64(0))
}

func TestMessagesQuery(t *testing.T) {
	r := NewRouter(seededDeps(t))

	resp := r.Handle(context.Background(), "admin.messages.query",
		raw(t, map[string]any{"query": map[string]any{"where": map[string]any{"kind": "alert"}}}))
	require.True(t, resp.OK)
	data := resp.Data.(map[string]any)
	require.Equal(t, 1, data["total"])
	require.Equal(t, 1, data["pages"])
	meta := data["meta"].(map[string]any)
	require.Equal(t, 1, meta["page"])
	items := data["items"].([]*msg.Message)
	require.Len(t, items, 1)
	require.Equal(t, "b", items[0].Ref)
}

func TestMessagesQueryMalformedPayload(t *testing.T) {
	r := NewRouter(seededDeps(t))
	resp := r.Handle(context.Background(), "admin.messages.query", json.RawMessage(`{"query":`))
	require.False(t, resp.OK)
	require.Equal(t, CodeBadRequest, resp.Error.Code)
}

func TestMessagesDelete(t *testing.T) {
	deps := seededDeps(t)
	r := NewRouter(deps)
	ctx := context.Background()

	resp := r.Handle(ctx, "admin.messages.delete", raw(t, map[string]any{"refs": []string{"a", "missing"}}))
	require.True(t, resp.OK)
	require.Equal(t, 1, resp.Data.(map[string]any)["removed"])
	require.False(t, deps.Store.Has("a"))

	resp = r.Handle(ctx, "admin.messages.delete", raw(t, map[string]any{"refs": []string{}}))
	require.False(t, resp.OK)
	require.Equal(t, CodeBadRequest, resp.Error.Code)
}

func TestConstantsGet(t *testing.T) {
	r := NewRouter(Deps{})
	resp := r.Handle(context.Background(), "admin.constants.get", nil)
	require.True(t, resp.OK)
	data := resp.Data.(map[string]any)
	require.Len(t, data["kind"].([]core.Kind), 6)
	require.Len(t, data["lifecycle"].([]core.LifecycleState), 6)
	require.Equal(t, core.LevelWarning, data["level"].(map[string]core.Level)["warning"])
}

func TestArchiveCommands(t *testing.T) {
	deps := Deps{Archive: archive.New(context.Background(), archive.Config{BaseDir: t.TempDir()})}
	defer deps.Archive.Close()
	r := NewRouter(deps)
	ctx := context.Background()

	resp := r.Handle(ctx, "admin.archive.status", nil)
	require.True(t, resp.OK)
	require.Equal(t, archive.StrategyNative, resp.Data.(archive.Status).EffectiveStrategy)

	resp = r.Handle(ctx, "admin.archive.retryNative", nil)
	require.True(t, resp.OK)
	data := resp.Data.(map[string]any)
	require.Equal(t, archive.StrategyNative, data["nextLock"])
	require.Equal(t, true, data["restartRequired"])

	resp = r.Handle(ctx, "admin.archive.forceHost", nil)
	require.True(t, resp.OK)
	require.Equal(t, archive.StrategyHost, resp.Data.(map[string]any)["nextLock"])
}

func TestArchiveRetryNativeProbeFailure(t *testing.T) {
	// The data directory is a plain file, so the native probe cannot mkdir.
	base := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o644))

	deps := Deps{Archive: archive.New(context.Background(), archive.Config{
		StrategyLock: archive.StrategyHost,
		BaseDir:      base,
	})}
	defer deps.Archive.Close()
	r := NewRouter(deps)

	resp := r.Handle(context.Background(), "admin.archive.retryNative", nil)
	require.False(t, resp.OK)
	require.Equal(t, CodeNativeProbeFailed, resp.Error.Code)
}

func TestPresetCommands(t *testing.T) {
	reg := rules.NewPresetRegistry()
	require.NoError(t, reg.Upsert(rules.Preset{
		PresetID: "system",
		OwnedBy:  "hub",
		Message:  factory.Descriptor{Ref: "t"},
	}))
	r := NewRouter(Deps{Presets: reg})
	ctx := context.Background()

	resp := r.Handle(ctx, "admin.ingestStates.presets.upsert", raw(t, map[string]any{
		"preset": map[string]any{
			"presetId": "mine",
			"message":  map[string]any{"ref": "t", "title": "Mine"},
		},
	}))
	require.True(t, resp.OK)

	resp = r.Handle(ctx, "admin.ingestStates.presets.get", raw(t, map[string]any{"presetId": "mine"}))
	require.True(t, resp.OK)
	require.Equal(t, "Mine", resp.Data.(map[string]any)["preset"].(rules.Preset).Message.Title)

	resp = r.Handle(ctx, "admin.ingestStates.presets.list", nil)
	require.True(t, resp.OK)
	require.Len(t, resp.Data.(map[string]any)["presets"].([]rules.Preset), 2)

	resp = r.Handle(ctx, "admin.ingestStates.presets.get", raw(t, map[string]any{"presetId": "nope"}))
	require.False(t, resp.OK)
	require.Equal(t, CodeNotFound, resp.Error.Code)

	resp = r.Handle(ctx, "admin.ingestStates.presets.delete", raw(t, map[string]any{"presetId": "system"}))
	require.False(t, resp.OK)
	require.Equal(t, CodeForbidden, resp.Error.Code)

	resp = r.Handle(ctx, "admin.ingestStates.presets.delete", raw(t, map[string]any{"presetId": "mine"}))
	require.True(t, resp.OK)

	resp = r.Handle(ctx, "admin.ingestStates.presets.delete", raw(t, map[string]any{"presetId": "mine"}))
	require.False(t, resp.OK)
	require.Equal(t, CodeNotFound, resp.Error.Code)

	resp = r.Handle(ctx, "admin.ingestStates.presets.upsert", raw(t, map[string]any{
		"preset": map[string]any{"presetId": ""},
	}))
	require.False(t, resp.OK)
	require.Equal(t, CodeBadRequest, resp.Error.Code)
}

func TestBulkApplyCommands(t *testing.T) {
	now := int64(1_000_000)
	s := store.New(store.WithClock(func() int64 { return now }))
	f := factory.New(factory.WithClock(func() int64 { return now }))
	reg := rules.NewPresetRegistry()
	require.NoError(t, reg.Upsert(rules.Preset{
		PresetID: "p1",
		Message:  factory.Descriptor{Ref: "t", Title: "Alert"},
	}))
	engine := rules.NewEngine(s, f, reg, rules.WithEngineClock(func() int64 { return now }))
	require.NoError(t, engine.Configure(context.Background(), rules.InstanceConfig{
		Instance: "home",
		Targets: []rules.TargetConfig{
			{
				TargetID: "kitchen.temp",
				InputID:  "in1",
				PresetID: "p1",
				Rule: rules.Config{Kind: rules.KindThreshold, Threshold: &rules.ThresholdConfig{
					Op: "lt", Value: 7,
				}},
			},
		},
	}))
	r := NewRouter(Deps{Engine: engine})
	ctx := context.Background()

	resp := r.Handle(ctx, "admin.ingestStates.bulkApply.preview", raw(t, map[string]any{"pattern": "kitchen.*"}))
	require.True(t, resp.OK)
	res := resp.Data.(rules.BulkApplyResult)
	require.Equal(t, 1, res.Matched)
	require.Zero(t, s.Len())

	resp = r.Handle(ctx, "admin.ingestStates.bulkApply.apply", raw(t, map[string]any{"pattern": "kitchen.*"}))
	require.True(t, resp.OK)
	require.Equal(t, 1, resp.Data.(rules.BulkApplyResult).Applied)
	require.True(t, s.Has("home.threshold.kitchen.temp"))

	resp = r.Handle(ctx, "admin.ingestStates.bulkApply.apply", raw(t, map[string]any{"pattern": "["}))
	require.False(t, resp.OK)
	require.Equal(t, CodeBadRequest, resp.Error.Code)
}

func TestAICompleteDisabled(t *testing.T) {
	ctx := context.Background()

	r := NewRouter(Deps{})
	resp := r.Handle(ctx, "admin.ai.complete", raw(t, map[string]any{"prompt": "hi"}))
	require.False(t, resp.OK)
	require.Equal(t, CodePluginDisabled, resp.Error.Code)

	// A client without credentials is wired but disabled.
	r = NewRouter(Deps{AI: aipkg.New(config.AIConfig{})})
	resp = r.Handle(ctx, "admin.ai.complete", raw(t, map[string]any{"prompt": "hi"}))
	require.False(t, resp.OK)
	require.Equal(t, CodePluginDisabled, resp.Error.Code)
}
