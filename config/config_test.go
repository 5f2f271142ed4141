package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msghub-io/msghub/core"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte("{}"))
	require.NoError(t, err)
	require.Equal(t, int64(DefaultNotifierIntervalMs), cfg.NotifierIntervalMs)
	require.Equal(t, ".jsonl", cfg.Archive.FileExtension)
	require.Equal(t, "en", cfg.Locale.Base)
	require.Equal(t, "en", cfg.Locale.Current)
	require.Nil(t, cfg.QuietHours)
}

func TestLoadFullDocument(t *testing.T) {
	doc := []byte(`
notifier:
  intervalMs: 10000
  quietHours:
    startMin: 1320
    endMin: 360
    maxLevel: 20
    spreadMs: 600000
render:
  prefixes:
    warning: "⚠️"
archive:
  strategyLock: host
  baseDir: /var/lib/hub/archive
  keepPreviousWeeks: 4
ai:
  enabled: true
  provider: openai
  openai:
    apiKey: sk-test
    modelsByQuality:
      low: gpt-4o-mini
locale:
  current: de
`)
	cfg, err := Load(doc)
	require.NoError(t, err)
	require.Equal(t, int64(10000), cfg.NotifierIntervalMs)
	require.NotNil(t, cfg.QuietHours)
	require.Equal(t, 22*60, cfg.QuietHours.StartMin)
	require.Equal(t, core.LevelWarning, cfg.QuietHours.MaxLevel)
	require.Equal(t, "host", cfg.Archive.EffectiveStrategyLock)
	require.Equal(t, 4, cfg.Archive.KeepPreviousWeeks)
	require.Equal(t, "⚠️", cfg.Render.Prefixes["warning"])
	require.True(t, cfg.AI.Enabled)
	require.Equal(t, "sk-test", cfg.AI.APIKey)
	require.Equal(t, "de", cfg.Locale.Current)
	require.Equal(t, "en", cfg.Locale.Base)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load([]byte("notifier: [unclosed"))
	require.Error(t, err)
}

func TestPublicStripsSecrets(t *testing.T) {
	cfg := Normalize(Raw{})
	cfg.AI = AIConfig{
		Enabled:         true,
		Provider:        "openai",
		APIKey:          "sk-secret",
		BaseURL:         "https://internal",
		ModelsByQuality: map[string]string{"low": "gpt-4o-mini"},
	}
	cfg.Render.Prefixes = map[string]string{"warning": "!"}

	pub := cfg.Public()
	require.True(t, pub.AI.Enabled)
	require.Equal(t, "gpt-4o-mini", pub.AI.ModelsByQuality["low"])

	// Map copies, not shared references.
	pub.Render.Prefixes["warning"] = "?"
	pub.AI.ModelsByQuality["low"] = "other"
	require.Equal(t, "!", cfg.Render.Prefixes["warning"])
	require.Equal(t, "gpt-4o-mini", cfg.AI.ModelsByQuality["low"])
}
