// Package config loads and normalizes the hub's effective configuration.
// Normalization produces two views: the core-private Config, which may
// carry secrets, and the plugin-public PublicConfig with secret fields
// stripped. Both are handed out by value so holders cannot mutate the
// hub's copy.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/msghub-io/msghub/core"
)

type (
	// Raw is the YAML configuration document as written by the host.
	Raw struct {
		Notifier struct {
			IntervalMs int64 `yaml:"intervalMs"`
			QuietHours *struct {
				StartMin int    `yaml:"startMin"`
				EndMin   int    `yaml:"endMin"`
				MaxLevel int    `yaml:"maxLevel"`
				SpreadMs int64  `yaml:"spreadMs"`
			} `yaml:"quietHours"`
		} `yaml:"notifier"`
		Render struct {
			Prefixes  map[string]string `yaml:"prefixes"`
			Templates map[string]string `yaml:"templates"`
		} `yaml:"render"`
		Archive struct {
			StrategyLock      string `yaml:"strategyLock"`
			BaseDir           string `yaml:"baseDir"`
			FileExtension     string `yaml:"fileExtension"`
			KeepPreviousWeeks int    `yaml:"keepPreviousWeeks"`
		} `yaml:"archive"`
		AI struct {
			Enabled  bool   `yaml:"enabled"`
			Provider string `yaml:"provider"`
			OpenAI   struct {
				APIKey          string            `yaml:"apiKey"`
				BaseURL         string            `yaml:"baseUrl"`
				ModelsByQuality map[string]string `yaml:"modelsByQuality"`
			} `yaml:"openai"`
		} `yaml:"ai"`
		Locale struct {
			Current string `yaml:"current"`
			Base    string `yaml:"base"`
		} `yaml:"locale"`
	}

	// Config is the normalized, core-private effective configuration.
	Config struct {
		NotifierIntervalMs int64
		QuietHours         *QuietHours
		Render             Render
		Archive            ArchiveConfig
		AI                 AIConfig
		Locale             Locale
	}

	// Render carries presentation prefixes and templates.
	Render struct {
		Prefixes  map[string]string
		Templates map[string]string
	}

	// ArchiveConfig is the normalized archive section.
	ArchiveConfig struct {
		EffectiveStrategyLock string
		BaseDir               string
		FileExtension         string
		KeepPreviousWeeks     int
	}

	// AIConfig is the normalized AI section. APIKey and BaseURL are
	// core-private and stripped from the public view.
	AIConfig struct {
		Enabled         bool
		Provider        string
		APIKey          string
		BaseURL         string
		ModelsByQuality map[string]string
	}

	// Locale selects the current and base translation languages.
	Locale struct {
		Current string
		Base    string
	}

	// PublicConfig is the plugin-visible view: Config minus secrets.
	PublicConfig struct {
		NotifierIntervalMs int64
		QuietHours         *QuietHours
		Render             Render
		Archive            ArchiveConfig
		AI                 PublicAIConfig
		Locale             Locale
	}

	// PublicAIConfig omits the key material.
	PublicAIConfig struct {
		Enabled         bool
		Provider        string
		ModelsByQuality map[string]string
	}
)

// DefaultNotifierIntervalMs is the tick interval used when the host does
// not configure one.
const DefaultNotifierIntervalMs = 5000

// Load parses and normalizes a YAML configuration document.
func Load(data []byte) (*Config, error) {
	var raw Raw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Normalize(raw), nil
}

// Normalize applies defaults and the quiet-hours disable rules to a raw
// document.
func Normalize(raw Raw) *Config {
	cfg := &Config{
		NotifierIntervalMs: raw.Notifier.IntervalMs,
		Render: Render{
			Prefixes:  copyMap(raw.Render.Prefixes),
			Templates: copyMap(raw.Render.Templates),
		},
		Archive: ArchiveConfig{
			EffectiveStrategyLock: raw.Archive.StrategyLock,
			BaseDir:               raw.Archive.BaseDir,
			FileExtension:         raw.Archive.FileExtension,
			KeepPreviousWeeks:     raw.Archive.KeepPreviousWeeks,
		},
		AI: AIConfig{
			Enabled:         raw.AI.Enabled,
			Provider:        raw.AI.Provider,
			APIKey:          raw.AI.OpenAI.APIKey,
			BaseURL:         raw.AI.OpenAI.BaseURL,
			ModelsByQuality: copyMap(raw.AI.OpenAI.ModelsByQuality),
		},
		Locale: Locale(raw.Locale),
	}
	if cfg.NotifierIntervalMs == 0 {
		cfg.NotifierIntervalMs = DefaultNotifierIntervalMs
	}
	if cfg.Archive.FileExtension == "" {
		cfg.Archive.FileExtension = ".jsonl"
	}
	if cfg.Locale.Base == "" {
		cfg.Locale.Base = "en"
	}
	if cfg.Locale.Current == "" {
		cfg.Locale.Current = cfg.Locale.Base
	}
	if qh := raw.Notifier.QuietHours; qh != nil {
		cfg.QuietHours = NormalizeQuietHours(QuietHours{
			StartMin: qh.StartMin,
			EndMin:   qh.EndMin,
			MaxLevel: core.Level(qh.MaxLevel),
			SpreadMs: qh.SpreadMs,
		}, cfg.NotifierIntervalMs)
	}
	return cfg
}

// Public returns the plugin-visible view with secrets stripped. Maps are
// copied so plugins cannot reach the private configuration through shared
// references.
func (c *Config) Public() PublicConfig {
	return PublicConfig{
		NotifierIntervalMs: c.NotifierIntervalMs,
		QuietHours:         c.QuietHours.clone(),
		Render: Render{
			Prefixes:  copyMap(c.Render.Prefixes),
			Templates: copyMap(c.Render.Templates),
		},
		Archive: c.Archive,
		AI: PublicAIConfig{
			Enabled:         c.AI.Enabled,
			Provider:        c.AI.Provider,
			ModelsByQuality: copyMap(c.AI.ModelsByQuality),
		},
		Locale: c.Locale,
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
