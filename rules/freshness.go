package rules

type (
	// FreshnessConfig opens when a target stops reporting: no update
	// within EveryMs, measured either by sample timestamps or by wall
	// clock. A fresh update closes the rule.
	FreshnessConfig struct {
		// EveryMs is the maximum allowed silence.
		EveryMs int64 `json:"everyMs"`
		// ByWallClock measures silence against the engine clock instead
		// of the sample timestamps.
		ByWallClock bool `json:"byWallClock,omitempty"`
	}

	freshness struct {
		cfg      FreshnessConfig
		open     bool
		lastSeen int64 // epoch ms of the newest update, 0 before any
	}
)

func newFreshness(cfg FreshnessConfig) (*freshness, error) {
	if cfg.EveryMs <= 0 {
		return nil, errBadParam("freshness everyMs must be positive")
	}
	return &freshness{cfg: cfg}, nil
}

func (f *freshness) Kind() string { return KindFreshness }

func (f *freshness) Observe(o Observation, now int64) Verdict {
	if f.cfg.ByWallClock {
		f.lastSeen = now
	} else {
		f.lastSeen = o.TS
	}
	if f.open {
		f.open = false
		return VerdictClose
	}
	return VerdictNone
}

func (f *freshness) Evaluate(now int64) Verdict {
	if f.open || f.lastSeen == 0 {
		return VerdictNone
	}
	if now-f.lastSeen >= f.cfg.EveryMs {
		f.open = true
		return VerdictOpen
	}
	return VerdictNone
}

func (f *freshness) Reset() {
	f.open = false
	f.lastSeen = 0
}
