package rules

import "fmt"

type (
	// ThresholdConfig describes a forbidden value region. The rule opens
	// once the value stays in the region for at least MinDurationMs and
	// closes when it returns to the allowed region with hysteresis.
	ThresholdConfig struct {
		// Op is the comparison defining the forbidden region: "lt", "gt",
		// "outside" or "eq".
		Op string `json:"op"`
		// Value is the threshold; for "outside" it is the lower bound.
		Value float64 `json:"value"`
		// Upper is the upper bound for "outside".
		Upper float64 `json:"upper,omitempty"`
		// MinDurationMs is how long the value must stay forbidden before
		// the rule opens. Zero opens on the first forbidden sample.
		MinDurationMs int64 `json:"minDurationMs,omitempty"`
		// Hysteresis widens the close condition: once open, the value
		// must clear the region by this margin before the rule closes.
		Hysteresis float64 `json:"hysteresis,omitempty"`
	}

	threshold struct {
		cfg            ThresholdConfig
		open           bool
		forbiddenSince int64 // 0 when the value is allowed
		lastForbidden  bool
		lastVal        float64
		hasLast        bool
	}
)

func newThreshold(cfg ThresholdConfig) (*threshold, error) {
	switch cfg.Op {
	case "lt", "gt", "eq":
	case "outside":
		if cfg.Upper < cfg.Value {
			return nil, fmt.Errorf("%w: outside bounds inverted", ErrBadRuleConfig)
		}
	default:
		return nil, fmt.Errorf("%w: threshold op %q", ErrBadRuleConfig, cfg.Op)
	}
	return &threshold{cfg: cfg}, nil
}

func (t *threshold) Kind() string { return KindThreshold }

func (t *threshold) Observe(o Observation, now int64) Verdict {
	t.lastVal = o.Val
	t.hasLast = true
	forbidden := t.forbidden(o.Val)
	t.lastForbidden = forbidden

	if t.open {
		if t.cleared(o.Val) {
			t.open = false
			t.forbiddenSince = 0
			return VerdictClose
		}
		return VerdictNone
	}

	if !forbidden {
		t.forbiddenSince = 0
		return VerdictNone
	}
	if t.forbiddenSince == 0 {
		t.forbiddenSince = o.TS
	}
	if now-t.forbiddenSince >= t.cfg.MinDurationMs {
		t.open = true
		return VerdictOpen
	}
	return VerdictNone
}

func (t *threshold) Evaluate(now int64) Verdict {
	// A sustained forbidden value opens without a fresh sample once the
	// minimum duration elapses.
	if t.open || t.forbiddenSince == 0 || !t.lastForbidden {
		return VerdictNone
	}
	if now-t.forbiddenSince >= t.cfg.MinDurationMs {
		t.open = true
		return VerdictOpen
	}
	return VerdictNone
}

func (t *threshold) Reset() {
	t.open = false
	t.forbiddenSince = 0
	t.lastForbidden = false
	t.hasLast = false
}

// forbidden reports whether v lies in the forbidden region.
func (t *threshold) forbidden(v float64) bool {
	switch t.cfg.Op {
	case "lt":
		return v < t.cfg.Value
	case "gt":
		return v > t.cfg.Value
	case "eq":
		return v == t.cfg.Value
	case "outside":
		return v < t.cfg.Value || v > t.cfg.Upper
	}
	return false
}

// cleared reports whether v is back in the allowed region including the
// hysteresis margin.
func (t *threshold) cleared(v float64) bool {
	h := t.cfg.Hysteresis
	switch t.cfg.Op {
	case "lt":
		return v >= t.cfg.Value+h
	case "gt":
		return v <= t.cfg.Value-h
	case "eq":
		return v != t.cfg.Value
	case "outside":
		return v >= t.cfg.Value+h && v <= t.cfg.Upper-h
	}
	return false
}
