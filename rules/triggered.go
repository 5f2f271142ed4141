package rules

import "fmt"

type (
	// TriggeredConfig arms on a dependency input and expects the primary
	// input to react: the rule opens when the dependency satisfies the
	// operator and the primary shows no reaction within WindowMs; the
	// expectation being met closes it.
	TriggeredConfig struct {
		// DependencyID is the secondary input routed to this rule.
		DependencyID string `json:"dependencyId"`
		// Operator compares the dependency value: "eq", "ne", "gt", "lt"
		// or "changed".
		Operator string `json:"operator"`
		// Value is the operand for the comparison operators.
		Value float64 `json:"value,omitempty"`
		// WindowMs is how long after arming the expectation may still be
		// met before the rule opens.
		WindowMs int64 `json:"windowMs"`
		// Expect describes the reaction of the primary input.
		Expect TriggeredExpect `json:"expect"`
	}

	// TriggeredExpect is the expected primary reaction: "changed" (any
	// change), "delta" (moved by at least Delta) or "threshold" (crossed
	// Threshold).
	TriggeredExpect struct {
		Mode      string  `json:"mode"`
		Delta     float64 `json:"delta,omitempty"`
		Threshold float64 `json:"threshold,omitempty"`
	}

	triggered struct {
		cfg    TriggeredConfig
		window *Window

		armed    bool
		armedAt  int64
		baseline float64 // primary value at arm time
		hasBase  bool
		open     bool

		lastDep    float64
		hasLastDep bool
	}
)

func newTriggered(cfg TriggeredConfig, windowSize int) (*triggered, error) {
	switch cfg.Operator {
	case "eq", "ne", "gt", "lt", "changed":
	default:
		return nil, fmt.Errorf("%w: triggered operator %q", ErrBadRuleConfig, cfg.Operator)
	}
	switch cfg.Expect.Mode {
	case "changed", "delta", "threshold":
	default:
		return nil, fmt.Errorf("%w: triggered expect mode %q", ErrBadRuleConfig, cfg.Expect.Mode)
	}
	if cfg.WindowMs <= 0 {
		return nil, errBadParam("triggered windowMs must be positive")
	}
	return &triggered{cfg: cfg, window: NewWindow(windowSize)}, nil
}

func (t *triggered) Kind() string { return KindTriggered }

// Observe consumes the primary input: while armed or open, a met
// expectation disarms and closes.
func (t *triggered) Observe(o Observation, now int64) Verdict {
	t.window.Push(o)
	if !t.armed && !t.open {
		return VerdictNone
	}
	if t.expectationMet(o.Val) {
		t.armed = false
		if t.open {
			t.open = false
			return VerdictClose
		}
		return VerdictNone
	}
	return t.Evaluate(now)
}

// ObserveDependency consumes the dependency input and arms the rule when
// the operator matches.
func (t *triggered) ObserveDependency(o Observation, now int64) Verdict {
	matched := false
	switch t.cfg.Operator {
	case "eq":
		matched = o.Val == t.cfg.Value
	case "ne":
		matched = o.Val != t.cfg.Value
	case "gt":
		matched = o.Val > t.cfg.Value
	case "lt":
		matched = o.Val < t.cfg.Value
	case "changed":
		matched = t.hasLastDep && o.Val != t.lastDep
	}
	t.lastDep = o.Val
	t.hasLastDep = true
	if matched && !t.armed && !t.open {
		t.armed = true
		t.armedAt = now
		if last, ok := t.window.Last(); ok {
			t.baseline = last.Val
			t.hasBase = true
		} else {
			t.hasBase = false
		}
	}
	return VerdictNone
}

// Evaluate opens the rule when the expectation window elapsed unmet.
func (t *triggered) Evaluate(now int64) Verdict {
	if !t.armed || t.open {
		return VerdictNone
	}
	if now-t.armedAt >= t.cfg.WindowMs {
		t.armed = false
		t.open = true
		return VerdictOpen
	}
	return VerdictNone
}

func (t *triggered) Reset() {
	t.window.Reset()
	t.armed = false
	t.open = false
	t.hasBase = false
	t.hasLastDep = false
}

func (t *triggered) expectationMet(val float64) bool {
	switch t.cfg.Expect.Mode {
	case "changed":
		return t.hasBase && val != t.baseline
	case "delta":
		if !t.hasBase {
			return false
		}
		d := val - t.baseline
		if d < 0 {
			d = -d
		}
		return d >= t.cfg.Expect.Delta
	case "threshold":
		return val >= t.cfg.Expect.Threshold
	}
	return false
}
