package rules

type (
	// CycleConfig tracks maintenance cycles on a monotonically increasing
	// counter: the rule opens when the counter advanced by at least
	// Period since the last mark, or when TimeMs elapsed since the mark.
	// A counter reset (value dropping below the mark) counts as the reset
	// event and closes the rule.
	CycleConfig struct {
		// Period is the counter advance that completes a cycle. Zero
		// disables the counter condition.
		Period float64 `json:"period,omitempty"`
		// TimeMs is the elapsed time that completes a cycle. Zero
		// disables the time condition.
		TimeMs int64 `json:"timeMs,omitempty"`
	}

	cycle struct {
		cfg     CycleConfig
		open    bool
		marked  bool
		markVal float64
		markTS  int64
	}
)

func newCycle(cfg CycleConfig) (*cycle, error) {
	if cfg.Period <= 0 && cfg.TimeMs <= 0 {
		return nil, errBadParam("cycle needs period or timeMs")
	}
	return &cycle{cfg: cfg}, nil
}

func (c *cycle) Kind() string { return KindCycle }

func (c *cycle) Observe(o Observation, now int64) Verdict {
	if !c.marked {
		c.mark(o.Val, o.TS)
		return VerdictNone
	}
	if o.Val < c.markVal {
		// Counter reset: the maintenance happened.
		c.mark(o.Val, o.TS)
		if c.open {
			c.open = false
			return VerdictClose
		}
		return VerdictNone
	}
	if c.openCondition(o.Val, now) && !c.open {
		c.open = true
		return VerdictOpen
	}
	return VerdictNone
}

func (c *cycle) Evaluate(now int64) Verdict {
	if c.open || !c.marked {
		return VerdictNone
	}
	if c.cfg.TimeMs > 0 && now-c.markTS >= c.cfg.TimeMs {
		c.open = true
		return VerdictOpen
	}
	return VerdictNone
}

// MarkDone records an explicit reset event (the host acknowledged the
// cycle) and closes the rule when open.
func (c *cycle) MarkDone(val float64, now int64) Verdict {
	c.mark(val, now)
	if c.open {
		c.open = false
		return VerdictClose
	}
	return VerdictNone
}

func (c *cycle) Reset() {
	c.open = false
	c.marked = false
}

func (c *cycle) mark(val float64, ts int64) {
	c.marked = true
	c.markVal = val
	c.markTS = ts
}

func (c *cycle) openCondition(val float64, now int64) bool {
	if c.cfg.Period > 0 && val-c.markVal >= c.cfg.Period {
		return true
	}
	if c.cfg.TimeMs > 0 && now-c.markTS >= c.cfg.TimeMs {
		return true
	}
	return false
}
