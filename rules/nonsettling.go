package rules

import "fmt"

type (
	// NonSettlingConfig detects values that will not come to rest: the
	// rule opens when the value keeps changing by at least MinDelta for
	// longer than MaxContinuousMs without a quiet gap of QuietGapMs, and
	// closes once such a gap is observed. The optional trend variant
	// instead opens when the net movement over the window exceeds
	// MinTotalDelta in the configured direction.
	NonSettlingConfig struct {
		// MinDelta is the smallest change that counts as activity.
		MinDelta float64 `json:"minDelta"`
		// MaxContinuousMs is how long continuous activity is tolerated.
		MaxContinuousMs int64 `json:"maxContinuousMs"`
		// QuietGapMs is the silence that resets (and closes) the rule.
		QuietGapMs int64 `json:"quietGapMs"`
		// Trend switches to net-movement detection.
		Trend *TrendConfig `json:"trend,omitempty"`
	}

	// TrendConfig parameterizes the trend variant.
	TrendConfig struct {
		// MinTotalDelta is the net movement that opens the rule.
		MinTotalDelta float64 `json:"minTotalDelta"`
		// Direction is "up", "down" or "any".
		Direction string `json:"direction"`
	}

	nonSettling struct {
		cfg    NonSettlingConfig
		window *Window

		open          bool
		activeSince   int64 // start of the current activity run, 0 when quiet
		lastActivity  int64
		lastVal       float64
		hasLast       bool
	}
)

func newNonSettling(cfg NonSettlingConfig, windowSize int) (*nonSettling, error) {
	if cfg.Trend == nil {
		if cfg.MinDelta <= 0 || cfg.MaxContinuousMs <= 0 || cfg.QuietGapMs <= 0 {
			return nil, errBadParam("nonSettling needs minDelta, maxContinuousMs and quietGapMs")
		}
	} else {
		switch cfg.Trend.Direction {
		case "up", "down", "any":
		default:
			return nil, fmt.Errorf("%w: trend direction %q", ErrBadRuleConfig, cfg.Trend.Direction)
		}
		if cfg.Trend.MinTotalDelta <= 0 {
			return nil, errBadParam("trend minTotalDelta must be positive")
		}
	}
	return &nonSettling{cfg: cfg, window: NewWindow(windowSize)}, nil
}

func (n *nonSettling) Kind() string { return KindNonSettling }

func (n *nonSettling) Observe(o Observation, now int64) Verdict {
	n.window.Push(o)
	defer func() {
		n.lastVal = o.Val
		n.hasLast = true
	}()

	if n.cfg.Trend != nil {
		return n.observeTrend(o)
	}

	if !n.hasLast {
		return VerdictNone
	}
	delta := o.Val - n.lastVal
	if delta < 0 {
		delta = -delta
	}
	if delta < n.cfg.MinDelta {
		// Not activity. A long enough silence is a quiet gap.
		if n.lastActivity != 0 && o.TS-n.lastActivity >= n.cfg.QuietGapMs {
			n.activeSince = 0
			if n.open {
				n.open = false
				return VerdictClose
			}
		}
		return VerdictNone
	}

	if n.activeSince == 0 || (n.lastActivity != 0 && o.TS-n.lastActivity >= n.cfg.QuietGapMs) {
		// First activity, or activity after a gap: new run.
		n.activeSince = o.TS
	}
	n.lastActivity = o.TS
	if !n.open && o.TS-n.activeSince > n.cfg.MaxContinuousMs {
		n.open = true
		return VerdictOpen
	}
	return VerdictNone
}

func (n *nonSettling) Evaluate(now int64) Verdict {
	if n.cfg.Trend != nil {
		return VerdictNone
	}
	// Silence since the last activity closes an open rule.
	if n.open && n.lastActivity != 0 && now-n.lastActivity >= n.cfg.QuietGapMs {
		n.open = false
		n.activeSince = 0
		return VerdictClose
	}
	return VerdictNone
}

func (n *nonSettling) Reset() {
	n.window.Reset()
	n.open = false
	n.activeSince = 0
	n.lastActivity = 0
	n.hasLast = false
}

// observeTrend opens when the net delta across the window exceeds the
// configured total in the configured direction, and closes when the net
// movement falls back under half the threshold.
func (n *nonSettling) observeTrend(o Observation) Verdict {
	first, ok := n.window.First()
	if !ok || n.window.Len() < 2 {
		return VerdictNone
	}
	net := o.Val - first.Val
	exceeded := false
	switch n.cfg.Trend.Direction {
	case "up":
		exceeded = net >= n.cfg.Trend.MinTotalDelta
	case "down":
		exceeded = -net >= n.cfg.Trend.MinTotalDelta
	case "any":
		abs := net
		if abs < 0 {
			abs = -abs
		}
		exceeded = abs >= n.cfg.Trend.MinTotalDelta
	}
	if exceeded && !n.open {
		n.open = true
		return VerdictOpen
	}
	if !exceeded && n.open {
		abs := net
		if abs < 0 {
			abs = -abs
		}
		if abs <= n.cfg.Trend.MinTotalDelta/2 {
			n.open = false
			return VerdictClose
		}
	}
	return VerdictNone
}
