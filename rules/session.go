package rules

import "fmt"

type (
	// SessionConfig detects activity sessions (an appliance running, a
	// device in use): the rule opens when the value stays at or above
	// StartThreshold for StartMinHoldMs, optionally gated by an on/off
	// dependency, and closes when the value stays below StopThreshold for
	// StopDelayMs.
	SessionConfig struct {
		StartThreshold float64 `json:"startThreshold"`
		// StartMinHoldMs is how long the value must hold above the start
		// threshold before the session opens.
		StartMinHoldMs int64   `json:"startMinHoldMs,omitempty"`
		StopThreshold  float64 `json:"stopThreshold"`
		// StopDelayMs is how long the value must stay below the stop
		// threshold before the session closes.
		StopDelayMs int64 `json:"stopDelayMs,omitempty"`
		// GateID optionally names an on/off input; the session can only
		// open while the gate is on (non-zero).
		GateID string `json:"gateId,omitempty"`
	}

	session struct {
		cfg  SessionConfig
		open bool

		aboveSince int64 // value >= start threshold since, 0 otherwise
		belowSince int64 // value < stop threshold since, 0 otherwise
		gateOn     bool
		lastVal    float64
		hasLast    bool
	}
)

func newSession(cfg SessionConfig) (*session, error) {
	if cfg.StopThreshold > cfg.StartThreshold {
		return nil, fmt.Errorf("%w: session stop threshold above start threshold", ErrBadRuleConfig)
	}
	return &session{cfg: cfg, gateOn: cfg.GateID == ""}, nil
}

func (s *session) Kind() string { return KindSession }

func (s *session) Observe(o Observation, now int64) Verdict {
	s.lastVal = o.Val
	s.hasLast = true

	if !s.open {
		if o.Val >= s.cfg.StartThreshold && s.gateOn {
			if s.aboveSince == 0 {
				s.aboveSince = o.TS
			}
			if now-s.aboveSince >= s.cfg.StartMinHoldMs {
				s.start()
				return VerdictOpen
			}
		} else {
			s.aboveSince = 0
		}
		return VerdictNone
	}

	if o.Val < s.cfg.StopThreshold {
		if s.belowSince == 0 {
			s.belowSince = o.TS
		}
		if now-s.belowSince >= s.cfg.StopDelayMs {
			s.stop()
			return VerdictClose
		}
	} else {
		s.belowSince = 0
	}
	return VerdictNone
}

// ObserveDependency consumes the on/off gate. A gate turning off while a
// session is open ends the session once the stop delay is satisfied by
// Evaluate; turning off while pending cancels the pending start.
func (s *session) ObserveDependency(o Observation, _ int64) Verdict {
	s.gateOn = o.Val != 0
	if !s.gateOn && !s.open {
		s.aboveSince = 0
	}
	return VerdictNone
}

func (s *session) Evaluate(now int64) Verdict {
	if !s.open {
		// Confirm a pending start whose hold elapsed without new samples.
		if s.aboveSince != 0 && s.gateOn && s.hasLast && s.lastVal >= s.cfg.StartThreshold &&
			now-s.aboveSince >= s.cfg.StartMinHoldMs {
			s.start()
			return VerdictOpen
		}
		return VerdictNone
	}
	if s.belowSince != 0 && now-s.belowSince >= s.cfg.StopDelayMs {
		s.stop()
		return VerdictClose
	}
	return VerdictNone
}

func (s *session) Reset() {
	s.open = false
	s.aboveSince = 0
	s.belowSince = 0
	s.hasLast = false
	s.gateOn = s.cfg.GateID == ""
}

func (s *session) start() {
	s.open = true
	s.aboveSince = 0
	s.belowSince = 0
}

func (s *session) stop() {
	s.open = false
	s.aboveSince = 0
	s.belowSince = 0
}

// errBadParam wraps ErrBadRuleConfig with a detail message.
func errBadParam(detail string) error {
	return fmt.Errorf("%w: %s", ErrBadRuleConfig, detail)
}
