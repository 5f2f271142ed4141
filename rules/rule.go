package rules

import (
	"errors"
	"fmt"
)

type (
	// Verdict is a rule's decision after consuming an observation or a
	// time-driven evaluation.
	Verdict int

	// Rule is one detection instance for a single target. Rules are not
	// thread-safe; the engine serializes all calls per target.
	Rule interface {
		// Kind returns the rule kind name.
		Kind() string
		// Observe consumes one primary observation and decides.
		Observe(o Observation, now int64) Verdict
		// Evaluate runs time-driven checks without a new observation
		// (staleness, sustained-hold confirmation, elapsed cycles).
		Evaluate(now int64) Verdict
		// Reset clears the rule's history. Called on configuration
		// changes.
		Reset()
	}

	// DependencyObserver is implemented by rules that additionally consume
	// a secondary input (the triggered rule's dependency, the session
	// rule's on/off gate).
	DependencyObserver interface {
		ObserveDependency(o Observation, now int64) Verdict
	}

	// Config selects and parameterizes a rule kind. Exactly one of the
	// kind-specific sections must be set, matching Kind.
	Config struct {
		Kind        string             `json:"kind"`
		Threshold   *ThresholdConfig   `json:"threshold,omitempty"`
		Freshness   *FreshnessConfig   `json:"freshness,omitempty"`
		Cycle       *CycleConfig       `json:"cycle,omitempty"`
		Triggered   *TriggeredConfig   `json:"triggered,omitempty"`
		NonSettling *NonSettlingConfig `json:"nonSettling,omitempty"`
		Session     *SessionConfig     `json:"session,omitempty"`
		// WindowSize overrides the rolling window capacity.
		WindowSize int `json:"windowSize,omitempty"`
	}
)

// Verdicts. VerdictNone means no lifecycle change; open and close verdicts
// are translated into writer calls by the engine.
const (
	VerdictNone Verdict = iota
	VerdictOpen
	VerdictClose
)

// Rule kind names.
const (
	KindThreshold   = "threshold"
	KindFreshness   = "freshness"
	KindCycle       = "cycle"
	KindTriggered   = "triggered"
	KindNonSettling = "nonSettling"
	KindSession     = "session"
)

// ErrUnknownRuleKind reports an unrecognized rule kind.
var ErrUnknownRuleKind = errors.New("unknown rule kind")

// ErrBadRuleConfig reports a kind/section mismatch or invalid parameters.
var ErrBadRuleConfig = errors.New("invalid rule config")

// NewRule instantiates the rule described by cfg.
func NewRule(cfg Config) (Rule, error) {
	switch cfg.Kind {
	case KindThreshold:
		if cfg.Threshold == nil {
			return nil, fmt.Errorf("%w: threshold section missing", ErrBadRuleConfig)
		}
		return newThreshold(*cfg.Threshold)
	case KindFreshness:
		if cfg.Freshness == nil {
			return nil, fmt.Errorf("%w: freshness section missing", ErrBadRuleConfig)
		}
		return newFreshness(*cfg.Freshness)
	case KindCycle:
		if cfg.Cycle == nil {
			return nil, fmt.Errorf("%w: cycle section missing", ErrBadRuleConfig)
		}
		return newCycle(*cfg.Cycle)
	case KindTriggered:
		if cfg.Triggered == nil {
			return nil, fmt.Errorf("%w: triggered section missing", ErrBadRuleConfig)
		}
		return newTriggered(*cfg.Triggered, cfg.WindowSize)
	case KindNonSettling:
		if cfg.NonSettling == nil {
			return nil, fmt.Errorf("%w: nonSettling section missing", ErrBadRuleConfig)
		}
		return newNonSettling(*cfg.NonSettling, cfg.WindowSize)
	case KindSession:
		if cfg.Session == nil {
			return nil, fmt.Errorf("%w: session section missing", ErrBadRuleConfig)
		}
		return newSession(*cfg.Session)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRuleKind, cfg.Kind)
}
