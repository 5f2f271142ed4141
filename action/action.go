// Package action executes whitelisted workflow actions against messages:
// ack, close, delete and snooze mutate lifecycle state through the store;
// open, link and custom are accepted as no-ops. Every call, successful or
// not, appends one audit entry to the archive. Execute never returns an
// error; failures surface as a Result with a reason code.
package action

import (
	"context"
	"math"
	"time"

	"github.com/msghub-io/msghub/archive"
	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/store"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// Request identifies the message, the whitelisted action and optional
	// parameters.
	Request struct {
		Ref      string         `json:"ref"`
		ActionID string         `json:"actionId"`
		Actor    string         `json:"actor,omitempty"`
		Payload  map[string]any `json:"payload,omitempty"`
		// SnoozeForMs overrides the snooze duration; when zero, the
		// duration comes from Payload["forMs"].
		SnoozeForMs int64 `json:"snoozeForMs,omitempty"`
	}

	// Result reports the outcome. Reason is one of the audit reason
	// codes; Noop marks an idempotent short-circuit.
	Result struct {
		OK     bool   `json:"ok"`
		Noop   bool   `json:"noop,omitempty"`
		Reason string `json:"reason"`
	}

	// Auditor receives one audit entry per Execute call. Satisfied by
	// *archive.Archive.
	Auditor interface {
		Append(ctx context.Context, source string, e archive.Entry) <-chan error
	}

	// Store is the message surface the executor needs. Satisfied by
	// *store.Store.
	Store interface {
		MessageByRef(ref string) (*msg.Message, bool)
		UpdateMessage(ref string, patch *store.Patch) (bool, error)
	}

	// Executor applies workflow actions.
	Executor struct {
		store  Store
		audit  Auditor
		clock  func() int64
		logger telemetry.Logger
	}

	// Option configures an Executor.
	Option func(*Executor)
)

// Audit reason codes.
const (
	ReasonApplied         = "applied"
	ReasonNoop            = "noop"
	ReasonNonCore         = "non_core"
	ReasonNotFound        = "message_not_found"
	ReasonNotAllowed      = "not_allowed"
	ReasonBlockedByPolicy = "blocked_by_policy"
	ReasonInvalidDuration = "invalid_duration"
	ReasonInvalidPatch    = "invalid_patch"
)

// WithAuditor sets the audit sink.
func WithAuditor(a Auditor) Option {
	return func(e *Executor) { e.audit = a }
}

// WithClock sets the epoch-ms time source.
func WithClock(c func() int64) Option {
	return func(e *Executor) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New returns an Executor bound to the store.
func New(s Store, opts ...Option) *Executor {
	e := &Executor{store: s}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.clock == nil {
		e.clock = func() int64 { return time.Now().UnixMilli() }
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	return e
}

// Execute applies the request. The policy matrix:
//
//	state \ type    ack   close  delete  snooze
//	open             ✓      ✓      ✓       ✓
//	acked            ✗      ✓      ✓       ✗
//	snoozed          ✓      ✓      ✓       ✗
//	closed/deleted/
//	expired          ✗      ✗      ✗       ✗
//
// Acking an already-acked message with no pending notification is
// idempotent and succeeds as a no-op.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	m, ok := e.store.MessageByRef(req.Ref)
	if !ok {
		return e.finish(ctx, req, nil, Result{Reason: ReasonNotFound})
	}

	act, ok := m.ActionByID(req.ActionID)
	if !ok {
		return e.finish(ctx, req, m, Result{Reason: ReasonNotAllowed})
	}

	if !act.Type.Core() {
		// Non-core types carry no hub semantics; the host interprets
		// them (deep links, custom verbs).
		return e.finish(ctx, req, m, Result{OK: true, Reason: ReasonNonCore})
	}

	// Idempotence precedes policy: re-acking an acked message with no
	// pending notification succeeds without a mutation.
	if act.Type == core.ActionAck && m.Lifecycle.State == core.StateAcked && !m.Pending() {
		return e.finish(ctx, req, m, Result{OK: true, Noop: true, Reason: ReasonNoop})
	}

	if !allowed(m.Lifecycle.State, act.Type) {
		return e.finish(ctx, req, m, Result{Reason: ReasonBlockedByPolicy})
	}

	patch, res := e.buildPatch(act, req, m)
	if !res.OK {
		return e.finish(ctx, req, m, res)
	}
	applied, err := e.store.UpdateMessage(req.Ref, patch)
	if err != nil {
		e.logger.Error(ctx, "action patch rejected", "ref", req.Ref, "action", req.ActionID, "err", err.Error())
		return e.finish(ctx, req, m, Result{Reason: ReasonInvalidPatch})
	}
	if !applied {
		// The message vanished between lookup and patch.
		return e.finish(ctx, req, m, Result{Reason: ReasonNotFound})
	}
	return e.finish(ctx, req, m, res)
}

// allowed evaluates the policy matrix.
func allowed(state core.LifecycleState, t core.ActionType) bool {
	if state.Terminal() {
		return false
	}
	switch state {
	case core.StateOpen:
		return true
	case core.StateAcked:
		return t == core.ActionClose || t == core.ActionDelete
	case core.StateSnoozed:
		return t != core.ActionSnooze
	}
	return false
}

func (e *Executor) buildPatch(act msg.Action, req Request, m *msg.Message) (*store.Patch, Result) {
	now := e.clock()
	lp := &store.LifecyclePatch{By: req.Actor}
	patch := &store.Patch{Lifecycle: lp, Timing: &store.TimingPatch{NotifyAt: store.ClearInt64()}}

	switch act.Type {
	case core.ActionAck:
		lp.State = core.StateAcked
	case core.ActionClose:
		lp.State = core.StateClosed
	case core.ActionDelete:
		lp.State = core.StateDeleted
	case core.ActionSnooze:
		forMs := req.SnoozeForMs
		if forMs == 0 {
			forMs = durationFromPayload(req.Payload, act.Payload)
		}
		if forMs <= 0 {
			return nil, Result{Reason: ReasonInvalidDuration}
		}
		lp.State = core.StateSnoozed
		patch.Timing.NotifyAt = store.SetInt64(now + forMs)
	}
	return patch, Result{OK: true, Reason: ReasonApplied}
}

// durationFromPayload resolves forMs from the request payload, falling back
// to the whitelisted action's own payload. Non-finite and non-numeric
// values resolve to zero.
func durationFromPayload(payloads ...map[string]any) int64 {
	for _, p := range payloads {
		v, ok := p["forMs"]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return 0
			}
			return int64(n)
		case int64:
			return n
		case int:
			return int64(n)
		}
		return 0
	}
	return 0
}

// finish records the audit entry and returns the result.
func (e *Executor) finish(ctx context.Context, req Request, m *msg.Message, res Result) Result {
	if e.audit != nil {
		data := map[string]any{"actionId": req.ActionID, "ok": res.OK}
		if res.Noop {
			data["noop"] = true
		}
		if m != nil {
			if act, ok := m.ActionByID(req.ActionID); ok {
				data["type"] = string(act.Type)
			}
		}
		e.audit.Append(ctx, archive.SourceAudit, archive.Entry{
			Event:  "action",
			Ref:    req.Ref,
			TS:     e.clock(),
			Actor:  req.Actor,
			Reason: res.Reason,
			Data:   data,
		})
	}
	return res
}
