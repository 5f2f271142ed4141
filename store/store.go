// Package store holds the authoritative in-memory message state and is the
// single write path for all message mutations. Every successful mutation
// emits exactly one change event to subscribers (archive, scheduler).
// Callers receive deep copies on reads; the canonical objects never leave
// the store.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// Op classifies a change event.
	Op string

	// Change describes one successful mutation. Before and After are deep
	// copies; either may be nil (create has no Before, remove no After).
	Change struct {
		Ref    string
		Op     Op
		Before *msg.Message
		After  *msg.Message
		TS     int64
	}

	// Subscriber receives change events. Subscribers run on the mutating
	// goroutine and must not block; mutations issued from inside a
	// callback are queued and applied after the current emission drains.
	Subscriber func(Change)

	// Clock returns the current time in epoch ms. Injectable for tests.
	Clock func() int64

	// Store is the message table. Thread-safe.
	Store struct {
		mu       sync.Mutex
		messages map[string]*msg.Message
		subs     []Subscriber

		// emission queue: events are delivered in order even when a
		// subscriber's callback triggers further mutations.
		pending  []Change
		emitting bool

		clock  Clock
		logger telemetry.Logger
		stats  *telemetry.Stats
	}

	// Option configures a Store.
	Option func(*Store)
)

// Change operation kinds.
const (
	OpCreate Op = "create"
	OpPatch  Op = "patch"
	OpClose  Op = "close"
	OpRemove Op = "remove"
)

// Mutation rejection errors.
var (
	ErrEmptyRef      = errors.New("message ref is empty")
	ErrDuplicateRef  = errors.New("message ref already exists")
	ErrInvalidLevel  = errors.New("invalid message level")
	ErrInvalidState  = errors.New("invalid lifecycle state")
	ErrInvalidKind   = errors.New("invalid message kind")
	ErrActionIDReuse = errors.New("duplicate action id")
)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithStats sets the stats registry.
func WithStats(st *telemetry.Stats) Option {
	return func(s *Store) { s.stats = st }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{messages: make(map[string]*msg.Message)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.clock == nil {
		s.clock = func() int64 { return time.Now().UnixMilli() }
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.stats == nil {
		s.stats = telemetry.NewStats(nil)
	}
	return s
}

// Subscribe registers a change subscriber. Registration is not
// concurrency-safe with mutations; wire subscribers before the hub starts.
func (s *Store) Subscribe(sub Subscriber) {
	s.subs = append(s.subs, sub)
}

// AddMessage inserts m. It fails when the ref already exists or an
// invariant does not hold. The store keeps its own deep copy.
func (s *Store) AddMessage(m *msg.Message) error {
	return s.add(m, false)
}

// AddOrUpdateMessage upserts m, replacing any existing message with the
// same ref wholesale.
func (s *Store) AddOrUpdateMessage(m *msg.Message) error {
	return s.add(m, true)
}

func (s *Store) add(m *msg.Message, upsert bool) error {
	if m == nil || m.Ref == "" {
		return ErrEmptyRef
	}
	if err := validate(m); err != nil {
		return fmt.Errorf("message %q: %w", m.Ref, err)
	}

	s.mu.Lock()
	prev, exists := s.messages[m.Ref]
	if exists && !upsert {
		s.mu.Unlock()
		return fmt.Errorf("message %q: %w", m.Ref, ErrDuplicateRef)
	}
	now := s.clock()
	stored := m.Clone()
	if stored.Lifecycle.State == "" {
		stored.Lifecycle.State = core.StateOpen
	}
	if stored.Lifecycle.StateChangedAt == 0 {
		stored.Lifecycle.StateChangedAt = now
	}
	s.messages[m.Ref] = stored
	change := Change{Ref: m.Ref, Op: OpCreate, After: stored.Clone(), TS: now}
	if exists {
		change.Op = OpPatch
		change.Before = prev // prev is detached once replaced, safe to hand out
	}
	s.mu.Unlock()

	s.stats.Inc("hub_store_mutations", 1, "op", string(change.Op))
	s.emit(change)
	return nil
}

// UpdateMessage deep-merges patch into the message with the given ref.
// Returns false when the ref is unknown, an error when the patch would
// violate an invariant. Empty patches are accepted and do nothing.
func (s *Store) UpdateMessage(ref string, patch *Patch) (bool, error) {
	if ref == "" {
		return false, ErrEmptyRef
	}
	if patch.Empty() {
		return s.Has(ref), nil
	}
	if patch.Lifecycle != nil && !patch.Lifecycle.State.Valid() {
		return false, fmt.Errorf("message %q: %w: %q", ref, ErrInvalidState, patch.Lifecycle.State)
	}
	if patch.Level != nil && !patch.Level.Valid() {
		return false, fmt.Errorf("message %q: %w: %d", ref, ErrInvalidLevel, int(*patch.Level))
	}

	s.mu.Lock()
	current, ok := s.messages[ref]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	before := current.Clone()
	now := s.clock()
	patch.apply(current, now)
	if err := validate(current); err != nil {
		s.messages[ref] = before // roll back
		s.mu.Unlock()
		return false, fmt.Errorf("message %q: %w", ref, err)
	}
	change := Change{Ref: ref, Op: OpPatch, Before: before, After: current.Clone(), TS: now}
	s.mu.Unlock()

	s.stats.Inc("hub_store_mutations", 1, "op", string(OpPatch))
	s.emit(change)
	return true, nil
}

// CompleteOptions parameterizes CompleteAfterCauseEliminated.
type CompleteOptions struct {
	// Actor is recorded as lifecycle.stateChangedBy.
	Actor string
	// FinishedAt overrides the completion timestamp; zero means now.
	FinishedAt int64
}

// CompleteAfterCauseEliminated closes the message because its cause is
// gone: state becomes closed, any pending notification is cleared and
// progress is forced to 100%. Returns false for unknown refs.
func (s *Store) CompleteAfterCauseEliminated(ref string, opts CompleteOptions) bool {
	s.mu.Lock()
	current, ok := s.messages[ref]
	if !ok {
		s.mu.Unlock()
		return false
	}
	now := s.clock()
	finishedAt := opts.FinishedAt
	if finishedAt == 0 {
		finishedAt = now
	}
	before := current.Clone()
	current.Lifecycle.State = core.StateClosed
	current.Lifecycle.StateChangedAt = now
	if opts.Actor != "" {
		current.Lifecycle.StateChangedBy = opts.Actor
	}
	current.Timing.NotifyAt = nil
	if current.Progress == nil {
		current.Progress = &msg.Progress{}
	}
	current.Progress.Percentage = 100
	current.Progress.FinishedAt = finishedAt
	change := Change{Ref: ref, Op: OpClose, Before: before, After: current.Clone(), TS: now}
	s.mu.Unlock()

	s.stats.Inc("hub_store_mutations", 1, "op", string(OpClose))
	s.emit(change)
	return true
}

// RemoveMessage deletes the message. Returns false for unknown refs.
func (s *Store) RemoveMessage(ref string) bool {
	s.mu.Lock()
	current, ok := s.messages[ref]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.messages, ref)
	change := Change{Ref: ref, Op: OpRemove, Before: current, TS: s.clock()}
	s.mu.Unlock()

	s.stats.Inc("hub_store_mutations", 1, "op", string(OpRemove))
	s.emit(change)
	return true
}

// MessageByRef returns a deep copy of the message, if present.
func (s *Store) MessageByRef(ref string) (*msg.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Has reports whether a message with the given ref exists.
func (s *Store) Has(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[ref]
	return ok
}

// Messages returns deep copies of all messages in unspecified order.
func (s *Store) Messages() []*msg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*msg.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Clone())
	}
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// emit delivers the change to all subscribers in order. Re-entrant
// mutations from inside a callback append to the pending queue and drain
// after the current event, preserving global order.
func (s *Store) emit(change Change) {
	s.mu.Lock()
	s.pending = append(s.pending, change)
	if s.emitting {
		s.mu.Unlock()
		return
	}
	s.emitting = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.emitting = false
			s.mu.Unlock()
			return
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		subs := s.subs
		s.mu.Unlock()

		for _, sub := range subs {
			s.deliver(sub, next)
		}
	}
}

func (s *Store) deliver(sub Subscriber, change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(context.Background(), "store subscriber panicked",
				"ref", change.Ref, "op", string(change.Op), "panic", fmt.Sprint(r))
		}
	}()
	sub(change)
}

// validate checks the invariants that must hold on every stored message.
func validate(m *msg.Message) error {
	if !m.Level.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, int(m.Level))
	}
	if m.Kind != "" && !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
	if m.Lifecycle.State != "" && !m.Lifecycle.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, m.Lifecycle.State)
	}
	seen := make(map[string]struct{}, len(m.Actions))
	for _, a := range m.Actions {
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("%w: %q", ErrActionIDReuse, a.ID)
		}
		seen[a.ID] = struct{}{}
		if !a.Type.Valid() {
			return fmt.Errorf("action %q: invalid type %q", a.ID, a.Type)
		}
	}
	return nil
}
