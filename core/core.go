// Package core defines the shared constant vocabulary of the message hub:
// severity levels, message kinds, lifecycle states, workflow action types
// and notification events. All other packages depend on core; core depends
// on nothing.
package core

import "fmt"

type (
	// Level is the numeric severity of a message. Levels form an ordered
	// set; gaps are deliberate so hosts can slot custom severities between
	// the built-in ones without renumbering.
	Level int

	// Kind classifies what a message represents to the user.
	Kind string

	// LifecycleState is the workflow state of a message.
	LifecycleState string

	// ActionType identifies a whitelisted workflow action.
	ActionType string

	// Event names a notification event emitted by the scheduler to notify
	// plugins.
	Event string
)

// Severity levels, ordered.
const (
	LevelNone     Level = 0
	LevelInfo     Level = 1
	LevelNotice   Level = 10
	LevelWarning  Level = 20
	LevelError    Level = 30
	LevelCritical Level = 40
)

// Message kinds.
const (
	KindTask         Kind = "task"
	KindStatus       Kind = "status"
	KindShoppingList Kind = "shoppinglist"
	KindReminder     Kind = "reminder"
	KindAlert        Kind = "alert"
	KindNote         Kind = "note"
)

// Lifecycle states.
const (
	StateOpen    LifecycleState = "open"
	StateAcked   LifecycleState = "acked"
	StateSnoozed LifecycleState = "snoozed"
	StateClosed  LifecycleState = "closed"
	StateDeleted LifecycleState = "deleted"
	StateExpired LifecycleState = "expired"
)

// Workflow action types. Ack, Close, Delete and Snooze are the core types
// the action layer executes; Open, Link and Custom are accepted and audited
// but carry no core semantics.
const (
	ActionAck    ActionType = "ack"
	ActionClose  ActionType = "close"
	ActionDelete ActionType = "delete"
	ActionSnooze ActionType = "snooze"
	ActionOpen   ActionType = "open"
	ActionLink   ActionType = "link"
	ActionCustom ActionType = "custom"
)

// Notification events.
const (
	EventDue     Event = "due"
	EventUpdated Event = "updated"
	EventExpired Event = "expired"
	EventRemoved Event = "removed"
)

var (
	levels = map[Level]string{
		LevelNone:     "none",
		LevelInfo:     "info",
		LevelNotice:   "notice",
		LevelWarning:  "warning",
		LevelError:    "error",
		LevelCritical: "critical",
	}
	levelsByName map[string]Level

	kinds = map[Kind]struct{}{
		KindTask: {}, KindStatus: {}, KindShoppingList: {},
		KindReminder: {}, KindAlert: {}, KindNote: {},
	}
	states = map[LifecycleState]struct{}{
		StateOpen: {}, StateAcked: {}, StateSnoozed: {},
		StateClosed: {}, StateDeleted: {}, StateExpired: {},
	}
	actionTypes = map[ActionType]struct{}{
		ActionAck: {}, ActionClose: {}, ActionDelete: {}, ActionSnooze: {},
		ActionOpen: {}, ActionLink: {}, ActionCustom: {},
	}
)

func init() {
	levelsByName = make(map[string]Level, len(levels))
	for l, name := range levels {
		levelsByName[name] = l
	}
}

// Valid reports whether l is one of the defined severity levels.
func (l Level) Valid() bool {
	_, ok := levels[l]
	return ok
}

// String returns the level name, or a decimal rendering for undefined
// values.
func (l Level) String() string {
	if name, ok := levels[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel resolves a level name to its numeric value.
func ParseLevel(name string) (Level, error) {
	if l, ok := levelsByName[name]; ok {
		return l, nil
	}
	return LevelNone, fmt.Errorf("unknown level %q", name)
}

// Valid reports whether k is a defined message kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Valid reports whether s is a defined lifecycle state.
func (s LifecycleState) Valid() bool {
	_, ok := states[s]
	return ok
}

// Terminal reports whether s ends the active workflow. Terminal messages
// reject workflow actions; the rule engine may still re-open them during a
// cooldown window.
func (s LifecycleState) Terminal() bool {
	return s == StateClosed || s == StateDeleted || s == StateExpired
}

// Valid reports whether t is a defined action type.
func (t ActionType) Valid() bool {
	_, ok := actionTypes[t]
	return ok
}

// Core reports whether the action type has core workflow semantics. Non-core
// types are accepted as no-ops by the action layer.
func (t ActionType) Core() bool {
	switch t {
	case ActionAck, ActionClose, ActionDelete, ActionSnooze:
		return true
	}
	return false
}

// Levels returns the defined levels keyed by name. The returned map is a
// copy; callers may mutate it freely.
func Levels() map[string]Level {
	out := make(map[string]Level, len(levelsByName))
	for name, l := range levelsByName {
		out[name] = l
	}
	return out
}

// Kinds returns the defined kinds as a fresh slice.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	return out
}

// States returns the defined lifecycle states as a fresh slice.
func States() []LifecycleState {
	out := make([]LifecycleState, 0, len(states))
	for s := range states {
		out = append(out, s)
	}
	return out
}
