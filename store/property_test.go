package store

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/msg"
)

func genLevel() gopter.Gen {
	return gen.OneConstOf(core.LevelNone, core.LevelInfo, core.LevelNotice,
		core.LevelWarning, core.LevelError, core.LevelCritical)
}

func genState() gopter.Gen {
	return gen.OneConstOf(core.StateOpen, core.StateAcked, core.StateSnoozed,
		core.StateClosed, core.StateDeleted, core.StateExpired)
}

func genActionType() gopter.Gen {
	return gen.OneConstOf(core.ActionAck, core.ActionClose, core.ActionDelete,
		core.ActionSnooze, core.ActionOpen, core.ActionLink, core.ActionCustom)
}

// TestStoredStatesStayInEnum verifies that any sequence of valid adds and
// lifecycle patches leaves every stored message in one of the six defined
// lifecycle states.
func TestStoredStatesStayInEnum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("lifecycle state stays in the defined set", prop.ForAll(
		func(states []core.LifecycleState, level core.Level) bool {
			now := int64(1000)
			s := New(WithClock(func() int64 { return now }))
			if err := s.AddMessage(&msg.Message{Ref: "p", Level: level}); err != nil {
				return false
			}
			for _, st := range states {
				now++
				if _, err := s.UpdateMessage("p", &Patch{Lifecycle: &LifecyclePatch{State: st}}); err != nil {
					return false
				}
			}
			for _, m := range s.Messages() {
				if !m.Lifecycle.State.Valid() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genState()),
		genLevel(),
	))

	properties.TestingRun(t)
}

// TestActionIDsStayUnique verifies that action whitelists with duplicate
// ids never enter the store, through add or patch.
func TestActionIDsStayUnique(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("stored action ids are unique", prop.ForAll(
		func(ids []uint8, at core.ActionType) bool {
			actions := make([]msg.Action, len(ids))
			for i, id := range ids {
				actions[i] = msg.Action{ID: fmt.Sprintf("a%d", id), Type: at}
			}
			now := int64(1000)
			s := New(WithClock(func() int64 { return now }))
			err := s.AddMessage(&msg.Message{Ref: "p", Level: core.LevelInfo, Actions: actions})
			if err != nil {
				// Rejected input must actually contain a duplicate.
				return hasDuplicate(ids)
			}
			m, ok := s.MessageByRef("p")
			if !ok {
				return false
			}
			seen := make(map[string]struct{}, len(m.Actions))
			for _, a := range m.Actions {
				if _, dup := seen[a.ID]; dup {
					return false
				}
				seen[a.ID] = struct{}{}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
		genActionType(),
	))

	properties.TestingRun(t)
}

// TestOneChangeEventPerMutation verifies that n successful mutations emit
// exactly n change events, in order.
func TestOneChangeEventPerMutation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("change events match successful mutations 1:1", prop.ForAll(
		func(titles []string) bool {
			now := int64(1000)
			s := New(WithClock(func() int64 { return now }))
			var events int
			s.Subscribe(func(Change) { events++ })

			expected := 0
			if err := s.AddMessage(&msg.Message{Ref: "p", Level: core.LevelInfo}); err != nil {
				return false
			}
			expected++
			for i := range titles {
				now++
				title := titles[i]
				ok, err := s.UpdateMessage("p", &Patch{Title: &title})
				if err != nil || !ok {
					return false
				}
				expected++
			}
			if !s.RemoveMessage("p") {
				return false
			}
			expected++
			return events == expected
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func hasDuplicate(ids []uint8) bool {
	seen := make(map[uint8]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}
