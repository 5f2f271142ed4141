package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelValidAndString(t *testing.T) {
	require.True(t, LevelWarning.Valid())
	require.False(t, Level(7).Valid())
	require.Equal(t, "warning", LevelWarning.String())
	require.Equal(t, "level(7)", Level(7).String())
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("critical")
	require.NoError(t, err)
	require.Equal(t, LevelCritical, l)

	_, err = ParseLevel("nope")
	require.Error(t, err)
}

func TestTerminalStates(t *testing.T) {
	for _, st := range []LifecycleState{StateClosed, StateDeleted, StateExpired} {
		require.True(t, st.Terminal(), st)
	}
	for _, st := range []LifecycleState{StateOpen, StateAcked, StateSnoozed} {
		require.False(t, st.Terminal(), st)
	}
}

func TestActionTypeCore(t *testing.T) {
	for _, at := range []ActionType{ActionAck, ActionClose, ActionDelete, ActionSnooze} {
		require.True(t, at.Core(), at)
	}
	for _, at := range []ActionType{ActionOpen, ActionLink, ActionCustom} {
		require.True(t, at.Valid(), at)
		require.False(t, at.Core(), at)
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	levels := Levels()
	levels["info"] = 999
	require.Equal(t, LevelInfo, Levels()["info"])

	require.Len(t, Kinds(), 6)
	require.Len(t, States(), 6)
}
