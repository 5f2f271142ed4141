package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/msg"
)

func seedQueryStore(t *testing.T) *Store {
	t.Helper()
	now := int64(1000)
	s := New(WithClock(func() int64 { return now }))

	add := func(ref string, kind core.Kind, level core.Level, state core.LifecycleState, startAt int64, tags []string) {
		m := &msg.Message{
			Ref:       ref,
			Kind:      kind,
			Level:     level,
			Lifecycle: msg.Lifecycle{State: state},
			Audience:  msg.Audience{Tags: tags},
		}
		if startAt != 0 {
			m.Timing.StartAt = msg.EpochMS(startAt)
		}
		require.NoError(t, s.AddMessage(m))
	}

	add("a", core.KindStatus, core.LevelInfo, core.StateOpen, 100, []string{"kitchen"})
	add("b", core.KindAlert, core.LevelError, core.StateOpen, 300, nil)
	add("c", core.KindTask, core.LevelWarning, core.StateAcked, 200, []string{"garage"})
	add("d", core.KindStatus, core.LevelCritical, core.StateClosed, 0, nil)
	return s
}

func TestQueryFiltersByKindAndLevelRange(t *testing.T) {
	s := seedQueryStore(t)

	res := s.Query(Query{Where: Where{Kind: core.KindStatus}})
	require.Equal(t, 2, res.Total)

	res = s.Query(Query{Where: Where{MinLevel: core.LevelWarning, MaxLevel: core.LevelError}})
	require.Equal(t, 2, res.Total)
	for _, m := range res.Items {
		require.GreaterOrEqual(t, m.Level, core.LevelWarning)
		require.LessOrEqual(t, m.Level, core.LevelError)
	}
}

func TestQueryFiltersByStateAndTags(t *testing.T) {
	s := seedQueryStore(t)

	res := s.Query(Query{Where: Where{States: []core.LifecycleState{core.StateOpen}}})
	require.Equal(t, 2, res.Total)

	res = s.Query(Query{Where: Where{TagsAny: []string{"garage", "attic"}}})
	require.Equal(t, 1, res.Total)
	require.Equal(t, "c", res.Items[0].Ref)
}

func TestQueryVisibleAtExcludesFutureStartAt(t *testing.T) {
	s := seedQueryStore(t)

	res := s.Query(Query{Where: Where{VisibleAt: 250}})
	for _, m := range res.Items {
		require.NotEqual(t, "b", m.Ref, "startAt=300 must be invisible at 250")
	}
	require.Equal(t, 3, res.Total)
}

func TestQueryDefaultOrderIsStartAtDescending(t *testing.T) {
	s := seedQueryStore(t)

	res := s.Query(Query{})
	require.Equal(t, 4, res.Total)
	refs := make([]string, len(res.Items))
	for i, m := range res.Items {
		refs[i] = m.Ref
	}
	// startAt desc (300, 200, 100), missing startAt last.
	require.Equal(t, []string{"b", "c", "a", "d"}, refs)
}

func TestQueryOrderByLevel(t *testing.T) {
	s := seedQueryStore(t)

	res := s.Query(Query{OrderBy: "level"})
	require.Equal(t, "d", res.Items[0].Ref)
	require.Equal(t, "b", res.Items[1].Ref)
}

func TestQueryPaginationIsStable(t *testing.T) {
	now := int64(1000)
	s := New(WithClock(func() int64 { return now }))
	for i := 0; i < 7; i++ {
		require.NoError(t, s.AddMessage(&msg.Message{
			Ref:   fmt.Sprintf("m%d", i),
			Level: core.LevelInfo,
		}))
	}

	first := s.Query(Query{Page: 1, PageSize: 3})
	second := s.Query(Query{Page: 2, PageSize: 3})
	third := s.Query(Query{Page: 3, PageSize: 3})

	require.Equal(t, 7, first.Total)
	require.Equal(t, 3, first.Pages)
	require.Len(t, first.Items, 3)
	require.Len(t, second.Items, 3)
	require.Len(t, third.Items, 1)

	seen := make(map[string]struct{})
	for _, page := range [][]*msg.Message{first.Items, second.Items, third.Items} {
		for _, m := range page {
			_, dup := seen[m.Ref]
			require.False(t, dup, "ref %s appeared on two pages", m.Ref)
			seen[m.Ref] = struct{}{}
		}
	}
}

func TestQueryPageBeyondEndIsEmpty(t *testing.T) {
	s := seedQueryStore(t)
	res := s.Query(Query{Page: 99, PageSize: 10})
	require.Empty(t, res.Items)
	require.Equal(t, 4, res.Total)
}

func TestQueryItemsAreDetachedCopies(t *testing.T) {
	s := seedQueryStore(t)
	res := s.Query(Query{Where: Where{Kind: core.KindAlert}})
	require.Len(t, res.Items, 1)
	res.Items[0].Title = "mutated"

	got, _ := s.MessageByRef("b")
	require.Empty(t, got.Title)
}
