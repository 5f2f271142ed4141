package store

import (
	"sort"

	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/msg"
)

type (
	// Where filters a query. Zero-valued fields match everything.
	Where struct {
		// Kind restricts to one message kind.
		Kind core.Kind `json:"kind,omitempty"`
		// MinLevel/MaxLevel bound the severity range inclusively. MaxLevel
		// zero means unbounded.
		MinLevel core.Level `json:"minLevel,omitempty"`
		MaxLevel core.Level `json:"maxLevel,omitempty"`
		// States restricts to the listed lifecycle states.
		States []core.LifecycleState `json:"states,omitempty"`
		// TagsAny matches messages carrying at least one of the tags.
		TagsAny []string `json:"tagsAny,omitempty"`
		// RouteTo matches the hard route target.
		RouteTo string `json:"routeTo,omitempty"`
		// VisibleAt excludes messages whose StartAt lies after the given
		// epoch-ms instant. Zero disables the filter.
		VisibleAt int64 `json:"visibleAt,omitempty"`
	}

	// Query selects, orders and paginates messages.
	Query struct {
		Where Where `json:"where,omitzero"`
		// OrderBy is "startAt" (default) or "level". Order is always
		// descending with ref as the ascending tie-break, which keeps
		// pagination stable.
		OrderBy string `json:"orderBy,omitempty"`
		// Page is 1-based. PageSize caps the items per page; zero means
		// DefaultPageSize.
		Page     int `json:"page,omitempty"`
		PageSize int `json:"pageSize,omitempty"`
	}

	// QueryResult is one page of matches.
	QueryResult struct {
		Items []*msg.Message `json:"items"`
		Total int            `json:"total"`
		Page  int            `json:"page"`
		Pages int            `json:"pages"`
	}
)

// DefaultPageSize bounds query pages when the caller does not.
const DefaultPageSize = 50

// MaxPageSize is the hard cap on a single page.
const MaxPageSize = 500

// Query returns the page of messages matching q. Items are deep copies.
func (s *Store) Query(q Query) QueryResult {
	s.mu.Lock()
	matched := make([]*msg.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if q.Where.matches(m) {
			matched = append(matched, m)
		}
	}
	// Clone before releasing the lock so sorting works on detached copies.
	for i, m := range matched {
		matched[i] = m.Clone()
	}
	s.mu.Unlock()

	sortMessages(matched, q.OrderBy)

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	total := len(matched)
	pages := (total + pageSize - 1) / pageSize
	page := q.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return QueryResult{Items: matched[start:end], Total: total, Page: page, Pages: pages}
}

func (w *Where) matches(m *msg.Message) bool {
	if w.Kind != "" && m.Kind != w.Kind {
		return false
	}
	if m.Level < w.MinLevel {
		return false
	}
	if w.MaxLevel != 0 && m.Level > w.MaxLevel {
		return false
	}
	if len(w.States) > 0 {
		found := false
		for _, st := range w.States {
			if m.Lifecycle.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(w.TagsAny) > 0 {
		found := false
		for _, want := range w.TagsAny {
			for _, have := range m.Audience.Tags {
				if have == want {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	if w.RouteTo != "" && m.Audience.Channels.RouteTo != w.RouteTo {
		return false
	}
	if w.VisibleAt != 0 && m.Timing.StartAt != nil && *m.Timing.StartAt > w.VisibleAt {
		return false
	}
	return true
}

func sortMessages(items []*msg.Message, orderBy string) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch orderBy {
		case "level":
			if a.Level != b.Level {
				return a.Level > b.Level
			}
		default: // startAt desc, missing sorts last
			av, bv := startAtOf(a), startAtOf(b)
			if av != bv {
				return av > bv
			}
		}
		return a.Ref < b.Ref
	})
}

func startAtOf(m *msg.Message) int64 {
	if m.Timing.StartAt == nil {
		return -1
	}
	return *m.Timing.StartAt
}
