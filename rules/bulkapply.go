package rules

import (
	"context"
	"path"

	"github.com/msghub-io/msghub/core"
)

type (
	// BulkApplyRequest re-applies presets across every configured target
	// whose id matches the glob pattern.
	BulkApplyRequest struct {
		// Pattern is a path.Match glob over target ids; empty matches all.
		Pattern string `json:"pattern,omitempty"`
		// Custom overrides preset presentation fields on each matched
		// target.
		Custom *BulkCustom `json:"custom,omitempty"`
		// Replace re-creates the message from the preset instead of
		// patching changed fields, discarding user edits.
		Replace bool `json:"replace,omitempty"`
		// Limit caps the number of targets touched; zero means no cap.
		Limit int `json:"limit,omitempty"`
	}

	// BulkCustom is the override set accepted by bulk apply.
	BulkCustom struct {
		Title       string `json:"title,omitempty"`
		Text        string `json:"text,omitempty"`
		Icon        string `json:"icon,omitempty"`
		Level       *int   `json:"level,omitempty"`
		RemindEvery *int64 `json:"remindEvery,omitempty"`
		Cooldown    *int64 `json:"cooldown,omitempty"`
	}

	// BulkError records one per-target failure; the run continues past it.
	BulkError struct {
		TargetID string `json:"targetId"`
		Error    string `json:"error"`
	}

	// BulkApplyResult summarizes a preview or apply run.
	BulkApplyResult struct {
		// Matched is how many targets the pattern selected.
		Matched int `json:"matched"`
		// Applied is how many targets were (or, in preview, would be)
		// written.
		Applied int `json:"applied"`
		// Truncated reports that the limit cut the run short.
		Truncated bool        `json:"truncated,omitempty"`
		Errors    []BulkError `json:"errors,omitempty"`
	}
)

// BulkPreview reports what BulkApply would do without writing anything.
func (e *Engine) BulkPreview(ctx context.Context, req BulkApplyRequest) (BulkApplyResult, error) {
	return e.bulkRun(ctx, req, true)
}

// BulkApply re-applies presets, with overrides, across the matched
// targets. Per-target failures are collected rather than aborting the
// run.
func (e *Engine) BulkApply(ctx context.Context, req BulkApplyRequest) (BulkApplyResult, error) {
	return e.bulkRun(ctx, req, false)
}

func (e *Engine) bulkRun(ctx context.Context, req BulkApplyRequest, preview bool) (BulkApplyResult, error) {
	if req.Pattern != "" {
		// Surface a malformed glob up front instead of per target.
		if _, err := path.Match(req.Pattern, "probe"); err != nil {
			return BulkApplyResult{}, errBadParam("malformed pattern " + req.Pattern)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var res BulkApplyResult
	run := bulkRuntime(req.Custom)
	for _, t := range e.sortedTargets() {
		if req.Pattern != "" {
			if ok, _ := path.Match(req.Pattern, t.cfg.TargetID); !ok {
				continue
			}
		}
		res.Matched++
		if req.Limit > 0 && res.Applied >= req.Limit {
			res.Truncated = true
			continue
		}
		if preview {
			res.Applied++
			continue
		}
		if err := t.writer.ApplyPreset(ctx, run, req.Replace); err != nil {
			res.Errors = append(res.Errors, BulkError{TargetID: t.cfg.TargetID, Error: err.Error()})
			continue
		}
		res.Applied++
	}
	return res, nil
}

// bulkRuntime converts admin overrides into writer runtime data.
func bulkRuntime(c *BulkCustom) RuntimeData {
	if c == nil {
		return RuntimeData{}
	}
	run := RuntimeData{
		Title:       c.Title,
		Text:        c.Text,
		Icon:        c.Icon,
		RemindEvery: c.RemindEvery,
		Cooldown:    c.Cooldown,
	}
	if c.Level != nil {
		l := core.Level(*c.Level)
		run.Level = &l
	}
	return run
}
