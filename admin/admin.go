// Package admin implements the command surface the host exposes for the
// hub: a string-command router over JSON payloads with a uniform
// response envelope. The router never panics outward; handler faults
// become INTERNAL errors.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msghub-io/msghub/ai"
	"github.com/msghub-io/msghub/archive"
	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/rules"
	"github.com/msghub-io/msghub/store"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// Code classifies a command failure.
	Code string

	// Error is the DTO error carried in failed responses.
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	}

	// Response is the uniform command envelope.
	Response struct {
		OK    bool   `json:"ok"`
		Data  any    `json:"data,omitempty"`
		Error *Error `json:"error,omitempty"`
	}

	// Deps wires the router to the hub subsystems. Nil fields cause
	// NOT_READY on the commands that need them.
	Deps struct {
		Store   *store.Store
		Stats   *telemetry.Stats
		Archive *archive.Archive
		Presets *rules.PresetRegistry
		Engine  *rules.Engine
		AI      *ai.Client
		Logger  telemetry.Logger
	}

	// Router dispatches admin commands.
	Router struct {
		deps   Deps
		logger telemetry.Logger
	}
)

// Error codes.
const (
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeNotReady          Code = "NOT_READY"
	CodeNotFound          Code = "NOT_FOUND"
	CodeForbidden         Code = "FORBIDDEN"
	CodeUnknownCommand    Code = "UNKNOWN_COMMAND"
	CodePluginDisabled    Code = "PLUGIN_DISABLED"
	CodeNativeProbeFailed Code = "NATIVE_PROBE_FAILED"
	CodeInternal          Code = "INTERNAL"
)

// NewRouter builds the command router.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Router{deps: deps, logger: logger}
}

// Handle executes one admin command. The payload may be nil for
// commands without parameters.
func (r *Router) Handle(ctx context.Context, command string, payload json.RawMessage) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "admin command panicked",
				"command", command, "panic", fmt.Sprint(rec))
			resp = fail(CodeInternal, fmt.Sprintf("command %s failed", command))
		}
	}()

	switch command {
	case "admin.stats.get":
		return r.statsGet(ctx, payload)
	case "admin.messages.query":
		return r.messagesQuery(payload)
	case "admin.messages.delete":
		return r.messagesDelete(payload)
	case "admin.constants.get":
		return r.constantsGet()
	case "admin.archive.status":
		return r.archiveStatus()
	case "admin.archive.retryNative":
		return r.archiveRetryNative(ctx)
	case "admin.archive.forceHost":
		return r.archiveForceHost()
	case "admin.ingestStates.presets.list":
		return r.presetsList()
	case "admin.ingestStates.presets.get":
		return r.presetsGet(payload)
	case "admin.ingestStates.presets.upsert":
		return r.presetsUpsert(payload)
	case "admin.ingestStates.presets.delete":
		return r.presetsDelete(payload)
	case "admin.ingestStates.bulkApply.preview":
		return r.bulkApply(ctx, payload, true)
	case "admin.ingestStates.bulkApply.apply":
		return r.bulkApply(ctx, payload, false)
	case "admin.ai.complete":
		return r.aiComplete(ctx, payload)
	}
	return fail(CodeUnknownCommand, fmt.Sprintf("unknown command %q", command))
}

func (r *Router) statsGet(ctx context.Context, payload json.RawMessage) Response {
	if r.deps.Stats == nil {
		return fail(CodeNotReady, "stats not wired")
	}
	var req struct {
		Include struct {
			ArchiveSize bool `json:"archiveSize"`
		} `json:"include"`
	}
	if err := decode(payload, &req); err != nil {
		return fail(CodeBadRequest, err.Error())
	}

	counters, gauges := r.deps.Stats.Snapshot()
	data := map[string]any{
		"counters": counters,
		"gauges":   gauges,
	}
	if r.deps.Store != nil {
		data["messages"] = r.deps.Store.Len()
	}
	if req.Include.ArchiveSize {
		if r.deps.Archive == nil {
			return fail(CodeNotReady, "archive not wired")
		}
		size, err := r.deps.Archive.EstimateSize(ctx)
		if err != nil {
			r.logger.Warn(ctx, "archive size estimate failed", "err", err.Error())
		} else {
			data["archiveSizeBytes"] = size
		}
	}
	return ok(data)
}

func (r *Router) messagesQuery(payload json.RawMessage) Response {
	if r.deps.Store == nil {
		return fail(CodeNotReady, "store not wired")
	}
	var req struct {
		Query store.Query `json:"query"`
	}
	if err := decode(payload, &req); err != nil {
		return fail(CodeBadRequest, err.Error())
	}
	res := r.deps.Store.Query(req.Query)
	return ok(map[string]any{
		"items": res.Items,
		"total": res.Total,
		"pages": res.Pages,
		"meta":  map[string]any{"page": res.Page},
	})
}

func (r *Router) messagesDelete(payload json.RawMessage) Response {
	if r.deps.Store == nil {
		return fail(CodeNotReady, "store not wired")
	}
	var req struct {
		Refs []string `json:"refs"`
	}
	if err := decode(payload, &req); err != nil {
		return fail(CodeBadRequest, err.Error())
	}
	if len(req.Refs) == 0 {
		return fail(CodeBadRequest, "refs is empty")
	}
	removed := 0
	for _, ref := range req.Refs {
		if r.deps.Store.RemoveMessage(ref) {
			removed++
		}
	}
	return ok(map[string]any{"removed": removed})
}

func (r *Router) constantsGet() Response {
	return ok(map[string]any{
		"kind":      core.Kinds(),
		"level":     core.Levels(),
		"lifecycle": core.States(),
	})
}

func (r *Router) archiveStatus() Response {
	if r.deps.Archive == nil {
		return fail(CodeNotReady, "archive not wired")
	}
	return ok(r.deps.Archive.Status())
}

func (r *Router) archiveRetryNative(ctx context.Context) Response {
	if r.deps.Archive == nil {
		return fail(CodeNotReady, "archive not wired")
	}
	nextLock, restartRequired, err := r.deps.Archive.RetryNative(ctx)
	if err != nil {
		return fail(CodeNativeProbeFailed, err.Error())
	}
	return ok(map[string]any{
		"nextLock":        nextLock,
		"restartRequired": restartRequired,
	})
}

func (r *Router) archiveForceHost() Response {
	if r.deps.Archive == nil {
		return fail(CodeNotReady, "archive not wired")
	}
	nextLock, restartRequired := r.deps.Archive.ForceHost()
	return ok(map[string]any{
		"nextLock":        nextLock,
		"restartRequired": restartRequired,
	})
}

func (r *Router) presetsList() Response {
	if r.deps.Presets == nil {
		return fail(CodeNotReady, "presets not wired")
	}
	return ok(map[string]any{"presets": r.deps.Presets.List()})
}

func (r *Router) presetsGet(payload json.RawMessage) Response {
	if r.deps.Presets == nil {
		return fail(CodeNotReady, "presets not wired")
	}
	var req struct {
		PresetID string `json:"presetId"`
	}
	if err := decode(payload, &req); err != nil {
		return fail(CodeBadRequest, err.Error())
	}
	p, err := r.deps.Presets.Get(req.PresetID)
	if err != nil {
		return fail(CodeNotFound, err.Error())
	}
	return ok(map[string]any{"preset": p})
}

func (r *Router) presetsUpsert(payload json.RawMessage) Response {
	if r.deps.Presets == nil {
		return fail(CodeNotReady, "presets not wired")
	}
	var req struct {
		Preset rules.Preset `json:"preset"`
	}
	if err := decode(payload, &req); err != nil {
		return fail(CodeBadRequest, err.Error())
	}
	if err := r.deps.Presets.Upsert(req.Preset); err != nil {
		return fail(CodeBadRequest, err.Error())
	}
	return ok(map[string]any{"presetId": req.Preset.PresetID})
}

func (r *Router) presetsDelete(payload json.RawMessage) Response {
	if r.deps.Presets == nil {
		return fail(CodeNotReady, "presets not wired")
	}
	var req struct {
		PresetID string `json:"presetId"`
	}
	if err := decode(payload, &req); err != nil {
		return fail(CodeBadRequest, err.Error())
	}
	switch err := r.deps.Presets.Delete(req.PresetID); {
	case err == nil:
		return ok(map[string]any{"deleted": req.PresetID})
	case errors.Is(err, rules.ErrPresetOwned):
		return fail(CodeForbidden, err.Error())
	case errors.Is(err, rules.ErrPresetNotFound):
		return fail(CodeNotFound, err.Error())
	default:
		return fail(CodeInternal, err.Error())
	}
}

func (r *Router) bulkApply(ctx context.Context, payload json.RawMessage, preview bool) Response {
	if r.deps.Engine == nil {
		return fail(CodeNotReady, "rule engine not wired")
	}
	var req rules.BulkApplyRequest
	if err := decode(payload, &req); err != nil {
		return fail(CodeBadRequest, err.Error())
	}
	var (
		res rules.BulkApplyResult
		err error
	)
	if preview {
		res, err = r.deps.Engine.BulkPreview(ctx, req)
	} else {
		res, err = r.deps.Engine.BulkApply(ctx, req)
	}
	if err != nil {
		return fail(CodeBadRequest, err.Error())
	}
	return ok(res)
}

func (r *Router) aiComplete(ctx context.Context, payload json.RawMessage) Response {
	if r.deps.AI == nil || !r.deps.AI.Enabled() {
		return fail(CodePluginDisabled, "ai is not configured")
	}
	var req struct {
		Quality string `json:"quality,omitempty"`
		System  string `json:"system,omitempty"`
		Prompt  string `json:"prompt"`
	}
	if err := decode(payload, &req); err != nil {
		return fail(CodeBadRequest, err.Error())
	}
	if req.Prompt == "" {
		return fail(CodeBadRequest, "prompt is empty")
	}
	text, err := r.deps.AI.Complete(ctx, ai.Request{
		Quality: ai.Quality(req.Quality),
		System:  req.System,
		Prompt:  req.Prompt,
	})
	if err != nil {
		return fail(CodeInternal, err.Error())
	}
	return ok(map[string]any{"text": text})
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

func ok(data any) Response {
	return Response{OK: true, Data: data}
}

func fail(code Code, message string) Response {
	return Response{OK: false, Error: &Error{Code: code, Message: message}}
}
