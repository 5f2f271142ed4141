// Package plugin hosts the ingest and notify plugin registries. Plugins
// receive a frozen capability context; every callback runs behind a
// recover guard so one faulting plugin cannot take down its siblings or
// the host's event pump.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/host"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// Ingest consumes host state and object changes and feeds the hub.
	// Only ID is mandatory; lifecycle and observer methods are optional
	// capability interfaces.
	Ingest interface {
		ID() string
	}

	// Notify receives scheduler notification batches.
	Notify interface {
		ID() string
		OnNotifications(ctx context.Context, pc Context, event core.Event, messages []*msg.Message)
	}

	// Starter is implemented by plugins with startup work.
	Starter interface {
		Start(ctx context.Context, pc Context) error
	}

	// Stopper is implemented by plugins with shutdown work.
	Stopper interface {
		Stop(ctx context.Context, pc Context) error
	}

	// StateObserver receives host state changes. A nil state signals
	// deletion.
	StateObserver interface {
		OnStateChange(ctx context.Context, pc Context, id string, state *host.State)
	}

	// ObjectObserver receives host object changes. A nil object signals
	// deletion.
	ObjectObserver interface {
		OnObjectChange(ctx context.Context, pc Context, id string, object *host.Object)
	}

	// PluginStatus is the admin view of one registered plugin.
	PluginStatus struct {
		ID      string `json:"id"`
		Kind    string `json:"kind"`
		Healthy bool   `json:"healthy"`
	}

	// Host owns both registries. Registration strictly precedes event
	// delivery; re-registering an id stops the previous plugin first.
	//
	// Thread-safe.
	Host struct {
		api       API
		actionAPI ActionAPI
		logger    telemetry.Logger
		stats     *telemetry.Stats
		baseMeta  map[string]any
		running   bool

		mu     sync.Mutex
		ingest map[string]*entry
		notify map[string]*entry
	}

	entry struct {
		id      string
		ingest  Ingest
		notify  Notify
		healthy bool
	}

	// HostOption configures a Host.
	HostOption func(*Host)
)

// WithHostLogger sets the logger.
func WithHostLogger(l telemetry.Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// WithHostStats sets the stats registry.
func WithHostStats(s *telemetry.Stats) HostOption {
	return func(h *Host) { h.stats = s }
}

// WithBaseMeta sets host-provided metadata merged into every callback's
// Meta.Extra.
func WithBaseMeta(meta map[string]any) HostOption {
	return func(h *Host) { h.baseMeta = meta }
}

// NewHost builds the plugin host around the capability record. The
// action surface is split out so it can be withheld from notify plugins.
func NewHost(api API, actionAPI ActionAPI, opts ...HostOption) *Host {
	h := &Host{
		api:       api,
		actionAPI: actionAPI,
		ingest:    make(map[string]*entry),
		notify:    make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.logger == nil {
		h.logger = telemetry.NewNoopLogger()
	}
	if api.Log == nil {
		h.api.Log = h.logger
	}
	return h
}

// SetRunning flips the event-pump liveness flag reported in Meta.
func (h *Host) SetRunning(running bool) {
	h.mu.Lock()
	h.running = running
	h.mu.Unlock()
}

// RegisterIngest installs an ingest plugin. A previous plugin with the
// same id is stopped best-effort first. A plugin whose Start fails stays
// registered but is marked unhealthy.
func (h *Host) RegisterIngest(ctx context.Context, p Ingest) {
	if p == nil || p.ID() == "" {
		return
	}
	h.register(ctx, &entry{id: p.ID(), ingest: p})
}

// RegisterNotify installs a notify plugin, with the same re-register and
// health semantics as ingest plugins.
func (h *Host) RegisterNotify(ctx context.Context, p Notify) {
	if p == nil || p.ID() == "" {
		return
	}
	h.register(ctx, &entry{id: p.ID(), notify: p})
}

func (h *Host) register(ctx context.Context, e *entry) {
	h.mu.Lock()
	table := h.tableFor(e)
	prev := table[e.id]
	delete(table, e.id)
	h.mu.Unlock()

	// Stop must complete before the replacement starts.
	if prev != nil {
		h.stopEntry(ctx, prev)
	}

	e.healthy = true
	if s, ok := e.plugin().(Starter); ok {
		pc := h.contextFor(e, "register")
		err := h.guard(ctx, e.id, "start", func() error { return s.Start(ctx, pc) })
		if err != nil {
			e.healthy = false
		}
	}

	h.mu.Lock()
	h.tableFor(e)[e.id] = e
	h.mu.Unlock()

	h.logger.Info(ctx, "plugin registered", "plugin", e.id, "kind", e.kind(), "healthy", e.healthy)
	if h.stats != nil {
		h.stats.Inc("plugins.registered", 1)
	}
}

// Unregister stops and removes the plugin with the given id from both
// registries.
func (h *Host) Unregister(ctx context.Context, id string) {
	h.mu.Lock()
	in := h.ingest[id]
	no := h.notify[id]
	delete(h.ingest, id)
	delete(h.notify, id)
	h.mu.Unlock()

	if in != nil {
		h.stopEntry(ctx, in)
	}
	if no != nil {
		h.stopEntry(ctx, no)
	}
}

// StopAll stops every registered plugin, notify sinks first so they stop
// receiving events before their ingest sources go away.
func (h *Host) StopAll(ctx context.Context) {
	h.mu.Lock()
	entries := make([]*entry, 0, len(h.ingest)+len(h.notify))
	for _, e := range h.notify {
		entries = append(entries, e)
	}
	for _, e := range h.ingest {
		entries = append(entries, e)
	}
	h.ingest = make(map[string]*entry)
	h.notify = make(map[string]*entry)
	h.mu.Unlock()

	for _, e := range entries {
		h.stopEntry(ctx, e)
	}
}

// DispatchStateChange fans a host state change out to every ingest
// plugin that observes states.
func (h *Host) DispatchStateChange(ctx context.Context, id string, state *host.State) {
	for _, e := range h.ingestEntries() {
		obs, ok := e.ingest.(StateObserver)
		if !ok {
			continue
		}
		pc := h.contextFor(e, "state")
		h.guard(ctx, e.id, "onStateChange", func() error {
			obs.OnStateChange(ctx, pc, id, state)
			return nil
		})
	}
}

// DispatchObjectChange fans a host object change out to every ingest
// plugin that observes objects.
func (h *Host) DispatchObjectChange(ctx context.Context, id string, object *host.Object) {
	for _, e := range h.ingestEntries() {
		obs, ok := e.ingest.(ObjectObserver)
		if !ok {
			continue
		}
		pc := h.contextFor(e, "object")
		h.guard(ctx, e.id, "onObjectChange", func() error {
			obs.OnObjectChange(ctx, pc, id, object)
			return nil
		})
	}
}

// Dispatch delivers a notification batch to every notify plugin. A slow
// or faulting sink never blocks the scheduler: each plugin runs on its
// own goroutine with its own copy of the batch. Implements the
// scheduler's dispatcher contract.
func (h *Host) Dispatch(event core.Event, messages []*msg.Message) {
	entries := h.notifyEntries()
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		batch := make([]*msg.Message, len(messages))
		for i, m := range messages {
			batch[i] = m.Clone()
		}
		pc := h.contextFor(e, "notify")
		go func(e *entry, batch []*msg.Message) {
			ctx := context.Background()
			h.guard(ctx, e.id, "onNotifications", func() error {
				e.notify.OnNotifications(ctx, pc, event, batch)
				return nil
			})
		}(e, batch)
	}
	if h.stats != nil {
		h.stats.Inc("plugins.notifications", float64(len(messages)))
	}
}

// Status reports both registries sorted by plugin id.
func (h *Host) Status() []PluginStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PluginStatus, 0, len(h.ingest)+len(h.notify))
	for _, e := range h.ingest {
		out = append(out, PluginStatus{ID: e.id, Kind: "ingest", Healthy: e.healthy})
	}
	for _, e := range h.notify {
		out = append(out, PluginStatus{ID: e.id, Kind: "notify", Healthy: e.healthy})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// guard runs fn behind a recover barrier. Panics and errors are logged
// with the plugin id and counted, never propagated.
func (h *Host) guard(ctx context.Context, id, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
		if err != nil {
			h.logger.Error(ctx, "plugin callback failed",
				"plugin", id, "op", op, "err", err.Error())
			if h.stats != nil {
				h.stats.Inc("plugins.faults", 1)
			}
		}
	}()
	return fn()
}

func (h *Host) stopEntry(ctx context.Context, e *entry) {
	s, ok := e.plugin().(Stopper)
	if !ok {
		return
	}
	pc := h.contextFor(e, "unregister")
	h.guard(ctx, e.id, "stop", func() error { return s.Stop(ctx, pc) })
}

// contextFor assembles the per-call capability context. Notify plugins
// get a nil action surface.
func (h *Host) contextFor(e *entry, reason string) Context {
	api := h.api
	if e.ingest != nil {
		api.Action = h.actionAPI
	}
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	var extra map[string]any
	if len(h.baseMeta) > 0 {
		extra = make(map[string]any, len(h.baseMeta))
		for k, v := range h.baseMeta {
			extra[k] = v
		}
	}
	return Context{
		API: api,
		Meta: Meta{
			PluginID: e.id,
			Reason:   reason,
			Running:  running,
			Extra:    extra,
		},
	}
}

func (h *Host) ingestEntries() []*entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*entry, 0, len(h.ingest))
	for _, e := range h.ingest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *Host) notifyEntries() []*entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*entry, 0, len(h.notify))
	for _, e := range h.notify {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// tableFor selects the registry for the entry's kind. Caller holds the
// mutex.
func (h *Host) tableFor(e *entry) map[string]*entry {
	if e.ingest != nil {
		return h.ingest
	}
	return h.notify
}

func (e *entry) plugin() any {
	if e.ingest != nil {
		return e.ingest
	}
	return e.notify
}

func (e *entry) kind() string {
	if e.ingest != nil {
		return "ingest"
	}
	return "notify"
}
