// Package msghub assembles the message hub: the authoritative message
// store, the descriptor factory, the workflow action layer, the
// notification scheduler, the ingest rule engine, the plugin host and the
// append-only archive, wired together behind one lifecycle.
//
// The hub embeds into an automation host: the host supplies its I/O
// capabilities through the host package interfaces and drives the hub
// with state-change callbacks and admin commands.
package msghub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/msghub-io/msghub/action"
	"github.com/msghub-io/msghub/admin"
	"github.com/msghub-io/msghub/ai"
	"github.com/msghub-io/msghub/archive"
	"github.com/msghub-io/msghub/config"
	"github.com/msghub-io/msghub/factory"
	"github.com/msghub-io/msghub/host"
	"github.com/msghub-io/msghub/i18n"
	"github.com/msghub-io/msghub/plugin"
	"github.com/msghub-io/msghub/rules"
	"github.com/msghub-io/msghub/scheduler"
	"github.com/msghub-io/msghub/store"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// Hub is the assembled message hub.
	Hub struct {
		cfg        *config.Config
		instanceID string
		logger     telemetry.Logger
		stats      *telemetry.Stats
		io         host.IO

		store      *store.Store
		factory    *factory.Factory
		actions    *action.Executor
		scheduler  *scheduler.Scheduler
		archive    *archive.Archive
		plugins    *plugin.Host
		presets    *rules.PresetRegistry
		engine     *rules.Engine
		translator *i18n.Translator
		assistant  *ai.Client
		admin      *admin.Router

		statePattern  string
		retentionTick time.Duration

		mu      sync.Mutex
		started bool
	}

	// Option configures a Hub.
	Option func(*hubOptions)

	hubOptions struct {
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		hostIO        host.IO
		redis         redis.UniversalClient
		statePattern  string
		retentionTick time.Duration
		clock         func() int64
	}
)

// WithLogger sets the hub logger. Defaults to the clue-backed logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *hubOptions) { o.logger = l }
}

// WithMetrics sets the OTEL metrics recorder mirrored by the stats
// registry.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *hubOptions) { o.metrics = m }
}

// WithHostIO supplies the embedding host's capability surface.
func WithHostIO(io host.IO) Option {
	return func(o *hubOptions) { o.hostIO = io }
}

// WithRedis supplies the redis client backing the archive's host-storage
// strategy. Without it a "host" strategy lock has no backend to fall
// back to.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(o *hubOptions) { o.redis = rdb }
}

// WithStatePattern sets the host state subscription pattern. Defaults to
// "*".
func WithStatePattern(pattern string) Option {
	return func(o *hubOptions) { o.statePattern = pattern }
}

// WithRetentionInterval paces the archive retention sweep.
func WithRetentionInterval(d time.Duration) Option {
	return func(o *hubOptions) { o.retentionTick = d }
}

// WithClock sets the epoch-ms time source for every subsystem, mainly
// for tests.
func WithClock(c func() int64) Option {
	return func(o *hubOptions) { o.clock = c }
}

// New assembles a hub from the normalized configuration. Construction
// wires all subscriptions; nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) *Hub {
	var o hubOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = telemetry.NewClueLogger()
	}
	if o.statePattern == "" {
		o.statePattern = "*"
	}
	logger := o.logger
	stats := telemetry.NewStats(o.metrics)

	h := &Hub{
		cfg:        cfg,
		instanceID: newInstanceID(),
		logger:     logger,
		stats:      stats,
		io:         o.hostIO,
	}

	storeOpts := []store.Option{store.WithLogger(logger), store.WithStats(stats)}
	if o.clock != nil {
		storeOpts = append(storeOpts, store.WithClock(o.clock))
	}
	h.store = store.New(storeOpts...)

	archOpts := []archive.Option{archive.WithLogger(logger), archive.WithStats(stats)}
	if o.redis != nil {
		archOpts = append(archOpts, archive.WithHostBackend(archive.NewHostBackend(o.redis, "")))
	}
	if o.clock != nil {
		archOpts = append(archOpts, archive.WithClock(o.clock))
	}
	h.archive = archive.New(ctx, archive.Config{
		StrategyLock:      cfg.Archive.EffectiveStrategyLock,
		BaseDir:           cfg.Archive.BaseDir,
		FileExtension:     cfg.Archive.FileExtension,
		KeepPreviousWeeks: cfg.Archive.KeepPreviousWeeks,
	}, archOpts...)

	factoryOpts := []factory.Option{factory.WithLogger(logger)}
	if o.clock != nil {
		factoryOpts = append(factoryOpts, factory.WithClock(o.clock))
	}
	h.factory = factory.New(factoryOpts...)

	actionOpts := []action.Option{action.WithAuditor(h.archive), action.WithLogger(logger)}
	if o.clock != nil {
		actionOpts = append(actionOpts, action.WithClock(o.clock))
	}
	h.actions = action.New(h.store, actionOpts...)

	h.presets = rules.NewPresetRegistry()
	engineOpts := []rules.EngineOption{
		rules.WithEngineLogger(logger),
		rules.WithEngineStats(stats),
		rules.WithLocationResolver(h.resolveLocation),
	}
	if o.clock != nil {
		engineOpts = append(engineOpts, rules.WithEngineClock(o.clock))
	}
	h.engine = rules.NewEngine(h.store, h.factory, h.presets, engineOpts...)

	h.translator = i18n.New(cfg.Locale.Current, cfg.Locale.Base)
	h.assistant = ai.New(cfg.AI, ai.WithLogger(logger))

	h.plugins = plugin.NewHost(plugin.API{
		Constants: plugin.NewConstants(),
		Factory:   h.factory,
		Store:     h.store,
		Stats:     stats,
		AI:        h.assistant,
		I18n:      h.translator,
		Host:      h.io,
		Log:       logger,
	}, h.actions,
		plugin.WithHostLogger(logger),
		plugin.WithHostStats(stats),
		plugin.WithBaseMeta(map[string]any{"instance": h.instanceID}),
	)

	schedOpts := []scheduler.Option{
		scheduler.WithQuietHours(cfg.QuietHours),
		scheduler.WithIntervalMs(cfg.NotifierIntervalMs),
		scheduler.WithLogger(logger),
		scheduler.WithStats(stats),
	}
	if o.clock != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(o.clock))
	}
	h.scheduler = scheduler.New(h.store, h.plugins, schedOpts...)

	// Change fan-out: the archive journals every mutation, the scheduler
	// surfaces lifecycle transitions as updated events.
	h.store.Subscribe(h.archive.HandleChange)
	h.store.Subscribe(h.scheduler.HandleChange)

	h.admin = admin.NewRouter(admin.Deps{
		Store:   h.store,
		Stats:   stats,
		Archive: h.archive,
		Presets: h.presets,
		Engine:  h.engine,
		AI:      h.assistant,
		Logger:  logger,
	})

	h.retentionTick = o.retentionTick
	h.statePattern = o.statePattern
	return h
}

// Start launches the scheduler, the rule engine's evaluation loop, the
// archive retention sweep and the host state subscription.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	h.scheduler.Start(ctx)
	h.engine.Start(ctx)
	h.archive.StartRetention(ctx, h.retentionTick)
	h.plugins.SetRunning(true)

	if h.io.Subscriptions != nil {
		if err := h.io.Subscriptions.SubscribeForeignStates(ctx, h.statePattern, h.onHostState); err != nil {
			h.logger.Error(ctx, "host state subscription failed",
				"pattern", h.statePattern, "err", err.Error())
			return err
		}
	}
	h.logger.Info(ctx, "hub started", "instance", h.instanceID, "messages", h.store.Len())
	return nil
}

// Stop winds the hub down: the host subscription first so no new events
// arrive, then the loops, then the plugins, and finally the archive
// queue so pending journal appends drain.
func (h *Hub) Stop(ctx context.Context) {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	h.mu.Unlock()

	if h.io.Subscriptions != nil {
		if err := h.io.Subscriptions.UnsubscribeForeignStates(ctx, h.statePattern); err != nil {
			h.logger.Warn(ctx, "host state unsubscribe failed", "err", err.Error())
		}
	}
	h.plugins.SetRunning(false)
	h.scheduler.Stop()
	h.engine.Stop()
	h.archive.StopRetention()
	h.plugins.StopAll(ctx)
	h.archive.Close()
	h.logger.Info(ctx, "hub stopped")
}

// onHostState is the host subscription callback: every state change
// feeds both the ingest plugins and the rule engine.
func (h *Hub) onHostState(id string, state *host.State) {
	ctx := context.Background()
	h.plugins.DispatchStateChange(ctx, id, state)
	if state == nil {
		return
	}
	val, ok := numericValue(state.Val)
	if !ok {
		return
	}
	h.engine.OnStateChange(ctx, id, &val, state.TS)
}

// resolveLocation maps a rule target id to a display location by reading
// the enclosing host object's name.
func (h *Hub) resolveLocation(ctx context.Context, targetID string) string {
	if h.io.Objects == nil {
		return ""
	}
	obj, err := h.io.Objects.GetForeignObject(ctx, targetID)
	if err != nil || obj == nil {
		return ""
	}
	name, ok := obj.Common["name"]
	if !ok {
		return ""
	}
	return h.translator.Translate(name)
}

// newInstanceID returns a globally unique hub instance identifier. The
// identifier is carried in plugin metadata and logs so overlapping hub
// lifetimes in one process stay distinguishable.
func newInstanceID() string {
	return fmt.Sprintf("hub-%s", uuid.NewString())
}

// numericValue coerces a host state value into the float64 observation
// space. Booleans map to 0/1; non-numeric values are dropped.
func numericValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// InstanceID returns the unique identifier of this hub instance.
func (h *Hub) InstanceID() string { return h.instanceID }

// Store returns the message store.
func (h *Hub) Store() *store.Store { return h.store }

// Factory returns the descriptor factory.
func (h *Hub) Factory() *factory.Factory { return h.factory }

// Actions returns the workflow action executor.
func (h *Hub) Actions() *action.Executor { return h.actions }

// Scheduler returns the notification scheduler.
func (h *Hub) Scheduler() *scheduler.Scheduler { return h.scheduler }

// Archive returns the journal.
func (h *Hub) Archive() *archive.Archive { return h.archive }

// Plugins returns the plugin host.
func (h *Hub) Plugins() *plugin.Host { return h.plugins }

// Presets returns the preset registry.
func (h *Hub) Presets() *rules.PresetRegistry { return h.presets }

// Engine returns the ingest rule engine.
func (h *Hub) Engine() *rules.Engine { return h.engine }

// Translator returns the i18n facade.
func (h *Hub) Translator() *i18n.Translator { return h.translator }

// AI returns the assistant facade.
func (h *Hub) AI() *ai.Client { return h.assistant }

// Admin returns the admin command router.
func (h *Hub) Admin() *admin.Router { return h.admin }

// Stats returns the stats registry.
func (h *Hub) Stats() *telemetry.Stats { return h.stats }

// Config returns the plugin-public configuration view.
func (h *Hub) Config() config.PublicConfig { return h.cfg.Public() }
