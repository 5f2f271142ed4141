package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/msghub-io/msghub/store"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// Entry is one JSONL journal line. Fields marshal in declaration
	// order, so identical mutation sequences produce identical files.
	Entry struct {
		Event  string         `json:"event"`
		Ref    string         `json:"ref"`
		TS     int64          `json:"ts"`
		Actor  string         `json:"actor,omitempty"`
		Reason string         `json:"reason,omitempty"`
		Data   map[string]any `json:"data,omitempty"`
	}

	// Config is the normalized archive configuration.
	Config struct {
		// StrategyLock is the configured backend lock: "native" or
		// "host". Changing it takes effect on next startup.
		StrategyLock string
		// BaseDir roots the journal tree (native backend only).
		BaseDir string
		// FileExtension is the journal file suffix, default ".jsonl".
		FileExtension string
		// KeepPreviousWeeks bounds retention; zero keeps everything.
		KeepPreviousWeeks int
		// MaxPathWorkers bounds the per-path op-queue worker table.
		MaxPathWorkers int
	}

	// Status is the read-only strategy view exposed over the admin
	// surface.
	Status struct {
		ConfiguredStrategyLock string `json:"configuredStrategyLock"`
		EffectiveStrategy      string `json:"effectiveStrategy"`
		LockReason             string `json:"lockReason,omitempty"`
		LockedAt               int64  `json:"lockedAt,omitempty"`
		BaseDir                string `json:"baseDir,omitempty"`
		FileExtension          string `json:"fileExtension"`
		PendingOps             int64  `json:"pendingOps"`
	}

	// Archive appends journal entries through the pinned backend. All
	// writes for one file pass through a per-path FIFO queue.
	Archive struct {
		cfg    Config
		native Backend
		hostb  Backend

		mu         sync.RWMutex
		effective  Backend
		lockReason string
		lockedAt   int64
		nextLock   string

		queue  *opQueue
		clock  func() int64
		logger telemetry.Logger
		stats  *telemetry.Stats

		retentionCancel context.CancelFunc
		retentionWG     sync.WaitGroup
	}

	// Option configures an Archive.
	Option func(*Archive)
)

// Journal sources. Store mutations land under SourceMessages, action
// audits under SourceAudit.
const (
	SourceMessages = "messages"
	SourceAudit    = "audit"
)

// ErrNativeProbeFailed reports that the native backend could not validate
// round-trip I/O.
var ErrNativeProbeFailed = errors.New("native archive probe failed")

// ErrNoBackend reports that no backend is available for the effective
// strategy.
var ErrNoBackend = errors.New("no archive backend available")

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(a *Archive) { a.logger = l }
}

// WithStats sets the stats registry.
func WithStats(s *telemetry.Stats) Option {
	return func(a *Archive) { a.stats = s }
}

// WithClock sets the epoch-ms time source.
func WithClock(c func() int64) Option {
	return func(a *Archive) { a.clock = c }
}

// WithHostBackend provides the host-storage backend used when the native
// probe fails or the lock forces host storage.
func WithHostBackend(b Backend) Option {
	return func(a *Archive) { a.hostb = b }
}

// WithNativeBackend overrides the native backend, mainly for tests.
func WithNativeBackend(b Backend) Option {
	return func(a *Archive) { a.native = b }
}

// New builds an archive and pins its backend: if the lock is "native" the
// native backend is probed and, on failure, the archive downgrades to host
// storage. A "host" lock skips the probe entirely. New never fails on
// probe errors; it logs and downgrades.
func New(ctx context.Context, cfg Config, opts ...Option) *Archive {
	if cfg.FileExtension == "" {
		cfg.FileExtension = ".jsonl"
	}
	if cfg.MaxPathWorkers <= 0 {
		cfg.MaxPathWorkers = 128
	}
	if cfg.StrategyLock == "" {
		cfg.StrategyLock = StrategyNative
	}
	a := &Archive{
		cfg:      cfg,
		queue:    newOpQueue(cfg.MaxPathWorkers),
		nextLock: cfg.StrategyLock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.clock == nil {
		a.clock = func() int64 { return time.Now().UnixMilli() }
	}
	if a.logger == nil {
		a.logger = telemetry.NewNoopLogger()
	}
	if a.stats == nil {
		a.stats = telemetry.NewStats(nil)
	}
	if a.native == nil {
		a.native = NewNativeBackend(cfg.BaseDir)
	}
	a.pin(ctx)
	return a
}

// pin evaluates the configured lock and selects the effective backend.
func (a *Archive) pin(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockedAt = a.clock()
	if a.cfg.StrategyLock == StrategyHost {
		a.effective = a.hostb
		a.lockReason = "locked to host storage"
		return
	}
	if err := Probe(ctx, a.native); err != nil {
		a.logger.Warn(ctx, "native archive probe failed, using host storage", "err", err.Error())
		a.effective = a.hostb
		a.lockReason = err.Error()
		return
	}
	a.effective = a.native
	a.lockReason = "native probe succeeded"
}

// Probe validates round-trip I/O against a backend: mkdir, write, read,
// append, re-read, unlink. Any mismatch or error fails the probe.
func Probe(ctx context.Context, b Backend) error {
	if b == nil {
		return fmt.Errorf("%w: backend not configured", ErrNativeProbeFailed)
	}
	const dir = ".probe"
	path := dir + "/probe.tmp"
	fail := func(stage string, err error) error {
		return fmt.Errorf("%w: %s: %v", ErrNativeProbeFailed, stage, err)
	}
	if err := b.Mkdir(ctx, dir); err != nil {
		return fail("mkdir", err)
	}
	if err := b.WriteFile(ctx, path, []byte("probe\n")); err != nil {
		return fail("write", err)
	}
	data, err := b.ReadFile(ctx, path)
	if err != nil {
		return fail("read", err)
	}
	if string(data) != "probe\n" {
		return fail("read", errors.New("content mismatch"))
	}
	if err := b.Append(ctx, path, []byte("again\n")); err != nil {
		return fail("append", err)
	}
	data, err = b.ReadFile(ctx, path)
	if err != nil {
		return fail("re-read", err)
	}
	if string(data) != "probe\nagain\n" {
		return fail("re-read", errors.New("content mismatch"))
	}
	if err := b.Remove(ctx, path); err != nil {
		return fail("unlink", err)
	}
	return nil
}

// Append serializes the entry as one JSONL line and queues it for the
// entry's (source, ref, date) file. The returned channel yields the write
// result once the per-path worker has flushed it.
func (a *Archive) Append(ctx context.Context, source string, e Entry) <-chan error {
	if e.TS == 0 {
		e.TS = a.clock()
	}
	path := a.Path(source, e.Ref, e.TS)
	line, err := json.Marshal(e)
	if err != nil {
		res := make(chan error, 1)
		res <- err
		return res
	}
	line = append(line, '\n')
	backend := a.backend()
	a.stats.Inc("hub_archive_appends", 1, "source", source)
	res := a.queue.enqueue(path, func() error {
		if backend == nil {
			return ErrNoBackend
		}
		if err := backend.Append(ctx, path, line); err != nil {
			a.logger.Error(ctx, "archive append failed", "path", path, "err", err.Error())
			return err
		}
		return nil
	})
	a.stats.Set("hub_archive_pending", float64(a.queue.depth()))
	return res
}

// HandleChange is the store subscriber: every mutation becomes one journal
// entry under SourceMessages. Appends are asynchronous; journal errors
// never block the mutation path.
func (a *Archive) HandleChange(c store.Change) {
	e := Entry{Event: string(c.Op), Ref: c.Ref, TS: c.TS}
	if c.After != nil {
		e.Data = map[string]any{
			"level": int(c.After.Level),
			"state": string(c.After.Lifecycle.State),
		}
	}
	a.Append(context.Background(), SourceMessages, e)
}

// ReadLines returns the raw JSONL lines of the (source, ref, date) file.
// Parsing is the caller's responsibility. date is any epoch-ms timestamp
// within the wanted day.
func (a *Archive) ReadLines(ctx context.Context, source, ref string, date int64) ([]string, error) {
	backend := a.backend()
	if backend == nil {
		return nil, ErrNoBackend
	}
	data, err := backend.ReadFile(ctx, a.Path(source, ref, date))
	if err != nil {
		return nil, err
	}
	raw := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	return raw, nil
}

// Path returns the journal file path for (source, ref, ts):
// <source>/<ref>.<YYYYMMDD><ext>.
func (a *Archive) Path(source, ref string, ts int64) string {
	day := time.UnixMilli(ts).UTC().Format("20060102")
	return source + "/" + sanitizeRef(ref) + "." + day + a.cfg.FileExtension
}

// Status returns the read-only strategy view.
func (a *Archive) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	effective := ""
	if a.effective != nil {
		effective = a.effective.Name()
	}
	return Status{
		ConfiguredStrategyLock: a.cfg.StrategyLock,
		EffectiveStrategy:      effective,
		LockReason:             a.lockReason,
		LockedAt:               a.lockedAt,
		BaseDir:                a.cfg.BaseDir,
		FileExtension:          a.cfg.FileExtension,
		PendingOps:             a.queue.depth(),
	}
}

// RetryNative re-probes the native backend on demand. On success the
// configured lock for the next startup flips to "native"; the effective
// strategy of the running process does not change.
func (a *Archive) RetryNative(ctx context.Context) (nextLock string, restartRequired bool, err error) {
	if err := Probe(ctx, a.native); err != nil {
		return "", false, err
	}
	a.mu.Lock()
	a.nextLock = StrategyNative
	a.mu.Unlock()
	return StrategyNative, true, nil
}

// ForceHost downgrades the configured lock for the next startup to host
// storage.
func (a *Archive) ForceHost() (nextLock string, restartRequired bool) {
	a.mu.Lock()
	a.nextLock = StrategyHost
	a.mu.Unlock()
	return StrategyHost, true
}

// NextLock returns the strategy lock that takes effect on next startup.
func (a *Archive) NextLock() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nextLock
}

// EstimateSize sums the sizes of all journal files across the known
// sources.
func (a *Archive) EstimateSize(ctx context.Context) (int64, error) {
	backend := a.backend()
	if backend == nil {
		return 0, ErrNoBackend
	}
	var total int64
	for _, source := range []string{SourceMessages, SourceAudit} {
		files, err := backend.List(ctx, source)
		if err != nil {
			return 0, err
		}
		for _, f := range files {
			total += f.Size
		}
	}
	return total, nil
}

// Close drains the op queue. Pending appends flush; new appends fail.
func (a *Archive) Close() {
	a.queue.close()
}

func (a *Archive) backend() Backend {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.effective
}

// sanitizeRef keeps refs path-safe without losing uniqueness for the
// common charset.
func sanitizeRef(ref string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, ref)
}
