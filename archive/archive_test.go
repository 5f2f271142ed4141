package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/store"
)

type (
	// memBackend is an in-memory Backend for probe and fallback tests.
	memBackend struct {
		mu    sync.Mutex
		name  string
		files map[string][]byte
	}

	// brokenBackend fails every operation, standing in for an unwritable
	// data directory.
	brokenBackend struct{}
)

func newMemBackend(name string) *memBackend {
	return &memBackend{name: name, files: map[string][]byte{}}
}

func (b *memBackend) Name() string                             { return b.name }
func (b *memBackend) Mkdir(context.Context, string) error      { return nil }
func (b *memBackend) Remove(_ context.Context, p string) error { b.mu.Lock(); defer b.mu.Unlock(); delete(b.files, p); return nil }

func (b *memBackend) WriteFile(_ context.Context, p string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[p] = append([]byte(nil), data...)
	return nil
}

func (b *memBackend) ReadFile(_ context.Context, p string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[p]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *memBackend) Append(_ context.Context, p string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[p] = append(b.files[p], data...)
	return nil
}

func (b *memBackend) List(_ context.Context, dir string) ([]FileInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []FileInfo
	for p, data := range b.files {
		if len(p) > len(dir) && p[:len(dir)+1] == dir+"/" {
			out = append(out, FileInfo{Name: p[len(dir)+1:], Size: int64(len(data))})
		}
	}
	return out, nil
}

var errBroken = errors.New("disk on fire")

func (brokenBackend) Name() string                                     { return StrategyNative }
func (brokenBackend) Mkdir(context.Context, string) error              { return errBroken }
func (brokenBackend) WriteFile(context.Context, string, []byte) error  { return errBroken }
func (brokenBackend) ReadFile(context.Context, string) ([]byte, error) { return nil, errBroken }
func (brokenBackend) Append(context.Context, string, []byte) error     { return errBroken }
func (brokenBackend) Remove(context.Context, string) error             { return errBroken }
func (brokenBackend) List(context.Context, string) ([]FileInfo, error) { return nil, errBroken }

// A failed native probe downgrades to host storage without failing startup.
func TestProbeFailureDowngradesToHost(t *testing.T) {
	host := newMemBackend("host")
	a := New(context.Background(), Config{StrategyLock: StrategyNative},
		WithNativeBackend(brokenBackend{}),
		WithHostBackend(host),
		WithClock(func() int64 { return 1000 }))
	defer a.Close()

	st := a.Status()
	require.Equal(t, StrategyNative, st.ConfiguredStrategyLock)
	require.Equal(t, "host", st.EffectiveStrategy)
	require.Contains(t, st.LockReason, "probe failed")
	require.Equal(t, int64(1000), st.LockedAt)

	// Appends flow through the host backend.
	require.NoError(t, <-a.Append(context.Background(), SourceMessages, Entry{Ref: "a", TS: 2000}))
	_, err := host.ReadFile(context.Background(), a.Path(SourceMessages, "a", 2000))
	require.NoError(t, err)
}

func TestHostLockSkipsProbe(t *testing.T) {
	a := New(context.Background(), Config{StrategyLock: StrategyHost},
		WithNativeBackend(brokenBackend{}),
		WithHostBackend(newMemBackend("host")))
	defer a.Close()

	require.Equal(t, "host", a.Status().EffectiveStrategy)
	require.Equal(t, "locked to host storage", a.Status().LockReason)
}

// A successful re-probe flips the lock for the next startup but leaves the
// running process on its pinned backend.
func TestRetryNativeRequiresRestart(t *testing.T) {
	a := New(context.Background(), Config{StrategyLock: StrategyHost, BaseDir: t.TempDir()},
		WithHostBackend(newMemBackend("host")))
	defer a.Close()

	next, restart, err := a.RetryNative(context.Background())
	require.NoError(t, err)
	require.Equal(t, StrategyNative, next)
	require.True(t, restart)
	require.Equal(t, StrategyNative, a.NextLock())
	require.Equal(t, "host", a.Status().EffectiveStrategy)
}

func TestRetryNativeFailsWhenStillBroken(t *testing.T) {
	a := New(context.Background(), Config{StrategyLock: StrategyHost},
		WithNativeBackend(brokenBackend{}),
		WithHostBackend(newMemBackend("host")))
	defer a.Close()

	_, _, err := a.RetryNative(context.Background())
	require.ErrorIs(t, err, ErrNativeProbeFailed)
}

func TestForceHostFlipsNextLock(t *testing.T) {
	a := New(context.Background(), Config{BaseDir: t.TempDir()})
	defer a.Close()

	require.Equal(t, StrategyNative, a.Status().EffectiveStrategy)
	next, restart := a.ForceHost()
	require.Equal(t, StrategyHost, next)
	require.True(t, restart)
	require.Equal(t, StrategyHost, a.NextLock())
}

func TestAppendReadBackLineIdentical(t *testing.T) {
	a := New(context.Background(), Config{BaseDir: t.TempDir()})
	defer a.Close()

	entries := []Entry{
		{Event: "create", Ref: "boiler", TS: 1_700_000_000_000, Actor: "rules", Data: map[string]any{"state": "open"}},
		{Event: "patch", Ref: "boiler", TS: 1_700_000_001_000},
		{Event: "remove", Ref: "boiler", TS: 1_700_000_002_000, Reason: "applied"},
	}
	for _, e := range entries {
		require.NoError(t, <-a.Append(context.Background(), SourceMessages, e))
	}

	lines, err := a.ReadLines(context.Background(), SourceMessages, "boiler", entries[0].TS)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	for i, e := range entries {
		want, err := json.Marshal(e)
		require.NoError(t, err)
		require.Equal(t, string(want), lines[i])
	}
}

func TestAppendStampsZeroTS(t *testing.T) {
	a := New(context.Background(), Config{BaseDir: t.TempDir()},
		WithClock(func() int64 { return 1_700_000_000_000 }))
	defer a.Close()

	require.NoError(t, <-a.Append(context.Background(), SourceAudit, Entry{Event: "action", Ref: "a"}))

	lines, err := a.ReadLines(context.Background(), SourceAudit, "a", 1_700_000_000_000)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var got Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	require.Equal(t, int64(1_700_000_000_000), got.TS)
}

func TestPathLayout(t *testing.T) {
	a := New(context.Background(), Config{BaseDir: t.TempDir()})
	defer a.Close()

	ts := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC).UnixMilli()
	require.Equal(t, "messages/boiler.20260824.jsonl", a.Path(SourceMessages, "boiler", ts))
	// Path-hostile refs are flattened, not rejected.
	require.Equal(t, "audit/kitchen_stove.20260824.jsonl", a.Path(SourceAudit, "kitchen/stove", ts))
}

// Appends to one file never interleave: the per-path queue keeps FIFO order.
func TestAppendsKeepOrderPerPath(t *testing.T) {
	a := New(context.Background(), Config{BaseDir: t.TempDir()})
	defer a.Close()

	const n = 50
	results := make([]<-chan error, n)
	for i := range n {
		results[i] = a.Append(context.Background(), SourceMessages, Entry{
			Event: "patch",
			Ref:   "a",
			TS:    1_700_000_000_000 + int64(i),
			Actor: "writer",
		})
	}
	for _, res := range results {
		require.NoError(t, <-res)
	}

	lines, err := a.ReadLines(context.Background(), SourceMessages, "a", 1_700_000_000_000)
	require.NoError(t, err)
	require.Len(t, lines, n)
	for i, line := range lines {
		var got Entry
		require.NoError(t, json.Unmarshal([]byte(line), &got))
		require.Equal(t, 1_700_000_000_000+int64(i), got.TS)
	}
}

func TestCloseRejectsNewAppends(t *testing.T) {
	a := New(context.Background(), Config{BaseDir: t.TempDir()})
	a.Close()

	require.Error(t, <-a.Append(context.Background(), SourceMessages, Entry{Ref: "a", TS: 1}))
}

func TestHandleChangeJournalsMutation(t *testing.T) {
	a := New(context.Background(), Config{BaseDir: t.TempDir()})

	a.HandleChange(store.Change{
		Op:  store.OpCreate,
		Ref: "boiler",
		TS:  1_700_000_000_000,
		After: &msg.Message{
			Ref:       "boiler",
			Level:     core.LevelError,
			Lifecycle: msg.Lifecycle{State: core.StateOpen},
		},
	})
	a.Close() // drain the queue before reading

	lines, err := a.ReadLines(context.Background(), SourceMessages, "boiler", 1_700_000_000_000)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var got Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	require.Equal(t, "create", got.Event)
	require.Equal(t, "boiler", got.Ref)
	require.Equal(t, float64(30), got.Data["level"])
	require.Equal(t, "open", got.Data["state"])
}
