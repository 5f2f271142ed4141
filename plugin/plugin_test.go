package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msghub-io/msghub/action"
	"github.com/msghub-io/msghub/core"
	"github.com/msghub-io/msghub/host"
	"github.com/msghub-io/msghub/msg"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	fakeIngest struct {
		mu       sync.Mutex
		id       string
		startErr error
		starts   int
		stops    int
		states   []string
		objects  []string
		panics   bool
		lastCtx  Context
	}

	fakeNotify struct {
		id     string
		got    chan notifyCall
		panics bool
	}

	notifyCall struct {
		pc       Context
		event    core.Event
		messages []*msg.Message
	}

	fakeActionAPI struct{}
)

func (f *fakeActionAPI) Execute(context.Context, action.Request) action.Result {
	return action.Result{OK: true}
}

func (f *fakeIngest) ID() string { return f.id }

func (f *fakeIngest) Start(_ context.Context, pc Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.lastCtx = pc
	return f.startErr
}

func (f *fakeIngest) Stop(context.Context, Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeIngest) OnStateChange(_ context.Context, pc Context, id string, _ *host.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("ingest exploded")
	}
	f.states = append(f.states, id)
	f.lastCtx = pc
}

func (f *fakeIngest) OnObjectChange(_ context.Context, pc Context, id string, _ *host.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, id)
	f.lastCtx = pc
}

func (f *fakeIngest) counts() (starts, stops, states int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, len(f.states)
}

func (f *fakeNotify) ID() string { return f.id }

func (f *fakeNotify) OnNotifications(_ context.Context, pc Context, event core.Event, messages []*msg.Message) {
	if f.panics {
		panic("notify exploded")
	}
	f.got <- notifyCall{pc: pc, event: event, messages: messages}
}

func newTestHost(opts ...HostOption) *Host {
	return NewHost(API{Constants: NewConstants()}, &fakeActionAPI{}, opts...)
}

func waitNotify(t *testing.T, ch chan notifyCall) notifyCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
		return notifyCall{}
	}
}

// Re-registering an id stops the previous plugin exactly once before the
// replacement starts.
func TestReRegisterStopsPrevious(t *testing.T) {
	h := newTestHost()
	ctx := context.Background()

	v1 := &fakeIngest{id: "telegram"}
	v2 := &fakeIngest{id: "telegram"}
	h.RegisterIngest(ctx, v1)
	h.RegisterIngest(ctx, v2)

	starts, stops, _ := v1.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)
	starts, stops, _ = v2.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 0, stops)

	status := h.Status()
	require.Len(t, status, 1)
	require.Equal(t, "telegram", status[0].ID)
	require.True(t, status[0].Healthy)

	// Events only reach the replacement.
	h.DispatchStateChange(ctx, "light.0", &host.State{Val: true, TS: 1})
	_, _, s1 := v1.counts()
	_, _, s2 := v2.counts()
	require.Zero(t, s1)
	require.Equal(t, 1, s2)
}

func TestStartFailureKeepsPluginRegisteredUnhealthy(t *testing.T) {
	h := newTestHost()
	ctx := context.Background()

	p := &fakeIngest{id: "mqtt", startErr: errors.New("broker down")}
	h.RegisterIngest(ctx, p)

	status := h.Status()
	require.Len(t, status, 1)
	require.False(t, status[0].Healthy)

	// Still receives events; health is advisory.
	h.DispatchStateChange(ctx, "x", nil)
	_, _, states := p.counts()
	require.Equal(t, 1, states)
}

func TestPanicIsolation(t *testing.T) {
	stats := telemetry.NewStats(nil)
	h := newTestHost(WithHostStats(stats))
	ctx := context.Background()

	bad := &fakeIngest{id: "a-bad", panics: true}
	good := &fakeIngest{id: "b-good"}
	h.RegisterIngest(ctx, bad)
	h.RegisterIngest(ctx, good)

	require.NotPanics(t, func() {
		h.DispatchStateChange(ctx, "light.0", &host.State{Val: 1, TS: 1})
	})
	_, _, states := good.counts()
	require.Equal(t, 1, states)
	require.Equal(t, float64(1), stats.Counter("plugins.faults"))
}

// Notify plugins get their own detached copy of the batch and no action
// surface.
func TestDispatchClonesBatchAndWithholdsActions(t *testing.T) {
	h := newTestHost()
	ctx := context.Background()

	sink := &fakeNotify{id: "telegram", got: make(chan notifyCall, 1)}
	h.RegisterNotify(ctx, sink)

	original := &msg.Message{Ref: "a", Title: "before", Lifecycle: msg.Lifecycle{State: core.StateOpen}}
	h.Dispatch(core.EventDue, []*msg.Message{original})

	call := waitNotify(t, sink.got)
	require.Equal(t, core.EventDue, call.event)
	require.Len(t, call.messages, 1)
	require.Nil(t, call.pc.API.Action)
	require.Equal(t, "telegram", call.pc.Meta.PluginID)
	require.Equal(t, "notify", call.pc.Meta.Reason)

	call.messages[0].Title = "mutated"
	require.Equal(t, "before", original.Title)
}

func TestDispatchSurvivesPanickingSink(t *testing.T) {
	h := newTestHost()
	ctx := context.Background()

	bad := &fakeNotify{id: "a-bad", panics: true}
	good := &fakeNotify{id: "b-good", got: make(chan notifyCall, 1)}
	h.RegisterNotify(ctx, bad)
	h.RegisterNotify(ctx, good)

	h.Dispatch(core.EventDue, []*msg.Message{{Ref: "a"}})
	call := waitNotify(t, good.got)
	require.Equal(t, "a", call.messages[0].Ref)
}

func TestIngestContextCarriesActions(t *testing.T) {
	h := newTestHost(WithBaseMeta(map[string]any{"instance": "hub.0"}))
	h.SetRunning(true)
	ctx := context.Background()

	p := &fakeIngest{id: "mqtt"}
	h.RegisterIngest(ctx, p)
	h.DispatchStateChange(ctx, "x", nil)

	p.mu.Lock()
	pc := p.lastCtx
	p.mu.Unlock()
	require.NotNil(t, pc.API.Action)
	require.True(t, pc.Meta.Running)
	require.Equal(t, "hub.0", pc.Meta.Extra["instance"])
	require.Equal(t, "mqtt", pc.Meta.PluginID)
}

func TestDispatchObjectChange(t *testing.T) {
	h := newTestHost()
	ctx := context.Background()

	p := &fakeIngest{id: "mqtt"}
	h.RegisterIngest(ctx, p)
	h.DispatchObjectChange(ctx, "hm-rpc.0.dev", &host.Object{ID: "hm-rpc.0.dev"})

	p.mu.Lock()
	objects := append([]string(nil), p.objects...)
	p.mu.Unlock()
	require.Equal(t, []string{"hm-rpc.0.dev"}, objects)
}

func TestUnregisterStopsPlugin(t *testing.T) {
	h := newTestHost()
	ctx := context.Background()

	p := &fakeIngest{id: "mqtt"}
	h.RegisterIngest(ctx, p)
	h.Unregister(ctx, "mqtt")

	_, stops, _ := p.counts()
	require.Equal(t, 1, stops)
	require.Empty(t, h.Status())

	h.DispatchStateChange(ctx, "x", nil)
	_, _, states := p.counts()
	require.Zero(t, states)
}

func TestStopAllEmptiesRegistries(t *testing.T) {
	h := newTestHost()
	ctx := context.Background()

	in := &fakeIngest{id: "mqtt"}
	sink := &fakeNotify{id: "telegram", got: make(chan notifyCall, 1)}
	h.RegisterIngest(ctx, in)
	h.RegisterNotify(ctx, sink)

	h.StopAll(ctx)
	require.Empty(t, h.Status())
	_, stops, _ := in.counts()
	require.Equal(t, 1, stops)
}

func TestRegisterIgnoresNilAndEmptyID(t *testing.T) {
	h := newTestHost()
	ctx := context.Background()

	h.RegisterIngest(ctx, nil)
	h.RegisterIngest(ctx, &fakeIngest{id: ""})
	require.Empty(t, h.Status())
}
