package playback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/stretchr/testify/require"

	"github.com/shaban/showsound/bus"
	"github.com/shaban/showsound/graph"
	"github.com/shaban/showsound/internal/testutil"
	"github.com/shaban/showsound/meter"
	"github.com/shaban/showsound/queue"
	"github.com/shaban/showsound/sound"
)

type loadResult struct {
	buf *beep.Buffer
	err error
}

// gatedLoader blocks each Load until the test releases that filename.
type gatedLoader struct {
	mu    sync.Mutex
	gates map[string]chan loadResult
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{gates: make(map[string]chan loadResult)}
}

func (l *gatedLoader) gate(name string) chan loadResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.gates[name]
	if !ok {
		ch = make(chan loadResult, 1)
		l.gates[name] = ch
	}
	return ch
}

func (l *gatedLoader) Load(ctx context.Context, filename string) (*beep.Buffer, error) {
	select {
	case r := <-l.gate(filename):
		return r.buf, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *gatedLoader) release(name string) {
	l.gate(name) <- loadResult{buf: toneBuffer(2048)}
}

func (l *gatedLoader) fail(name string, err error) {
	l.gate(name) <- loadResult{err: err}
}

func toneBuffer(n int) *beep.Buffer {
	b := beep.NewBuffer(testutil.ToneFormat)
	b.Append(testutil.Tone(testutil.ToneFormat.SampleRate, 440, 0.5, n))
	return b
}

type transition struct {
	busID int
	state State
	file  string
}

type fixture struct {
	q      *queue.Queue
	reg    *bus.Registry
	graphs *graph.Manager
	meter  *meter.Pipeline
	loader *gatedLoader
	c      *Controller
	logs   *testutil.LogBuffer

	mu          sync.Mutex
	transitions []transition
}

func newFixture(t *testing.T, backend graph.Backend, opts ...Option) *fixture {
	t.Helper()
	logger, logs := testutil.Logger()
	f := &fixture{logs: logs, loader: newGatedLoader()}
	f.q = queue.New(64, queue.WithLogger(logger))
	f.q.Start()
	f.graphs = graph.NewManager(backend, 48000, graph.WithLogger(logger))
	f.reg = bus.NewRegistry(4, bus.WithMixer(f.graphs), bus.WithLogger(logger))
	f.meter = meter.New(f.reg.Len(), f.q, f.reg, meter.WithLogger(logger))
	f.meter.Start()
	opts = append([]Option{
		WithLogger(logger),
		WithDecodeWorkers(2),
		WithListener(func(busID int, s State, inst sound.Instance) {
			f.mu.Lock()
			f.transitions = append(f.transitions, transition{busID, s, inst.Filename})
			f.mu.Unlock()
		}),
	}, opts...)
	f.c = New(f.loader, f.graphs, f.reg, f.meter, f.q, opts...)
	f.reg.OnDeviceChange(f.c.DeviceChanged)
	t.Cleanup(func() {
		_ = f.q.RunSync(func(context.Context) error { f.c.StopAll(); return nil })
		f.c.Close()
		f.meter.Close()
		f.q.Close()
		_ = f.graphs.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, fn func() error) {
	t.Helper()
	require.NoError(t, f.q.RunSync(func(context.Context) error { return fn() }))
}

func (f *fixture) state(t *testing.T, busID int) State {
	t.Helper()
	var s State
	_ = f.q.RunSync(func(context.Context) error { s = f.c.State(busID); return nil })
	return s
}

func (f *fixture) waitState(t *testing.T, busID int, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.state(t, busID) == want },
		2*time.Second, 2*time.Millisecond, "bus %d never reached %s", busID, want)
}

func (f *fixture) place(t *testing.T, busID int, filename string) sound.Instance {
	t.Helper()
	var inst sound.Instance
	f.do(t, func() error {
		var err error
		inst, err = f.c.AddInstance(busID, filename)
		return err
	})
	return inst
}

func (f *fixture) play(t *testing.T, inst sound.Instance, busID int) {
	t.Helper()
	f.do(t, func() error { return f.c.Play(inst, busID) })
}

func (f *fixture) inputs(t *testing.T, device string) []int {
	t.Helper()
	g, ok := f.graphs.Lookup(device)
	if !ok {
		return nil
	}
	return g.Inputs()
}

func TestPlayLoadsThenPlays(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	inst := f.place(t, 1, "a.wav")

	f.play(t, inst, 1)
	require.Equal(t, Loading, f.state(t, 1))

	f.loader.release("a.wav")
	f.waitState(t, 1, Playing)

	f.do(t, func() error {
		cur, ok := f.c.Current(1)
		require.True(t, ok)
		require.Equal(t, inst.ID, cur.ID)
		require.Equal(t, inst.ID, f.c.Playing()[1])
		require.True(t, f.c.IsPlaying(1))
		return nil
	})
	require.Equal(t, []int{1}, f.inputs(t, graph.DefaultDevice))

	// the null sink keeps rendering, so the meter sees signal
	require.Eventually(t, func() bool { return f.meter.Level(1) > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAtMostOnePlayingPerBus(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	names := []string{"a.wav", "b.wav", "c.wav"}

	var prev *graph.Node
	for _, name := range names {
		inst := f.place(t, 2, name)
		f.play(t, inst, 2)
		f.loader.release(name)
		f.waitState(t, 2, Playing)

		g, ok := f.graphs.Lookup(graph.DefaultDevice)
		require.True(t, ok)
		require.Equal(t, []int{2}, g.Inputs())
		node, ok := g.NodeFor(2)
		require.True(t, ok)
		require.True(t, node.IsPlaying())
		if prev != nil {
			require.NotSame(t, prev, node)
			require.True(t, prev.Released(), "previous node must be torn down")
			require.False(t, prev.HasTap())
		}
		prev = node

		f.do(t, func() error {
			cur, _ := f.c.Current(2)
			require.Equal(t, name, cur.Filename)
			return nil
		})
	}
}

func TestSupersededDecodeHasNoEffect(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	x := f.place(t, 1, "x.wav")
	y := f.place(t, 1, "y.wav")

	f.play(t, x, 1)
	f.play(t, y, 1)

	// y finishes first and plays
	f.loader.release("y.wav")
	f.waitState(t, 1, Playing)

	f.mu.Lock()
	before := len(f.transitions)
	f.mu.Unlock()

	// x's completion arrives late and must be ignored
	f.loader.release("x.wav")
	require.Eventually(t, func() bool {
		return containsAll(f.logs.String(), "stale decode discarded")
	}, 2*time.Second, 2*time.Millisecond)

	f.do(t, func() error {
		cur, ok := f.c.Current(1)
		require.True(t, ok)
		require.Equal(t, y.ID, cur.ID)
		return nil
	})
	require.Equal(t, []int{1}, f.inputs(t, graph.DefaultDevice))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, before, len(f.transitions), "stale completion must not notify")
	require.Equal(t, transition{1, Playing, "y.wav"}, f.transitions[len(f.transitions)-1])
}

func TestStopInvalidatesPendingDecode(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	inst := f.place(t, 3, "slow.wav")

	f.play(t, inst, 3)
	f.do(t, func() error { return f.c.Stop(3) })
	require.Equal(t, Idle, f.state(t, 3))

	f.loader.release("slow.wav")
	require.Eventually(t, func() bool {
		return containsAll(f.logs.String(), "stale decode discarded")
	}, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, Idle, f.state(t, 3))
	require.Empty(t, f.inputs(t, graph.DefaultDevice))
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	inst := f.place(t, 1, "a.wav")
	f.play(t, inst, 1)
	f.loader.release("a.wav")
	f.waitState(t, 1, Playing)

	f.do(t, func() error {
		require.NoError(t, f.c.Stop(1))
		require.NoError(t, f.c.Stop(1))
		require.NoError(t, f.c.Stop(2))
		require.ErrorIs(t, f.c.Stop(99), bus.ErrUnknownBus)
		return nil
	})
	require.Empty(t, f.inputs(t, graph.DefaultDevice))
	require.Zero(t, f.meter.Level(1))
}

func TestLoadFailureLeavesBusIdle(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	inst := f.place(t, 1, "broken.wav")

	f.play(t, inst, 1)
	f.loader.fail("broken.wav", sound.ErrUnsupportedFormat)
	f.waitState(t, 1, Idle)
	require.Contains(t, f.logs.String(), "sound load failed")
	require.Empty(t, f.inputs(t, graph.DefaultDevice))
}

func TestEmptyLoadLeavesBusIdle(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	inst := f.place(t, 1, "nothing.wav")

	f.play(t, inst, 1)
	f.loader.gate("nothing.wav") <- loadResult{}
	f.waitState(t, 1, Idle)
	require.True(t, containsAll(f.logs.String(), "sound load failed", "no audio frames"))
	require.Empty(t, f.inputs(t, graph.DefaultDevice))
}

func TestFailuresGoToErrorHandler(t *testing.T) {
	errs := make(chan error, 1)
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond),
		WithErrorHandler(func(err error) { errs <- err }))
	inst := f.place(t, 3, "broken.wav")

	f.play(t, inst, 3)
	f.loader.fail("broken.wav", sound.ErrUnsupportedFormat)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, sound.ErrUnsupportedFormat)
		require.Contains(t, err.Error(), "bus 3")
		require.Contains(t, err.Error(), "broken.wav")
	case <-time.After(2 * time.Second):
		t.Fatal("load failure not reported")
	}
	f.waitState(t, 3, Idle)
	require.NotContains(t, f.logs.String(), "sound load failed")
}

// brokenSink never starts.
type brokenSink struct{}

func (brokenSink) BindDevice(string) error { return nil }

func (brokenSink) Start(beep.Streamer) error { return errors.New("device busy") }

func (brokenSink) Running() bool { return false }

func (brokenSink) Close() error { return nil }

type brokenBackend struct{}

func (brokenBackend) Name() string { return "broken" }

func (brokenBackend) NewSink(beep.Format) (graph.Sink, error) { return brokenSink{}, nil }

func TestGraphStartFailureTearsNodeDown(t *testing.T) {
	f := newFixture(t, brokenBackend{})
	inst := f.place(t, 1, "a.wav")

	f.play(t, inst, 1)
	f.loader.release("a.wav")
	require.Eventually(t, func() bool {
		return containsAll(f.logs.String(), "playback start failed", "device busy")
	}, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, Idle, f.state(t, 1))
	require.Empty(t, f.inputs(t, graph.DefaultDevice))
}

func TestMixAppliedOnStartAndLive(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	f.do(t, func() error {
		require.NoError(t, f.reg.SetVolume(1, 0.5))
		return f.reg.SetPan(1, 1)
	})
	inst := f.place(t, 1, "a.wav")
	f.play(t, inst, 1)
	f.loader.release("a.wav")
	f.waitState(t, 1, Playing)

	g, _ := f.graphs.Lookup(graph.DefaultDevice)
	node, ok := g.NodeFor(1)
	require.True(t, ok)
	gain, pan := node.Mix()
	require.Equal(t, 0.5, gain)
	require.Equal(t, 1.0, pan)

	f.do(t, func() error {
		_, err := f.reg.ToggleMute(1)
		return err
	})
	gain, _ = node.Mix()
	require.Zero(t, gain)
}

func TestDeviceChangeStopsBus(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	inst := f.place(t, 2, "a.wav")
	f.play(t, inst, 2)
	f.loader.release("a.wav")
	f.waitState(t, 2, Playing)

	f.do(t, func() error { return f.reg.SetOutputDevice(2, "hw:4", "Stage Left") })
	require.Equal(t, Idle, f.state(t, 2))
	require.Empty(t, f.inputs(t, graph.DefaultDevice))

	// explicit restart lands on the new device's graph
	f.play(t, inst, 2)
	f.loader.release("a.wav")
	f.waitState(t, 2, Playing)
	require.Equal(t, []int{2}, f.inputs(t, "hw:4"))
}

func TestInstanceOwnership(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	a := f.place(t, 1, "a.wav")
	b := f.place(t, 1, "b.wav")
	c := f.place(t, 3, "c.wav")

	f.do(t, func() error {
		inst, busID, ok := f.c.Owner(c.ID)
		require.True(t, ok)
		require.Equal(t, 3, busID)
		require.Equal(t, "c.wav", inst.Filename)

		require.Equal(t, []sound.Instance{a, b}, f.c.Instances(1))
		require.Len(t, f.c.Assignments(), 2)

		_, err := f.c.AddInstance(42, "x.wav")
		require.ErrorIs(t, err, bus.ErrUnknownBus)
		return nil
	})

	f.do(t, func() error { return f.c.PlayInstance(b.ID) })
	f.loader.release("b.wav")
	f.waitState(t, 1, Playing)

	// removing a non-playing instance leaves the bus alone
	f.do(t, func() error { return f.c.RemoveInstance(a.ID) })
	require.Equal(t, Playing, f.state(t, 1))

	f.do(t, func() error { return f.c.RemoveInstance(b.ID) })
	require.Equal(t, Idle, f.state(t, 1))

	f.do(t, func() error {
		require.Empty(t, f.c.Instances(1))
		require.ErrorIs(t, f.c.RemoveInstance(b.ID), ErrUnknownInstance)
		require.ErrorIs(t, f.c.PlayInstance(b.ID), ErrUnknownInstance)
		return nil
	})
}

func TestReplaceAssignmentsStopsPlayback(t *testing.T) {
	f := newFixture(t, graph.NewNullBackend(5*time.Millisecond))
	inst := f.place(t, 1, "a.wav")
	f.play(t, inst, 1)
	f.loader.release("a.wav")
	f.waitState(t, 1, Playing)

	next := sound.NewInstance("n.wav")
	f.do(t, func() error {
		f.c.ReplaceAssignments(map[int][]sound.Instance{
			2:  {next},
			77: {sound.NewInstance("lost.wav")},
		})
		require.Equal(t, Idle, f.c.State(1))
		require.Equal(t, map[int][]sound.Instance{2: {next}}, f.c.Assignments())
		return nil
	})
	require.Contains(t, f.logs.String(), "instances for unknown bus dropped")
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
