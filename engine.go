// Package showsound is the live-show sound engine: buses routed to output
// devices, looped cue playback, per-bus metering, event-driven triggers and
// project persistence.
//
// An Engine owns every service and runs all state changes on one
// coordinating queue. Public methods marshal onto that queue and wait;
// results from decode workers, meter taps and event feeds are enqueued.
package showsound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gopxl/beep/v2"

	"github.com/shaban/showsound/bus"
	"github.com/shaban/showsound/config"
	"github.com/shaban/showsound/graph"
	"github.com/shaban/showsound/meter"
	"github.com/shaban/showsound/playback"
	"github.com/shaban/showsound/queue"
	"github.com/shaban/showsound/sound"
	"github.com/shaban/showsound/trigger"
)

// Options configures an Engine. Zero values take the defaults of config.Default.
type Options struct {
	LibraryRoot   string
	BusCount      int
	SampleRate    int
	Buffer        time.Duration
	BackendName   string
	ReplayWindow  time.Duration
	DecodeWorkers int

	// Backend overrides BackendName.
	Backend graph.Backend
	// Loader overrides decoding from the library, mainly for tests.
	Loader       playback.Loader
	Logger       *slog.Logger
	ErrorHandler ErrorHandler
}

// OptionsFromConfig maps loaded settings onto engine options.
func OptionsFromConfig(c config.Config) Options {
	return Options{
		LibraryRoot:   c.LibraryRoot,
		BusCount:      c.BusCount,
		SampleRate:    c.SampleRate,
		Buffer:        c.Buffer,
		BackendName:   c.Backend,
		ReplayWindow:  c.ReplayWindow,
		DecodeWorkers: c.DecodeWorkers,
	}
}

func (o *Options) applyDefaults() {
	d := config.Default()
	if o.LibraryRoot == "" {
		o.LibraryRoot = d.LibraryRoot
	}
	if o.BusCount <= 0 {
		o.BusCount = d.BusCount
	}
	if o.SampleRate <= 0 {
		o.SampleRate = d.SampleRate
	}
	if o.Buffer <= 0 {
		o.Buffer = d.Buffer
	}
	if o.BackendName == "" {
		o.BackendName = d.Backend
	}
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = d.ReplayWindow
	}
	if o.DecodeWorkers <= 0 {
		o.DecodeWorkers = d.DecodeWorkers
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ErrorHandler == nil {
		o.ErrorHandler = &DefaultErrorHandler{Logger: o.Logger}
	}
}

// Engine wires the bus registry, graph manager, playback controller,
// metering pipeline and trigger engine together.
type Engine struct {
	id   uuid.UUID
	opts Options
	log  *slog.Logger

	q        *queue.Queue
	library  *sound.Library
	buses    *bus.Registry
	graphs   *graph.Manager
	meter    *meter.Pipeline
	playback *playback.Controller
	triggers *trigger.Engine

	handler   *LoggingErrorHandler
	failures  atomic.Uint64
	running   atomic.Bool
	closeOnce sync.Once
}

// New constructs every service. Nothing plays until Start.
func New(opts Options) (*Engine, error) {
	opts.applyDefaults()
	log := opts.Logger

	backend := opts.Backend
	if backend == nil {
		b, err := graph.NewBackend(opts.BackendName, opts.Buffer)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	e := &Engine{
		id:      uuid.New(),
		opts:    opts,
		log:     log,
		library: sound.NewLibrary(opts.LibraryRoot),
	}
	e.handler = NewLoggingErrorHandler(opts.ErrorHandler, func(error) { e.failures.Add(1) })
	e.q = queue.New(256,
		queue.WithLogger(log),
		queue.WithErrorHandler(e.handler.HandleError))
	e.graphs = graph.NewManager(backend, beep.SampleRate(opts.SampleRate), graph.WithLogger(log))
	e.buses = bus.NewRegistry(opts.BusCount, bus.WithMixer(e.graphs), bus.WithLogger(log))
	e.meter = meter.New(opts.BusCount, e.q, e.buses, meter.WithLogger(log))

	loader := opts.Loader
	if loader == nil {
		loader = e.library
	}
	e.playback = playback.New(loader, e.graphs, e.buses, e.meter, e.q,
		playback.WithLogger(log),
		playback.WithDecodeWorkers(opts.DecodeWorkers),
		playback.WithErrorHandler(e.handler.HandleError),
		playback.WithListener(func(busID int, s playback.State, inst sound.Instance) {
			log.Debug("bus state", "busID", busID, "state", s.String(), "instanceID", inst.ID, "file", inst.Filename)
		}))
	e.buses.OnDeviceChange(e.playback.DeviceChanged)
	e.triggers = trigger.NewEngine(e.playback, e.playback,
		trigger.WithLogger(log),
		trigger.WithReplayWindow(opts.ReplayWindow))
	return e, nil
}

// ID identifies this engine instance in logs.
func (e *Engine) ID() uuid.UUID { return e.id }

// Failures counts asynchronous errors reported since New, such as sounds
// that failed to load or start.
func (e *Engine) Failures() uint64 { return e.failures.Load() }

// Library returns the sound library the engine loads from.
func (e *Engine) Library() *sound.Library { return e.library }

// Start begins processing. It is safe to call more than once.
func (e *Engine) Start() error {
	if e.running.Load() {
		return nil
	}
	e.q.Start()
	e.meter.Start()
	e.running.Store(true)
	e.log.Info("engine started",
		"engineID", e.id,
		"buses", e.opts.BusCount,
		"sampleRate", e.opts.SampleRate,
		"library", e.opts.LibraryRoot)
	return nil
}

// Close stops all playback and tears every service down.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.running.Load() {
			if serr := e.run(func() error { e.playback.StopAll(); return nil }); serr != nil {
				e.log.Warn("stop on close failed", "error", serr)
			}
		}
		e.running.Store(false)
		e.playback.Close()
		e.meter.Close()
		e.q.Close()
		err = e.graphs.Close()
		e.log.Info("engine closed", "engineID", e.id)
	})
	return err
}

// run executes fn on the coordinating queue and waits for it.
func (e *Engine) run(fn func() error) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	return e.q.RunSync(func(context.Context) error { return fn() })
}

// Bus returns a copy of one bus.
func (e *Engine) Bus(id int) (bus.Bus, error) {
	var b bus.Bus
	err := e.run(func() error {
		var ok bool
		if b, ok = e.buses.Get(id); !ok {
			return fmt.Errorf("%w: %d", bus.ErrUnknownBus, id)
		}
		return nil
	})
	return b, err
}

// Buses returns a copy of every bus.
func (e *Engine) Buses() ([]bus.Bus, error) {
	var out []bus.Bus
	err := e.run(func() error { out = e.buses.All(); return nil })
	return out, err
}

func (e *Engine) SetVolume(id int, v float64) error {
	return e.run(func() error { return e.buses.SetVolume(id, v) })
}

func (e *Engine) SetPan(id int, p float64) error {
	return e.run(func() error { return e.buses.SetPan(id, p) })
}

func (e *Engine) SetName(id int, name string) error {
	return e.run(func() error { return e.buses.SetName(id, name) })
}

func (e *Engine) SetColor(id int, tag string) error {
	return e.run(func() error { return e.buses.SetColor(id, tag) })
}

// ToggleMute flips mute and returns the new state.
func (e *Engine) ToggleMute(id int) (bool, error) {
	var on bool
	err := e.run(func() (err error) { on, err = e.buses.ToggleMute(id); return err })
	return on, err
}

// ToggleSolo flips solo and returns the new state.
func (e *Engine) ToggleSolo(id int) (bool, error) {
	var on bool
	err := e.run(func() (err error) { on, err = e.buses.ToggleSolo(id); return err })
	return on, err
}

// SetOutputDevice routes a bus to another device, stopping its playback if the device changes.
func (e *Engine) SetOutputDevice(id int, deviceID, deviceName string) error {
	return e.run(func() error { return e.buses.SetOutputDevice(id, deviceID, deviceName) })
}

// AddSound places a new instance of a library file on a bus.
func (e *Engine) AddSound(busID int, filename string) (sound.Instance, error) {
	var inst sound.Instance
	err := e.run(func() (err error) { inst, err = e.playback.AddInstance(busID, filename); return err })
	return inst, err
}

// RemoveSound deletes an instance, stopping its bus if it is the one playing.
func (e *Engine) RemoveSound(id uuid.UUID) error {
	return e.run(func() error { return e.playback.RemoveInstance(id) })
}

// Instances lists the instances placed on a bus.
func (e *Engine) Instances(busID int) ([]sound.Instance, error) {
	var out []sound.Instance
	err := e.run(func() error { out = e.playback.Instances(busID); return nil })
	return out, err
}

// PlayInstance starts an instance on the bus that owns it.
func (e *Engine) PlayInstance(id uuid.UUID) error {
	return e.run(func() error { return e.playback.PlayInstance(id) })
}

// Stop silences a bus.
func (e *Engine) Stop(busID int) error {
	return e.run(func() error { return e.playback.Stop(busID) })
}

// StopAll silences every bus.
func (e *Engine) StopAll() error {
	return e.run(func() error { e.playback.StopAll(); return nil })
}

// State returns a bus's playback state.
func (e *Engine) State(busID int) (playback.State, error) {
	var s playback.State
	err := e.run(func() error { s = e.playback.State(busID); return nil })
	return s, err
}

// IsPlaying reports whether a bus is audible. Errors read as not playing.
func (e *Engine) IsPlaying(busID int) bool {
	s, err := e.State(busID)
	return err == nil && s == playback.Playing
}

// Playing maps every audible bus to its instance id.
func (e *Engine) Playing() (map[int]uuid.UUID, error) {
	var out map[int]uuid.UUID
	err := e.run(func() error { out = e.playback.Playing(); return nil })
	return out, err
}

// Level returns a bus's meter level. It does not touch the queue.
func (e *Engine) Level(busID int) float64 { return e.meter.Level(busID) }

// AddBinding stores a binding, replacing an equivalent one.
func (e *Engine) AddBinding(b trigger.Binding) (trigger.Binding, error) {
	var out trigger.Binding
	err := e.run(func() error { out = e.triggers.Add(b); return nil })
	return out, err
}

// RemoveBinding deletes a binding and reports whether it existed.
func (e *Engine) RemoveBinding(id uuid.UUID) (bool, error) {
	var ok bool
	err := e.run(func() error { ok = e.triggers.Remove(id); return nil })
	return ok, err
}

// Bindings lists the configured bindings.
func (e *Engine) Bindings() ([]trigger.Binding, error) {
	var out []trigger.Binding
	err := e.run(func() error { out = e.triggers.Bindings(); return nil })
	return out, err
}

// Deliver queues a full event-state snapshot for trigger evaluation and
// returns without waiting for it.
func (e *Engine) Deliver(state map[string]trigger.Value) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	snapshot := maps.Clone(state)
	err := e.q.Go(func() { e.triggers.Evaluate(snapshot) })
	if errors.Is(err, queue.ErrClosed) {
		return ErrNotRunning
	}
	return err
}
