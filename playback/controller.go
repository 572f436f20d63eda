// Package playback loads sound instances onto buses and keeps at most one
// live player node per bus.
//
// Every method except Close must run on the coordinating goroutine. Decoding
// happens on worker goroutines; a worker hands its buffer back through the
// Dispatcher, and the result is applied only if the bus's generation is still
// the one recorded when Play was called. Any later Play or Stop on the bus
// bumps the generation, so a superseded decode is dropped without side effects.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gopxl/beep/v2"
	"golang.org/x/sync/semaphore"

	"github.com/shaban/showsound/bus"
	"github.com/shaban/showsound/graph"
	"github.com/shaban/showsound/sound"
)

// ErrUnknownInstance is returned for instance ids no bus owns.
var ErrUnknownInstance = errors.New("unknown sound instance")

// DefaultDecodeWorkers bounds concurrent decodes unless configured otherwise.
const DefaultDecodeWorkers = 4

// State is a bus's playback state.
type State int

const (
	Idle State = iota
	Loading
	Playing
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	}
	return "idle"
}

// Loader decodes a library file fully into memory.
type Loader interface {
	Load(ctx context.Context, filename string) (*beep.Buffer, error)
}

// Graphs hands out the graph for an output device.
type Graphs interface {
	Graph(deviceID string) (*graph.Graph, error)
}

// Buses supplies routing and the audible mix of a bus.
type Buses interface {
	Get(id int) (bus.Bus, bool)
	EffectiveGain(id int) float64
	EnginePan(id int) float64
}

// Meter opens and closes per-bus metering taps.
type Meter interface {
	Tap(busID int) func([][2]float64)
	Release(busID int)
}

// Dispatcher runs fn on the coordinating goroutine.
type Dispatcher interface {
	Go(fn func()) error
}

// Listener is told about every state transition of a bus.
type Listener func(busID int, state State, inst sound.Instance)

type live struct {
	inst sound.Instance
	node *graph.Node
	buf  *beep.Buffer
}

// Controller owns per-bus playback and the instance assignments.
type Controller struct {
	loader   Loader
	graphs   Graphs
	buses    Buses
	meter    Meter
	dispatch Dispatcher
	log      *slog.Logger
	listener Listener
	onError  func(error)

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	gens      map[int]uint64
	pending   map[int]sound.Instance
	live      map[int]*live
	instances map[int][]sound.Instance
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDecodeWorkers bounds how many files decode at once.
func WithDecodeWorkers(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithListener(fn Listener) Option {
	return func(c *Controller) { c.listener = fn }
}

// WithErrorHandler receives load and start failures instead of the error log.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

func New(loader Loader, graphs Graphs, buses Buses, meter Meter, dispatch Dispatcher, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		loader:    loader,
		graphs:    graphs,
		buses:     buses,
		meter:     meter,
		dispatch:  dispatch,
		log:       slog.Default(),
		sem:       semaphore.NewWeighted(DefaultDecodeWorkers),
		ctx:       ctx,
		cancel:    cancel,
		gens:      make(map[int]uint64),
		pending:   make(map[int]sound.Instance),
		live:      make(map[int]*live),
		instances: make(map[int][]sound.Instance),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close cancels in-flight decodes and waits for the workers to return.
// Nodes are left to the caller; call StopAll on the coordinator first.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) checkBus(busID int) error {
	if _, ok := c.buses.Get(busID); !ok {
		return fmt.Errorf("%w: %d", bus.ErrUnknownBus, busID)
	}
	return nil
}

func (c *Controller) notify(busID int, s State, inst sound.Instance) {
	if c.listener != nil {
		c.listener(busID, s, inst)
	}
}

// Play stops whatever the bus is doing and starts decoding inst for it.
// The bus becomes audible once the decode completes, unless superseded.
func (c *Controller) Play(inst sound.Instance, busID int) error {
	if err := c.checkBus(busID); err != nil {
		return err
	}
	c.teardown(busID)

	c.gens[busID]++
	gen := c.gens[busID]
	c.pending[busID] = inst
	c.notify(busID, Loading, inst)
	c.log.Debug("decode scheduled", "busID", busID, "instanceID", inst.ID, "file", inst.Filename, "gen", gen)

	c.wg.Add(1)
	go c.decode(busID, gen, inst)
	return nil
}

// PlayInstance plays an instance on the bus that owns it.
func (c *Controller) PlayInstance(id uuid.UUID) error {
	inst, busID, ok := c.Owner(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	return c.Play(inst, busID)
}

func (c *Controller) decode(busID int, gen uint64, inst sound.Instance) {
	defer c.wg.Done()
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return
	}
	buf, err := c.loader.Load(c.ctx, inst.Filename)
	c.sem.Release(1)
	if err == nil && (buf == nil || buf.Len() == 0) {
		err = fmt.Errorf("%s: no audio frames", inst.Filename)
	}
	if derr := c.dispatch.Go(func() { c.complete(busID, gen, inst, buf, err) }); derr != nil {
		c.log.Debug("decode result dropped", "busID", busID, "file", inst.Filename, "error", derr)
	}
}

func (c *Controller) complete(busID int, gen uint64, inst sound.Instance, buf *beep.Buffer, err error) {
	if c.gens[busID] != gen {
		c.log.Debug("stale decode discarded", "busID", busID, "instanceID", inst.ID, "gen", gen)
		return
	}
	delete(c.pending, busID)
	if err != nil {
		c.fail("sound load failed", busID, inst, err)
		c.notify(busID, Idle, inst)
		return
	}
	if err := c.attach(busID, inst, buf); err != nil {
		c.fail("playback start failed", busID, inst, err)
		c.notify(busID, Idle, inst)
		return
	}
	c.notify(busID, Playing, inst)
}

func (c *Controller) fail(msg string, busID int, inst sound.Instance, err error) {
	if c.onError == nil {
		c.log.Error(msg, "busID", busID, "file", inst.Filename, "error", err)
		return
	}
	c.onError(fmt.Errorf("%s: bus %d, %s: %w", msg, busID, inst.Filename, err))
}

func (c *Controller) attach(busID int, inst sound.Instance, buf *beep.Buffer) error {
	b, ok := c.buses.Get(busID)
	if !ok {
		return fmt.Errorf("%w: %d", bus.ErrUnknownBus, busID)
	}
	g, startErr := c.graphs.Graph(b.OutputDeviceID)
	if g == nil {
		return startErr
	}

	src := beep.Loop(-1, buf.Streamer(0, buf.Len()))
	node := g.NewNode(busID, src, buf.Format())
	l := &live{inst: inst, node: node, buf: buf}

	err := node.InstallTap(c.meter.Tap(busID))
	if err == nil {
		err = node.SetMix(c.buses.EffectiveGain(busID), c.buses.EnginePan(busID))
	}
	if err == nil {
		err = g.Connect(node)
	}
	if err == nil {
		err = startErr
	}
	if err == nil {
		err = node.Play()
	}
	if err != nil {
		c.release(busID, l)
		return err
	}
	c.live[busID] = l
	return nil
}

// release tears a node down: tap, then mixer input, then streamers, then buffer.
func (c *Controller) release(busID int, l *live) {
	l.node.RemoveTap()
	c.meter.Release(busID)
	g := l.node.Graph()
	g.Disconnect(l.node)
	g.Detach(l.node)
	l.node = nil
	l.buf = nil
}

// teardown stops the bus and invalidates any pending decode.
func (c *Controller) teardown(busID int) {
	c.gens[busID]++
	if inst, ok := c.pending[busID]; ok {
		delete(c.pending, busID)
		c.notify(busID, Idle, inst)
	}
	if l, ok := c.live[busID]; ok {
		delete(c.live, busID)
		inst := l.inst
		c.release(busID, l)
		c.notify(busID, Idle, inst)
	}
}

// Stop silences the bus. It is a no-op if nothing is playing or loading.
func (c *Controller) Stop(busID int) error {
	if err := c.checkBus(busID); err != nil {
		return err
	}
	c.teardown(busID)
	return nil
}

// StopAll silences every bus.
func (c *Controller) StopAll() {
	ids := make(map[int]struct{}, len(c.live)+len(c.pending))
	for id := range c.live {
		ids[id] = struct{}{}
	}
	for id := range c.pending {
		ids[id] = struct{}{}
	}
	for id := range ids {
		c.teardown(id)
	}
}

// DeviceChanged stops the bus: a live node cannot move to another graph.
func (c *Controller) DeviceChanged(busID int, deviceID string) {
	if c.State(busID) == Idle {
		return
	}
	c.log.Info("output device changed, stopping bus", "busID", busID, "deviceID", deviceID)
	c.teardown(busID)
}

func (c *Controller) State(busID int) State {
	if _, ok := c.live[busID]; ok {
		return Playing
	}
	if _, ok := c.pending[busID]; ok {
		return Loading
	}
	return Idle
}

// IsPlaying reports whether the bus is audible.
func (c *Controller) IsPlaying(busID int) bool { return c.State(busID) == Playing }

// Current returns the instance audible on the bus.
func (c *Controller) Current(busID int) (sound.Instance, bool) {
	l, ok := c.live[busID]
	if !ok {
		return sound.Instance{}, false
	}
	return l.inst, true
}

// Playing maps every audible bus to its instance id.
func (c *Controller) Playing() map[int]uuid.UUID {
	out := make(map[int]uuid.UUID, len(c.live))
	for id, l := range c.live {
		out[id] = l.inst.ID
	}
	return out
}

// AddInstance places a new instance of filename on the bus.
func (c *Controller) AddInstance(busID int, filename string) (sound.Instance, error) {
	if err := c.checkBus(busID); err != nil {
		return sound.Instance{}, err
	}
	inst := sound.NewInstance(filename)
	c.instances[busID] = append(c.instances[busID], inst)
	return inst, nil
}

// RemoveInstance deletes the instance, stopping its bus if it is the one loading or playing.
func (c *Controller) RemoveInstance(id uuid.UUID) error {
	_, busID, ok := c.Owner(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	if cur, ok := c.live[busID]; ok && cur.inst.ID == id {
		c.teardown(busID)
	} else if p, ok := c.pending[busID]; ok && p.ID == id {
		c.teardown(busID)
	}
	list := c.instances[busID]
	for i := range list {
		if list[i].ID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.instances, busID)
	} else {
		c.instances[busID] = list
	}
	return nil
}

// Instances returns the instances placed on a bus.
func (c *Controller) Instances(busID int) []sound.Instance {
	return append([]sound.Instance(nil), c.instances[busID]...)
}

// Assignments returns a copy of every bus's instance list.
func (c *Controller) Assignments() map[int][]sound.Instance {
	out := make(map[int][]sound.Instance, len(c.instances))
	for id, list := range c.instances {
		out[id] = append([]sound.Instance(nil), list...)
	}
	return out
}

// ReplaceAssignments stops all playback and installs a new assignment map.
// Lists for unknown buses are dropped with a warning.
func (c *Controller) ReplaceAssignments(assignments map[int][]sound.Instance) {
	c.StopAll()
	c.instances = make(map[int][]sound.Instance, len(assignments))

	ids := make([]int, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		list := assignments[id]
		if c.checkBus(id) != nil {
			c.log.Warn("instances for unknown bus dropped", "busID", id, "count", len(list))
			continue
		}
		if len(list) > 0 {
			c.instances[id] = append([]sound.Instance(nil), list...)
		}
	}
}

// Owner finds the instance and the bus that owns it.
func (c *Controller) Owner(id uuid.UUID) (sound.Instance, int, bool) {
	for busID, list := range c.instances {
		for _, inst := range list {
			if inst.ID == id {
				return inst, busID, true
			}
		}
	}
	return sound.Instance{}, 0, false
}
