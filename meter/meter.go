// Package meter turns per-bus audio taps into levels the UI can poll.
//
// Taps run on the render goroutine and only compute a strided RMS and attempt
// a non-blocking send. A pump goroutine forwards readings to the coordinating
// queue, where they are folded with the bus's mute and volume and published
// through an atomic per-bus level.
package meter

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/shaban/showsound/bus"
)

// Stride is the frame step used when estimating RMS in the render callback.
const Stride = 4

const readingBuffer = 64

// RMS returns the root-mean-square of the mono mix of every stride-th frame.
func RMS(frames [][2]float64, stride int) float64 {
	if stride < 1 {
		stride = 1
	}
	var sum float64
	n := 0
	for i := 0; i < len(frames); i += stride {
		m := (frames[i][0] + frames[i][1]) * 0.5
		sum += m * m
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// Fold applies the bus's mute and volume to a raw reading.
func Fold(b bus.Bus, rms float64) float64 {
	if b.IsMuted {
		return 0
	}
	return rms * b.Volume
}

// Dispatcher runs fn on the coordinating goroutine.
type Dispatcher interface {
	Go(fn func()) error
}

// Buses supplies the current fader state when a reading is accepted.
type Buses interface {
	Get(id int) (bus.Bus, bool)
}

// Reading is a raw tap measurement tagged with the tap generation that produced it.
type Reading struct {
	BusID int
	Gen   uint64
	RMS   float64
}

// Pipeline owns the per-bus tap generations and published levels.
type Pipeline struct {
	dispatch Dispatcher
	buses    Buses
	log      *slog.Logger

	readings chan Reading
	levels   []atomic.Uint64 // float64 bits, indexed by bus id

	// coordinator-owned
	active map[int]uint64
	next   uint64

	stop     chan struct{}
	done     chan struct{}
	startOne sync.Once
	stopOne  sync.Once
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates a pipeline for bus ids 1..busCount.
func New(busCount int, dispatch Dispatcher, buses Buses, opts ...Option) *Pipeline {
	p := &Pipeline{
		dispatch: dispatch,
		buses:    buses,
		log:      slog.Default(),
		readings: make(chan Reading, readingBuffer),
		levels:   make([]atomic.Uint64, busCount+1),
		active:   make(map[int]uint64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the pump goroutine.
func (p *Pipeline) Start() {
	p.startOne.Do(func() { go p.pump() })
}

func (p *Pipeline) pump() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case r := <-p.readings:
			if err := p.dispatch.Go(func() { p.accept(r) }); err != nil {
				p.log.Debug("meter reading dropped", "busID", r.BusID, "error", err)
			}
		}
	}
}

// Close stops the pump. Taps still installed keep sending into the buffered
// channel and drop once it is full.
func (p *Pipeline) Close() {
	p.stopOne.Do(func() {
		close(p.stop)
		p.startOne.Do(func() { close(p.done) })
	})
	<-p.done
}

// Tap opens a new tap generation for busID and returns the render-side
// callback. Must be called on the coordinating goroutine.
func (p *Pipeline) Tap(busID int) func([][2]float64) {
	p.next++
	gen := p.next
	p.active[busID] = gen
	readings := p.readings
	return func(frames [][2]float64) {
		r := Reading{BusID: busID, Gen: gen, RMS: RMS(frames, Stride)}
		select {
		case readings <- r:
		default:
		}
	}
}

// Release closes busID's tap generation and resets its level. Readings still
// in flight are discarded when they arrive. Must be called on the coordinating goroutine.
func (p *Pipeline) Release(busID int) {
	delete(p.active, busID)
	p.store(busID, 0)
}

// Active reports whether busID has an open tap generation.
func (p *Pipeline) Active(busID int) bool {
	_, ok := p.active[busID]
	return ok
}

func (p *Pipeline) accept(r Reading) {
	if gen, ok := p.active[r.BusID]; !ok || gen != r.Gen {
		return
	}
	b, ok := p.buses.Get(r.BusID)
	if !ok {
		return
	}
	p.store(r.BusID, Fold(b, r.RMS))
}

func (p *Pipeline) store(busID int, v float64) {
	if busID < 0 || busID >= len(p.levels) {
		return
	}
	p.levels[busID].Store(math.Float64bits(v))
}

// Level returns the last published level for busID. Safe from any goroutine.
func (p *Pipeline) Level(busID int) float64 {
	if busID < 0 || busID >= len(p.levels) {
		return 0
	}
	return math.Float64frombits(p.levels[busID].Load())
}

// Levels returns every bus's level, indexed by bus id minus one.
func (p *Pipeline) Levels() []float64 {
	out := make([]float64, len(p.levels)-1)
	for i := range out {
		out[i] = p.Level(i + 1)
	}
	return out
}
