// Package graph owns the audio processing graphs, one per output device.
//
// A Graph is a software mixer rendered by a Sink: the sink's audio callback
// pulls frames through Graph.Stream, which sums every connected player Node.
// All node mutations take the graph mutex, so they are serialized with the
// render callback the same way beep's speaker.Lock serializes streamer edits.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
)

var (
	// ErrBusOccupied is returned when connecting a node to a bus input that already has one.
	ErrBusOccupied = errors.New("graph input already connected for bus")
	// ErrReleased is returned when using a node after Detach.
	ErrReleased = errors.New("node has been released")
)

// resampleQuality is passed to beep.Resample when a clip's rate differs from the graph's.
const resampleQuality = 4

// Graph mixes player nodes for a single output device.
type Graph struct {
	deviceID string
	format   beep.Format
	sink     Sink

	mu      sync.Mutex
	inputs  map[int]*Node // bus id -> connected node
	scratch [][2]float64
}

func newGraph(deviceID string, format beep.Format, sink Sink) *Graph {
	return &Graph{
		deviceID: deviceID,
		format:   format,
		sink:     sink,
		inputs:   make(map[int]*Node),
	}
}

// DeviceID returns the output device this graph renders to.
func (g *Graph) DeviceID() string { return g.deviceID }

// Format returns the graph's render format.
func (g *Graph) Format() beep.Format { return g.format }

// Start starts the sink if it is not already running.
func (g *Graph) Start() error {
	if g.sink.Running() {
		return nil
	}
	if err := g.sink.Start(g); err != nil {
		return fmt.Errorf("start graph for device %s: %w", g.deviceID, err)
	}
	return nil
}

// IsRunning reports whether the sink is rendering.
func (g *Graph) IsRunning() bool { return g.sink.Running() }

// Close stops the sink.
func (g *Graph) Close() error { return g.sink.Close() }

// NewNode attaches a player node for busID fed by src, which produces audio in
// format. The node is silent until it is connected and played.
func (g *Graph) NewNode(busID int, src beep.Streamer, format beep.Format) *Node {
	n := &Node{busID: busID, g: g, format: format, gain: 1}
	in := src
	if format.SampleRate != g.format.SampleRate {
		in = beep.Resample(resampleQuality, format.SampleRate, g.format.SampleRate, src)
	}
	tapped := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		k, ok := in.Stream(samples)
		if n.tap != nil && k > 0 {
			n.tap(samples[:k])
		}
		return k, ok
	})
	n.pan = &effects.Pan{Streamer: tapped}
	n.amp = &effects.Gain{Streamer: n.pan}
	n.out = n.amp
	return n
}

// Connect routes n into the graph's mixer.
func (g *Graph) Connect(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n.out == nil {
		return ErrReleased
	}
	if cur, ok := g.inputs[n.busID]; ok && cur != n {
		return fmt.Errorf("%w: %d", ErrBusOccupied, n.busID)
	}
	g.inputs[n.busID] = n
	return nil
}

// Disconnect removes n from the mixer inputs. It is a no-op if n is not connected.
func (g *Graph) Disconnect(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.inputs[n.busID]; ok && cur == n {
		delete(g.inputs, n.busID)
	}
	n.playing = false
}

// Detach releases the node's streamers so the decoded buffer can be collected.
func (g *Graph) Detach(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n.playing = false
	n.tap = nil
	n.pan = nil
	n.amp = nil
	n.out = nil
}

// NodeFor returns the node connected for busID, if any.
func (g *Graph) NodeFor(busID int) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.inputs[busID]
	return n, ok
}

// Inputs returns the bus ids with a connected node, in ascending order.
func (g *Graph) Inputs() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]int, 0, len(g.inputs))
	for id := range g.inputs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Stream renders the mix of all playing nodes. It is the sink's audio callback.
func (g *Graph) Stream(samples [][2]float64) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range samples {
		samples[i] = [2]float64{}
	}
	if len(g.scratch) < len(samples) {
		g.scratch = make([][2]float64, len(samples))
	}
	tmp := g.scratch[:len(samples)]

	for _, n := range g.inputs {
		if !n.playing || n.out == nil {
			continue
		}
		k, ok := n.out.Stream(tmp)
		for i := 0; i < k; i++ {
			samples[i][0] += tmp[i][0]
			samples[i][1] += tmp[i][1]
		}
		if !ok {
			n.playing = false
		}
	}

	for i := range samples {
		samples[i][0] = clip(samples[i][0])
		samples[i][1] = clip(samples[i][1])
	}
	return len(samples), true
}

// Err implements beep.Streamer.
func (g *Graph) Err() error { return nil }

func clip(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
