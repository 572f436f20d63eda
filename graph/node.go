package graph

import (
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
)

// Node is a player node: a looped clip with its own pan, gain and an
// optional pre-fader tap. A node belongs to exactly one graph and one bus.
type Node struct {
	busID  int
	g      *Graph
	format beep.Format

	pan  *effects.Pan
	amp  *effects.Gain
	out  beep.Streamer
	tap  func([][2]float64)
	gain float64

	playing bool
}

// BusID returns the bus the node was created for.
func (n *Node) BusID() int { return n.busID }

// Graph returns the graph that owns the node.
func (n *Node) Graph() *Graph { return n.g }

// Format returns the native format of the node's source.
func (n *Node) Format() beep.Format { return n.format }

// SetMix sets linear gain (0..1) and signed pan (-1..+1).
func (n *Node) SetMix(gain, pan float64) error {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	if n.out == nil {
		return ErrReleased
	}
	n.gain = gain
	// effects.Gain multiplies by 1+Gain
	n.amp.Gain = gain - 1
	n.pan.Pan = pan
	return nil
}

// Mix returns the gain and pan currently applied.
func (n *Node) Mix() (gain, pan float64) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	if n.pan == nil {
		return n.gain, 0
	}
	return n.gain, n.pan.Pan
}

// InstallTap sets fn to observe the node's pre-fader frames on the render
// goroutine. fn must not block.
func (n *Node) InstallTap(fn func([][2]float64)) error {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	if n.out == nil {
		return ErrReleased
	}
	n.tap = fn
	return nil
}

// RemoveTap removes the tap, if any.
func (n *Node) RemoveTap() {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	n.tap = nil
}

// HasTap reports whether a tap is installed.
func (n *Node) HasTap() bool {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return n.tap != nil
}

// Play starts rendering the node.
func (n *Node) Play() error {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	if n.out == nil {
		return ErrReleased
	}
	n.playing = true
	return nil
}

// IsPlaying reports whether the node is rendering.
func (n *Node) IsPlaying() bool {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return n.playing
}

// Released reports whether Detach has been called.
func (n *Node) Released() bool {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return n.out == nil
}
