// Package feed receives external event state and hands it to the engine.
//
// A feed delivers full snapshots of the latest known external state, never
// deltas. Two feeds are provided: an HTTP endpoint for network collaborators
// and a MIDI listener that folds note and controller messages into a running
// state map.
package feed

import (
	"sync"
	"time"

	"github.com/shaban/showsound/trigger"
)

// Deliverer accepts a full state snapshot.
type Deliverer interface {
	Deliver(state map[string]trigger.Value) error
}

// Status describes feed connectivity.
type Status struct {
	Deliveries   uint64     `json:"deliveries"`
	LastDelivery *time.Time `json:"lastDelivery,omitempty"`
	Connected    bool       `json:"connected"`
	Timeout      string     `json:"timeout"`
	EngineErrors uint64     `json:"engineErrors"`
}

// Tracker counts deliveries. The feed is considered connected while the last
// delivery is younger than the timeout.
type Tracker struct {
	timeout time.Duration
	now     func() time.Time

	mu         sync.Mutex
	deliveries uint64
	last       time.Time
}

func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{timeout: timeout, now: time.Now}
}

// Record notes a delivery.
func (t *Tracker) Record() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveries++
	t.last = t.now()
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{Deliveries: t.deliveries, Timeout: t.timeout.String()}
	if !t.last.IsZero() {
		last := t.last
		s.LastDelivery = &last
		s.Connected = t.now().Sub(last) <= t.timeout
	}
	return s
}
