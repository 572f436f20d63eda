// Package trigger decides which bindings fire for each event-feed delivery.
//
// Every delivery is a full snapshot of the external state. The engine diffs
// it against the previous value seen for each key: a value binding fires when
// its key changes to the target value, and again if the same value is
// re-reported after a quiet window. An existence binding (no target) does the
// same on falsy to truthy transitions.
package trigger

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaban/showsound/sound"
)

// DefaultReplayWindow is the quiet time after which an unchanged matching value fires again.
const DefaultReplayWindow = 300 * time.Millisecond

// Resolver finds the bus that owns a sound instance.
type Resolver interface {
	Owner(instanceID uuid.UUID) (sound.Instance, int, bool)
}

// Player starts an instance on a bus.
type Player interface {
	Play(inst sound.Instance, busID int) error
}

// Engine holds the configured bindings and per-key history. It is not safe
// for concurrent use; the engine runs it on the coordinating goroutine.
type Engine struct {
	bindings []Binding
	prev     map[string]Value
	lastFire map[string]time.Time

	window   time.Duration
	now      func() time.Time
	resolver Resolver
	player   Player
	log      *slog.Logger
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithReplayWindow overrides DefaultReplayWindow.
func WithReplayWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(resolver Resolver, player Player, opts ...Option) *Engine {
	e := &Engine{
		prev:     make(map[string]Value),
		lastFire: make(map[string]time.Time),
		window:   DefaultReplayWindow,
		now:      time.Now,
		resolver: resolver,
		player:   player,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Add stores b, replacing an equivalent binding in place. A zero id is assigned a fresh one.
func (e *Engine) Add(b Binding) Binding {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	for i := range e.bindings {
		if e.bindings[i].Equivalent(b) {
			e.bindings[i] = b
			return b
		}
	}
	e.bindings = append(e.bindings, b)
	return b
}

// Remove deletes the binding with id and reports whether it existed.
func (e *Engine) Remove(id uuid.UUID) bool {
	for i := range e.bindings {
		if e.bindings[i].ID == id {
			e.bindings = append(e.bindings[:i], e.bindings[i+1:]...)
			return true
		}
	}
	return false
}

// Bindings returns a copy of the configured bindings in insertion order.
func (e *Engine) Bindings() []Binding {
	out := make([]Binding, len(e.bindings))
	copy(out, e.bindings)
	return out
}

// Replace swaps in a new binding set, deduplicating as Add does. Key
// history is kept: it describes the feed, not the project.
func (e *Engine) Replace(bindings []Binding) {
	e.bindings = nil
	for _, b := range bindings {
		e.Add(b)
	}
}

// Evaluate processes one delivery and returns the bindings that fired, in
// binding order. Every binding sees the history as it was before the delivery.
func (e *Engine) Evaluate(state map[string]Value) []Binding {
	now := e.now()

	var fired []Binding
	for _, b := range e.bindings {
		cur, ok := state[b.JSONKey]
		if !ok {
			continue
		}
		prev, hadPrev := e.prev[b.JSONKey]
		if e.shouldFire(b, cur, prev, hadPrev, now) {
			fired = append(fired, b)
		}
	}

	for k, v := range state {
		e.prev[k] = v
	}
	for _, b := range fired {
		e.lastFire[b.JSONKey] = now
	}

	for _, b := range fired {
		e.fire(b)
	}
	return fired
}

func (e *Engine) shouldFire(b Binding, cur, prev Value, hadPrev bool, now time.Time) bool {
	quiet := now.Sub(e.lastFire[b.JSONKey]) > e.window

	if b.TargetValue == nil {
		curOn := cur.Truthy()
		prevOn := hadPrev && prev.Truthy()
		return curOn && (!prevOn || quiet)
	}

	norm := cur.Normalize()
	prevNorm := ""
	if hadPrev {
		prevNorm = prev.Normalize()
	}
	matches := norm == *b.TargetValue
	changed := norm != prevNorm
	isReplay := matches && !changed && quiet
	return matches && (changed || isReplay)
}

func (e *Engine) fire(b Binding) {
	if b.InstanceID == nil {
		e.log.Warn("binding fired without an instance, dropped",
			"bindingID", b.ID, "key", b.JSONKey, "sound", b.SoundName)
		return
	}
	inst, busID, ok := e.resolver.Owner(*b.InstanceID)
	if !ok {
		e.log.Warn("binding references an unknown instance, dropped",
			"bindingID", b.ID, "key", b.JSONKey, "instanceID", *b.InstanceID)
		return
	}
	e.log.Info("trigger fired", "key", b.JSONKey, "busID", busID, "instanceID", inst.ID, "file", inst.Filename)
	if err := e.player.Play(inst, busID); err != nil {
		e.log.Warn("trigger play failed", "busID", busID, "instanceID", inst.ID, "error", err)
	}
}
