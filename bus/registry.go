package bus

import (
	"fmt"
	"log/slog"
)

// Registry owns the canonical buses. It is not safe for concurrent use: the
// engine only calls it from its coordinating goroutine.
type Registry struct {
	buses     []Bus // index = id-1
	mixer     Mixer
	listeners []DeviceListener
	log       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMixer sets the component that applies effective gain and pan.
func WithMixer(m Mixer) Option {
	return func(r *Registry) { r.mixer = m }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry creates count buses with ids 1..count.
func NewRegistry(count int, opts ...Option) *Registry {
	if count <= 0 {
		count = DefaultCount
	}
	r := &Registry{buses: make([]Bus, count), log: discardLogger}
	for i := range r.buses {
		r.buses[i] = New(i + 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetMixer replaces the mixer. Used when the mixer is constructed after the registry.
func (r *Registry) SetMixer(m Mixer) { r.mixer = m }

// OnDeviceChange registers a listener for output device changes.
func (r *Registry) OnDeviceChange(fn DeviceListener) {
	r.listeners = append(r.listeners, fn)
}

// Len returns the number of buses.
func (r *Registry) Len() int { return len(r.buses) }

func (r *Registry) bus(id int) (*Bus, error) {
	if id < 1 || id > len(r.buses) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBus, id)
	}
	return &r.buses[id-1], nil
}

// Get returns a copy of bus id.
func (r *Registry) Get(id int) (Bus, bool) {
	b, err := r.bus(id)
	if err != nil {
		return Bus{}, false
	}
	return *b, true
}

// All returns a copy of every bus ordered by id.
func (r *Registry) All() []Bus {
	out := make([]Bus, len(r.buses))
	copy(out, r.buses)
	return out
}

// AnySolo reports whether at least one bus is soloed.
func (r *Registry) AnySolo() bool {
	for i := range r.buses {
		if r.buses[i].IsSolo {
			return true
		}
	}
	return false
}

// EffectiveGain is the post mute/solo gain of bus id. Unknown ids are silent.
func (r *Registry) EffectiveGain(id int) float64 {
	b, err := r.bus(id)
	if err != nil {
		return 0
	}
	return r.gainOf(b, r.AnySolo())
}

func (r *Registry) gainOf(b *Bus, anySolo bool) float64 {
	if b.IsMuted {
		return 0
	}
	if anySolo && !b.IsSolo {
		return 0
	}
	return b.Volume
}

// EnginePan returns the signed pan of bus id.
func (r *Registry) EnginePan(id int) float64 {
	b, err := r.bus(id)
	if err != nil {
		return 0
	}
	return EnginePan(b.Pan)
}

// SetVolume sets the fader level, clamped to [0,1].
func (r *Registry) SetVolume(id int, v float64) error {
	b, err := r.bus(id)
	if err != nil {
		return err
	}
	b.Volume = clamp01(v)
	r.push(b, r.AnySolo())
	return nil
}

// SetPan sets the UI pan, clamped to [0,1].
func (r *Registry) SetPan(id int, p float64) error {
	b, err := r.bus(id)
	if err != nil {
		return err
	}
	b.Pan = clamp01(p)
	r.push(b, r.AnySolo())
	return nil
}

// SetName renames a bus.
func (r *Registry) SetName(id int, name string) error {
	b, err := r.bus(id)
	if err != nil {
		return err
	}
	b.Name = name
	return nil
}

// SetColor sets the display color tag.
func (r *Registry) SetColor(id int, tag string) error {
	b, err := r.bus(id)
	if err != nil {
		return err
	}
	b.ColorTag = tag
	return nil
}

// ToggleMute flips the mute state and returns the new value.
func (r *Registry) ToggleMute(id int) (bool, error) {
	b, err := r.bus(id)
	if err != nil {
		return false, err
	}
	b.IsMuted = !b.IsMuted
	r.push(b, r.AnySolo())
	return b.IsMuted, nil
}

// ToggleSolo flips the solo state and returns the new value. Every bus is
// re-mixed because a solo anywhere silences all non-soloed buses.
func (r *Registry) ToggleSolo(id int) (bool, error) {
	b, err := r.bus(id)
	if err != nil {
		return false, err
	}
	b.IsSolo = !b.IsSolo
	r.pushAll()
	return b.IsSolo, nil
}

// SetOutputDevice routes a bus to another device. Listeners only hear about
// actual changes.
func (r *Registry) SetOutputDevice(id int, deviceID, deviceName string) error {
	b, err := r.bus(id)
	if err != nil {
		return err
	}
	if deviceID == "" {
		deviceID = DefaultDevice
	}
	changed := b.OutputDeviceID != deviceID
	b.OutputDeviceID = deviceID
	b.OutputDeviceName = deviceName
	if changed {
		r.log.Info("bus output device changed", "busID", id, "deviceID", deviceID)
		for _, fn := range r.listeners {
			fn(id, deviceID)
		}
	}
	return nil
}

// Replace overwrites the state of every bus present in buses. Ids are fixed:
// entries outside the registry range are ignored, and buses missing from the
// list keep their current state. All buses are re-mixed afterwards.
func (r *Registry) Replace(buses []Bus) {
	for _, nb := range buses {
		b, err := r.bus(nb.ID)
		if err != nil {
			r.log.Warn("ignoring bus outside registry range", "busID", nb.ID)
			continue
		}
		nb.Volume = clamp01(nb.Volume)
		nb.Pan = clamp01(nb.Pan)
		if nb.OutputDeviceID == "" {
			nb.OutputDeviceID = DefaultDevice
		}
		*b = nb
	}
	r.pushAll()
}

// Remix pushes the current gain and pan of every bus to the mixer.
func (r *Registry) Remix() { r.pushAll() }

func (r *Registry) push(b *Bus, anySolo bool) {
	if r.mixer == nil {
		return
	}
	r.mixer.ApplyMix(b.ID, r.gainOf(b, anySolo), EnginePan(b.Pan))
}

func (r *Registry) pushAll() {
	anySolo := r.AnySolo()
	for i := range r.buses {
		r.push(&r.buses[i], anySolo)
	}
}
