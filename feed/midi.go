package feed

import (
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // register MIDI driver

	"github.com/shaban/showsound/trigger"
)

// NoteKey and CCKey name the state entries a MIDI message updates.
func NoteKey(key uint8) string { return "note/" + strconv.Itoa(int(key)) }
func CCKey(cc uint8) string    { return "cc/" + strconv.Itoa(int(cc)) }

// Apply folds msg into state: note on/off set note/<n> to true/false and a
// control change sets cc/<n> to its value. It reports whether msg was understood.
func Apply(state map[string]trigger.Value, msg midi.Message) bool {
	var ch, key, vel, cc, val uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		state[NoteKey(key)] = trigger.Bool(true)
	case msg.GetNoteEnd(&ch, &key):
		state[NoteKey(key)] = trigger.Bool(false)
	case msg.GetControlChange(&ch, &cc, &val):
		state[CCKey(cc)] = trigger.Number(float64(val))
	default:
		return false
	}
	return true
}

// InPorts lists the MIDI input ports the driver can see.
func InPorts() []string {
	var names []string
	for _, in := range midi.GetInPorts() {
		names = append(names, in.String())
	}
	return names
}

// MIDIListener turns messages from one input port into state deliveries.
type MIDIListener struct {
	port    string
	deliver Deliverer
	tracker *Tracker
	log     *slog.Logger

	mu    sync.Mutex
	state map[string]trigger.Value
	in    drivers.In
	stop  func()
}

func NewMIDIListener(port string, d Deliverer, tracker *Tracker, log *slog.Logger) *MIDIListener {
	if log == nil {
		log = slog.Default()
	}
	return &MIDIListener{
		port:    port,
		deliver: d,
		tracker: tracker,
		log:     log,
		state:   make(map[string]trigger.Value),
	}
}

// Start opens the port and begins listening.
func (l *MIDIListener) Start() error {
	in, err := midi.FindInPort(l.port)
	if err != nil {
		return fmt.Errorf("MIDI input %q not found (available: %v): %w", l.port, InPorts(), err)
	}
	stop, err := midi.ListenTo(in, l.handle, midi.HandleError(func(err error) {
		l.log.Warn("MIDI listener error", "port", l.port, "error", err)
	}))
	if err != nil {
		return fmt.Errorf("listen on MIDI input %q: %w", l.port, err)
	}
	l.mu.Lock()
	l.in, l.stop = in, stop
	l.mu.Unlock()
	l.log.Info("MIDI feed listening", "port", l.port)
	return nil
}

func (l *MIDIListener) handle(msg midi.Message, _ int32) {
	l.mu.Lock()
	if !Apply(l.state, msg) {
		l.mu.Unlock()
		return
	}
	snapshot := maps.Clone(l.state)
	l.mu.Unlock()

	l.tracker.Record()
	if err := l.deliver.Deliver(snapshot); err != nil {
		l.log.Warn("MIDI state delivery failed", "error", err)
	}
}

// Close stops listening and closes the port.
func (l *MIDIListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
	if l.in != nil {
		err := l.in.Close()
		l.in = nil
		return err
	}
	return nil
}
