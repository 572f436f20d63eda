package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
)

// ErrBindUnsupported is returned by sinks that cannot route to a specific hardware device.
var ErrBindUnsupported = errors.New("output device binding not supported")

// Sink renders a graph to an output.
type Sink interface {
	// BindDevice routes the sink to a hardware output. Must be called before Start.
	BindDevice(deviceID string) error
	// Start begins pulling frames from src on the sink's render goroutine.
	Start(src beep.Streamer) error
	Running() bool
	Close() error
}

// Backend creates sinks for graphs.
type Backend interface {
	Name() string
	NewSink(format beep.Format) (Sink, error)
}

// NewBackend returns the backend registered under name ("oto" or "null").
func NewBackend(name string, buffer time.Duration) (Backend, error) {
	switch name {
	case "oto":
		return NewOtoBackend(buffer), nil
	case "null", "":
		return NewNullBackend(buffer), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", name)
	}
}

// NullBackend renders graphs into a discarded buffer on a timer. Meter taps keep
// running, so a host without audio hardware behaves like one with it.
type NullBackend struct {
	period time.Duration
}

func NewNullBackend(period time.Duration) *NullBackend {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	return &NullBackend{period: period}
}

func (b *NullBackend) Name() string { return "null" }

func (b *NullBackend) NewSink(format beep.Format) (Sink, error) {
	return &nullSink{format: format, period: b.period}, nil
}

type nullSink struct {
	format beep.Format
	period time.Duration

	mu      sync.Mutex
	device  string
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func (s *nullSink) BindDevice(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = deviceID
	return nil
}

func (s *nullSink) Start(src beep.Streamer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	frames := s.format.SampleRate.N(s.period)
	if frames <= 0 {
		frames = 1
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.render(src, frames, s.stop, s.done)
	return nil
}

func (s *nullSink) render(src beep.Streamer, frames int, stop, done chan struct{}) {
	defer close(done)
	buf := make([][2]float64, frames)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			src.Stream(buf)
		}
	}
}

func (s *nullSink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *nullSink) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	return nil
}
