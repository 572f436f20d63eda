package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gopxl/beep/v2"
)

// DefaultDevice is the identifier of the system default output.
const DefaultDevice = "default"

// Manager maps output-device identifiers to graphs.
type Manager struct {
	backend Backend
	format  beep.Format
	log     *slog.Logger

	mu     sync.Mutex
	graphs map[string]*Graph
}

type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager creates a manager whose graphs render stereo audio at sampleRate.
func NewManager(backend Backend, sampleRate beep.SampleRate, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend: backend,
		format:  beep.Format{SampleRate: sampleRate, NumChannels: 2, Precision: 4},
		log:     slog.Default(),
		graphs:  make(map[string]*Graph),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Format returns the render format shared by all graphs.
func (m *Manager) Format() beep.Format { return m.format }

// Graph returns the graph for deviceID, creating and starting it on first use
// and restarting it if its sink has stopped. A bind failure is logged and the
// graph falls back to default routing. On start failure the graph is returned
// together with the error.
func (m *Manager) Graph(deviceID string) (*Graph, error) {
	if deviceID == "" {
		deviceID = DefaultDevice
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.graphs[deviceID]
	if !ok {
		sink, err := m.backend.NewSink(m.format)
		if err != nil {
			return nil, fmt.Errorf("create sink for device %s: %w", deviceID, err)
		}
		if deviceID != DefaultDevice {
			if err := sink.BindDevice(deviceID); err != nil {
				m.log.Warn("output device bind failed, using default routing",
					"deviceID", deviceID, "backend", m.backend.Name(), "error", err)
			}
		}
		g = newGraph(deviceID, m.format, sink)
		m.graphs[deviceID] = g
		m.log.Debug("graph created", "deviceID", deviceID)
	}
	if !g.IsRunning() {
		if err := g.Start(); err != nil {
			return g, err
		}
	}
	return g, nil
}

// Lookup returns an existing graph without creating one.
func (m *Manager) Lookup(deviceID string) (*Graph, bool) {
	if deviceID == "" {
		deviceID = DefaultDevice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[deviceID]
	return g, ok
}

// Devices returns the identifiers of all created graphs.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.graphs))
	for id := range m.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyMix pushes gain and engine pan to the node hosting busID, wherever it lives.
func (m *Manager) ApplyMix(busID int, gain, pan float64) {
	m.mu.Lock()
	graphs := make([]*Graph, 0, len(m.graphs))
	for _, g := range m.graphs {
		graphs = append(graphs, g)
	}
	m.mu.Unlock()

	for _, g := range graphs {
		if n, ok := g.NodeFor(busID); ok {
			if err := n.SetMix(gain, pan); err != nil {
				m.log.Debug("mix not applied", "busID", busID, "error", err)
			}
		}
	}
}

// Close stops every sink.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id, g := range m.graphs {
		if err := g.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close graph %s: %w", id, err))
		}
	}
	m.graphs = make(map[string]*Graph)
	return errors.Join(errs...)
}
