// Package project saves and restores show projects: bus state, placed sound
// instances and trigger bindings, optionally bundled with the referenced audio.
package project

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shaban/showsound/bus"
	"github.com/shaban/showsound/sound"
	"github.com/shaban/showsound/trigger"
)

// Version is the document format written by Encode.
const Version = "2.0"

// Snapshot is the complete persisted state of a show.
type Snapshot struct {
	Version      string                   `json:"version"`
	Timestamp    time.Time                `json:"timestamp"`
	BusInstances map[int][]sound.Instance `json:"busInstances"`
	Bindings     []trigger.Binding        `json:"bindings"`
	Buses        []bus.Bus                `json:"buses"`
}

// New captures a snapshot stamped with the current time.
func New(buses []bus.Bus, assignments map[int][]sound.Instance, bindings []trigger.Binding) *Snapshot {
	if assignments == nil {
		assignments = make(map[int][]sound.Instance)
	}
	if bindings == nil {
		bindings = []trigger.Binding{}
	}
	return &Snapshot{
		Version:      Version,
		Timestamp:    time.Now().UTC().Truncate(time.Second),
		BusInstances: assignments,
		Bindings:     bindings,
		Buses:        buses,
	}
}

// Filenames returns every distinct file referenced by an instance, sorted.
func (s *Snapshot) Filenames() []string {
	seen := make(map[string]struct{})
	for _, list := range s.BusInstances {
		for _, inst := range list {
			seen[inst.Filename] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// InstanceCount returns the number of placed instances across all buses.
func (s *Snapshot) InstanceCount() int {
	n := 0
	for _, list := range s.BusInstances {
		n += len(list)
	}
	return n
}

// document is the on-disk shape, including fields only older projects carry.
type document struct {
	Version      string                   `json:"version"`
	Timestamp    string                   `json:"timestamp"`
	BusInstances map[int][]sound.Instance `json:"busInstances,omitempty"`
	SoundRoutes  map[string]int           `json:"soundRoutes,omitempty"`
	Bindings     []trigger.Binding        `json:"bindings"`
	Buses        []bus.Bus                `json:"buses"`
}

// Encode writes s as indented JSON.
func Encode(w io.Writer, s *Snapshot) error {
	doc := document{
		Version:      s.Version,
		Timestamp:    s.Timestamp.Format(time.RFC3339),
		BusInstances: s.BusInstances,
		Bindings:     s.Bindings,
		Buses:        s.Buses,
	}
	if doc.Version == "" {
		doc.Version = Version
	}
	if doc.BusInstances == nil {
		doc.BusInstances = map[int][]sound.Instance{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode project: %w", err)
	}
	return nil
}

// Decode reads a project document. Documents that only carry the legacy
// soundRoutes map get one fresh instance per route.
func Decode(r io.Reader) (*Snapshot, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode project: %w", err)
	}

	s := &Snapshot{
		Version:      doc.Version,
		BusInstances: doc.BusInstances,
		Bindings:     doc.Bindings,
		Buses:        doc.Buses,
	}
	if doc.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, doc.Timestamp); err == nil {
			s.Timestamp = ts
		}
	}
	if s.BusInstances == nil {
		s.BusInstances = migrateRoutes(doc.SoundRoutes)
	}
	if s.Bindings == nil {
		s.Bindings = []trigger.Binding{}
	}
	return s, nil
}

func migrateRoutes(routes map[string]int) map[int][]sound.Instance {
	out := make(map[int][]sound.Instance)
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		busID := routes[name]
		out[busID] = append(out[busID], sound.NewInstance(name))
	}
	return out
}
