package showsound

import (
	"fmt"

	"github.com/shaban/showsound/feed"
	"github.com/shaban/showsound/project"
)

// Snapshot captures buses, instance assignments and bindings.
func (e *Engine) Snapshot() (*project.Snapshot, error) {
	var s *project.Snapshot
	err := e.run(func() error {
		s = project.New(e.buses.All(), e.playback.Assignments(), e.triggers.Bindings())
		return nil
	})
	return s, err
}

// LoadSnapshot replaces the current show with s: all playback stops, then
// buses, assignments and bindings are swapped in and every bus is re-mixed.
// Loaded instances stay silent until played.
func (e *Engine) LoadSnapshot(s *project.Snapshot) error {
	return e.run(func() error {
		e.playback.StopAll()
		e.buses.Replace(s.Buses)
		e.playback.ReplaceAssignments(s.BusInstances)
		e.triggers.Replace(s.Bindings)
		e.buses.Remix()
		e.log.Info("project loaded",
			"version", s.Version,
			"buses", len(s.Buses),
			"instances", s.InstanceCount(),
			"bindings", len(s.Bindings))
		return nil
	})
}

// Export writes the current show to path, bundling referenced sounds when asked.
// File I/O happens off the coordinating queue.
func (e *Engine) Export(path string, bundle bool) error {
	s, err := e.Snapshot()
	if err != nil {
		return err
	}
	if err := project.Export(path, s, project.Options{Bundle: bundle, Library: e.library}); err != nil {
		return err
	}
	e.log.Info("project exported", "path", path, "bundle", bundle, "files", len(s.Filenames()))
	return nil
}

// Import reads a project or bundle from path and loads it. Bundled sounds are
// extracted into the library first.
func (e *Engine) Import(path string) error {
	s, err := project.Import(path, project.Options{Library: e.library})
	if err != nil {
		return fmt.Errorf("import project: %w", err)
	}
	return e.LoadSnapshot(s)
}

// BusStatus reports every bus with its playback state, playing instance and meter level.
func (e *Engine) BusStatus() ([]feed.BusStatus, error) {
	var out []feed.BusStatus
	err := e.run(func() error {
		for _, b := range e.buses.All() {
			st := feed.BusStatus{
				ID:         b.ID,
				Name:       b.Name,
				Volume:     b.Volume,
				Pan:        b.Pan,
				IsMuted:    b.IsMuted,
				IsSolo:     b.IsSolo,
				DeviceID:   b.OutputDeviceID,
				DeviceName: b.OutputDeviceName,
				ColorTag:   b.ColorTag,
				State:      e.playback.State(b.ID).String(),
				Level:      e.meter.Level(b.ID),
			}
			if inst, ok := e.playback.Current(b.ID); ok {
				st.Instance = &inst
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}
