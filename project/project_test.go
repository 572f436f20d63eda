package project

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shaban/showsound/bus"
	"github.com/shaban/showsound/internal/testutil"
	"github.com/shaban/showsound/sound"
	"github.com/shaban/showsound/trigger"
)

func sampleSnapshot() *Snapshot {
	buses := []bus.Bus{bus.New(1), bus.New(2), bus.New(3)}
	buses[0].Volume, buses[0].Pan = 0.25, 0
	buses[1].Volume, buses[1].Pan, buses[1].IsMuted = 0.8, 1, true
	buses[2].OutputDeviceID, buses[2].ColorTag = "hw:2", "amber"

	gong := sound.NewInstance("gong.wav")
	bell := sound.NewInstance("bell.wav")
	gong2 := sound.NewInstance("gong.wav")
	target := "true"
	return New(buses,
		map[int][]sound.Instance{1: {gong, bell}, 3: {gong2}},
		[]trigger.Binding{
			trigger.NewBinding("door", "gong.wav", &gong.ID, &target),
			trigger.NewBinding("light", "bell.wav", &bell.ID, nil),
			trigger.NewBinding("legacy", "old.wav", nil, nil),
		})
}

func filenameSets(m map[int][]sound.Instance) map[int][]string {
	out := make(map[int][]string)
	for id, list := range m {
		for _, inst := range list {
			out[id] = append(out[id], inst.Filename)
		}
		sort.Strings(out[id])
	}
	return out
}

func bindingKeys(bs []trigger.Binding) []trigger.Key {
	out := make([]trigger.Key, len(bs))
	for i, b := range bs {
		out[i] = b.Key()
	}
	return out
}

func requireSameProject(t *testing.T, want, got *Snapshot) {
	t.Helper()
	require.Equal(t, Version, got.Version)
	require.Len(t, got.Buses, len(want.Buses))
	for i := range want.Buses {
		require.Equal(t, want.Buses[i].Volume, got.Buses[i].Volume)
		require.Equal(t, want.Buses[i].Pan, got.Buses[i].Pan)
	}
	require.Equal(t, want.Buses, got.Buses)
	require.Equal(t, filenameSets(want.BusInstances), filenameSets(got.BusInstances))
	require.Equal(t, bindingKeys(want.Bindings), bindingKeys(got.Bindings))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := sampleSnapshot()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, s))
	require.Contains(t, buf.String(), `"busInstances"`)
	require.Contains(t, buf.String(), `"outputDeviceId": "hw:2"`)

	got, err := Decode(&buf)
	require.NoError(t, err)
	requireSameProject(t, s, got)
	require.True(t, s.Timestamp.Equal(got.Timestamp))
	require.Equal(t, s.BusInstances, got.BusInstances, "instance ids survive")
}

func TestDecodeMigratesSoundRoutes(t *testing.T) {
	doc := `{
		"version": "1.0",
		"timestamp": "2023-11-02T19:30:00Z",
		"soundRoutes": {"a.wav": 2},
		"bindings": [{"id": "7d444840-9dc0-11d1-b245-5ffdce74fad2", "jsonKey": "k", "soundName": "a.wav", "targetValue": "1"}],
		"buses": []
	}`
	s, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, s.BusInstances, 1)
	require.Len(t, s.BusInstances[2], 1)
	inst := s.BusInstances[2][0]
	require.Equal(t, "a.wav", inst.Filename)
	require.NotEqual(t, uuid.Nil, inst.ID)

	require.Len(t, s.Bindings, 1)
	require.Nil(t, s.Bindings[0].InstanceID)
	require.Equal(t, "1", *s.Bindings[0].TargetValue)
}

func TestDecodeMigrationIsSorted(t *testing.T) {
	s, err := Decode(strings.NewReader(`{"soundRoutes": {"c.wav": 1, "a.wav": 1, "b.wav": 4}}`))
	require.NoError(t, err)
	require.Equal(t, map[int][]string{1: {"a.wav", "c.wav"}, 4: {"b.wav"}}, filenameSets(s.BusInstances))
	require.Equal(t, "a.wav", s.BusInstances[1][0].Filename)
	require.NotNil(t, s.Bindings)
}

func TestDecodeKeepsInstancesOverRoutes(t *testing.T) {
	id := uuid.New()
	doc := `{"busInstances": {"5": [{"id": "` + id.String() + `", "filename": "x.wav"}]}, "soundRoutes": {"y.wav": 1}}`
	s, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, map[int][]sound.Instance{5: {{ID: id, Filename: "x.wav"}}}, s.BusInstances)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(strings.NewReader("{nope"))
	require.Error(t, err)
}

func TestExportImportPlain(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "show.json")
	s := sampleSnapshot()

	require.NoError(t, Export(dst, s, Options{}))
	bundle, err := IsBundle(dst)
	require.NoError(t, err)
	require.False(t, bundle)

	got, err := Import(dst, Options{})
	require.NoError(t, err)
	requireSameProject(t, s, got)
}

func TestBundleRoundTrip(t *testing.T) {
	src := t.TempDir()
	testutil.WriteTone(t, src, "gong.wav", 220, 0.05)
	testutil.WriteTone(t, src, filepath.Join("bells", "bell.wav"), 880, 0.05)

	out := filepath.Join(t.TempDir(), "show.zip")
	s := sampleSnapshot()
	require.NoError(t, Export(out, s, Options{Bundle: true, Library: sound.NewLibrary(src)}))

	bundle, err := IsBundle(out)
	require.NoError(t, err)
	require.True(t, bundle)

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	var entries []string
	for _, f := range zr.File {
		entries = append(entries, f.Name)
	}
	require.NoError(t, zr.Close())
	require.ElementsMatch(t, []string{"config.json", "sounds/bell.wav", "sounds/gong.wav"}, entries)

	// importing into an empty library extracts the sounds at the top level
	dstRoot := filepath.Join(t.TempDir(), "lib")
	lib := sound.NewLibrary(dstRoot)
	got, err := Import(out, Options{Library: lib})
	require.NoError(t, err)
	requireSameProject(t, s, got)

	files, err := lib.Scan()
	require.NoError(t, err)
	require.Equal(t, []string{"bell.wav", "gong.wav"}, files)

	_, packed, err := Inspect(out)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bell.wav", "gong.wav"}, packed)
}

func TestBundleImportKeepsExistingFiles(t *testing.T) {
	src := t.TempDir()
	testutil.WriteTone(t, src, "gong.wav", 220, 0.05)
	testutil.WriteTone(t, src, "bell.wav", 880, 0.05)
	out := filepath.Join(t.TempDir(), "show.zip")
	require.NoError(t, Export(out, sampleSnapshot(), Options{Bundle: true, Library: sound.NewLibrary(src)}))

	dstRoot := t.TempDir()
	existing := filepath.Join(dstRoot, "gong.wav")
	require.NoError(t, os.WriteFile(existing, []byte("local edit"), 0o644))

	_, err := Import(out, Options{Library: sound.NewLibrary(dstRoot)})
	require.NoError(t, err)
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Equal(t, "local edit", string(data))
	require.FileExists(t, filepath.Join(dstRoot, "bell.wav"))
}

func TestBundleExportFailsOnMissingFile(t *testing.T) {
	src := t.TempDir()
	testutil.WriteTone(t, src, "gong.wav", 220, 0.05)

	dir := t.TempDir()
	out := filepath.Join(dir, "show.zip")
	err := Export(out, sampleSnapshot(), Options{Bundle: true, Library: sound.NewLibrary(src)})
	require.ErrorIs(t, err, sound.ErrNotFound)
	require.Contains(t, err.Error(), "bell.wav")

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, left, "failed export must not leave files behind")
}

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "crafted.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func TestBundleEntriesCannotEscapeLibrary(t *testing.T) {
	var cfg bytes.Buffer
	require.NoError(t, Encode(&cfg, New(nil, nil, nil)))
	p := writeZip(t, map[string]string{
		"config.json":             cfg.String(),
		"sounds/../../evil.wav":   "x",
		"sounds/nested/inner.wav": "y",
		"other/ignored.wav":       "z",
	})

	parent := t.TempDir()
	root := filepath.Join(parent, "lib")
	_, err := Import(p, Options{Library: sound.NewLibrary(root)})
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(root, "evil.wav"))
	require.FileExists(t, filepath.Join(root, "inner.wav"))
	require.NoFileExists(t, filepath.Join(parent, "evil.wav"))
	require.NoFileExists(t, filepath.Join(root, "ignored.wav"))
}

func TestBundleWithoutConfigIsInvalid(t *testing.T) {
	p := writeZip(t, map[string]string{"sounds/a.wav": "x"})
	_, err := Import(p, Options{Library: sound.NewLibrary(t.TempDir())})
	require.ErrorIs(t, err, ErrInvalidBundle)
}

func TestSnapshotHelpers(t *testing.T) {
	s := sampleSnapshot()
	require.Equal(t, []string{"bell.wav", "gong.wav"}, s.Filenames())
	require.Equal(t, 3, s.InstanceCount())
	require.WithinDuration(t, time.Now(), s.Timestamp, 2*time.Second)
}
