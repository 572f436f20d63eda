package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type mixCall struct {
	gain, pan float64
}

type recordingMixer struct {
	last  map[int]mixCall
	calls int
}

func newRecordingMixer() *recordingMixer {
	return &recordingMixer{last: make(map[int]mixCall)}
}

func (m *recordingMixer) ApplyMix(busID int, gain, pan float64) {
	m.last[busID] = mixCall{gain: gain, pan: pan}
	m.calls++
}

func TestRegistry_FixedIdentity(t *testing.T) {
	r := NewRegistry(4)
	require.Equal(t, 4, r.Len())
	for i, b := range r.All() {
		require.Equal(t, i+1, b.ID)
		require.Equal(t, DefaultDevice, b.OutputDeviceID)
	}
	_, ok := r.Get(0)
	require.False(t, ok)
	_, ok = r.Get(5)
	require.False(t, ok)
	require.ErrorIs(t, r.SetVolume(5, 0.5), ErrUnknownBus)
}

func TestRegistry_MuteDominates(t *testing.T) {
	m := newRecordingMixer()
	r := NewRegistry(3, WithMixer(m))

	for _, v := range []float64{0, 0.3, 1} {
		require.NoError(t, r.SetVolume(2, v))
		muted, err := r.ToggleMute(2)
		require.NoError(t, err)
		require.True(t, muted)
		require.Zero(t, r.EffectiveGain(2))
		require.Zero(t, m.last[2].gain)

		muted, err = r.ToggleMute(2)
		require.NoError(t, err)
		require.False(t, muted)
		require.Equal(t, v, r.EffectiveGain(2))
	}
}

func TestRegistry_SoloExclusivity(t *testing.T) {
	m := newRecordingMixer()
	r := NewRegistry(4, WithMixer(m))
	require.NoError(t, r.SetVolume(1, 0.8))
	require.NoError(t, r.SetVolume(2, 0.6))
	_, err := r.ToggleMute(3)
	require.NoError(t, err)

	m.calls = 0
	soloed, err := r.ToggleSolo(2)
	require.NoError(t, err)
	require.True(t, soloed)
	require.Equal(t, 4, m.calls, "solo re-mixes every bus")

	require.Zero(t, r.EffectiveGain(1))
	require.Equal(t, 0.6, r.EffectiveGain(2))
	require.Zero(t, r.EffectiveGain(3))
	require.Zero(t, r.EffectiveGain(4))
	require.Zero(t, m.last[1].gain)
	require.Equal(t, 0.6, m.last[2].gain)

	// a soloed bus that is also muted stays silent
	_, err = r.ToggleMute(2)
	require.NoError(t, err)
	require.Zero(t, r.EffectiveGain(2))

	_, err = r.ToggleSolo(2)
	require.NoError(t, err)
	require.False(t, r.AnySolo())
	require.Equal(t, 0.8, r.EffectiveGain(1))
	require.Equal(t, 0.8, m.last[1].gain)
}

func TestRegistry_PanMapping(t *testing.T) {
	m := newRecordingMixer()
	r := NewRegistry(1, WithMixer(m))

	cases := map[float64]float64{0: -1, 0.5: 0, 1: 1, 0.25: -0.5, -3: -1, 7: 1}
	for ui, want := range cases {
		require.NoError(t, r.SetPan(1, ui))
		require.InDelta(t, want, r.EnginePan(1), 1e-9)
		require.InDelta(t, want, m.last[1].pan, 1e-9)
	}
}

func TestRegistry_VolumeClamped(t *testing.T) {
	r := NewRegistry(1)
	require.NoError(t, r.SetVolume(1, 1.7))
	b, _ := r.Get(1)
	require.Equal(t, 1.0, b.Volume)
	require.NoError(t, r.SetVolume(1, -1))
	b, _ = r.Get(1)
	require.Equal(t, 0.0, b.Volume)
}

func TestRegistry_NameAndColorDoNotRemix(t *testing.T) {
	m := newRecordingMixer()
	r := NewRegistry(2, WithMixer(m))
	require.NoError(t, r.SetName(1, "Thunder"))
	require.NoError(t, r.SetColor(1, "#ff0000"))
	require.Zero(t, m.calls)
	b, _ := r.Get(1)
	require.Equal(t, "Thunder", b.Name)
	require.Equal(t, "#ff0000", b.ColorTag)
}

func TestRegistry_OutputDeviceListeners(t *testing.T) {
	r := NewRegistry(2)
	var got []int
	r.OnDeviceChange(func(id int, dev string) { got = append(got, id) })

	require.NoError(t, r.SetOutputDevice(1, "usb-1", "USB Interface"))
	require.NoError(t, r.SetOutputDevice(1, "usb-1", "USB Interface (renamed)"))
	require.NoError(t, r.SetOutputDevice(2, "", ""))

	require.Equal(t, []int{1}, got)
	b, _ := r.Get(1)
	require.Equal(t, "USB Interface (renamed)", b.OutputDeviceName)
	b, _ = r.Get(2)
	require.Equal(t, DefaultDevice, b.OutputDeviceID)
}

func TestRegistry_ReplaceKeepsIdentity(t *testing.T) {
	m := newRecordingMixer()
	r := NewRegistry(3, WithMixer(m))

	r.Replace([]Bus{
		{ID: 2, Name: "Rain", Volume: 0.4, Pan: 0.25, OutputDeviceID: "usb-2"},
		{ID: 99, Name: "ghost"},
	})

	b, _ := r.Get(2)
	require.Equal(t, "Rain", b.Name)
	require.Equal(t, 0.4, b.Volume)
	require.Equal(t, 3, m.calls)
	require.Equal(t, 0.4, m.last[2].gain)
	require.InDelta(t, -0.5, m.last[2].pan, 1e-9)

	b, _ = r.Get(1)
	require.Equal(t, "Bus 1", b.Name)
	require.Len(t, r.All(), 3)
}
