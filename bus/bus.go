// Package bus holds the fixed set of mixing channels and the gain rules that
// turn their fader state into what is actually heard.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
)

// DefaultDevice is the output device identifier for the system default route.
const DefaultDevice = "default"

// DefaultCount is the number of buses a registry holds unless configured otherwise.
const DefaultCount = 36

// ErrUnknownBus is returned for ids outside the registry's fixed range.
var ErrUnknownBus = errors.New("unknown bus")

// Bus is a named mixing channel. Volume and Pan use the UI's [0,1] range.
type Bus struct {
	ID               int     `json:"id"`
	Name             string  `json:"name"`
	Volume           float64 `json:"volume"`
	Pan              float64 `json:"pan"`
	IsMuted          bool    `json:"isMuted"`
	IsSolo           bool    `json:"isSolo"`
	OutputDeviceID   string  `json:"outputDeviceId"`
	OutputDeviceName string  `json:"outputDeviceName"`
	ColorTag         string  `json:"colorTag"`
}

// New returns a bus with default fader state.
func New(id int) Bus {
	return Bus{
		ID:               id,
		Name:             fmt.Sprintf("Bus %d", id),
		Volume:           1.0,
		Pan:              0.5,
		OutputDeviceID:   DefaultDevice,
		OutputDeviceName: "System Default",
	}
}

// EnginePan maps a UI pan in [0,1] to the engine's signed [-1,+1].
func EnginePan(ui float64) float64 {
	return clamp01(ui)*2 - 1
}

// Mixer receives the audible result of a bus whenever it may have changed.
type Mixer interface {
	ApplyMix(busID int, gain, pan float64)
}

// DeviceListener is told when a bus is routed to a different output device.
type DeviceListener func(busID int, deviceID string)

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// discardLogger is used when no logger is configured.
var discardLogger = slog.New(slog.DiscardHandler)
