//go:build !cgo || noaudio

package audio

import (
	"github.com/decred/slog"
)

// Builds without cgo have no driver. Capture only works through a
// SimulatedContext and mixed recordings can only be written as WAV.

func init() {
	newAudioContext = func() (audioContext, error) {
		return driverlessContext{}, nil
	}
	newStreamEncoder = func(int, int) (streamEncoder, error) {
		return nil, ErrAudioUnavailable
	}
}

type driverlessContext struct{}

func (driverlessContext) name() string { return "none" }
func (driverlessContext) free() error  { return nil }

func (driverlessContext) initCapture(DeviceID, Source, dataProc) (captureDevice, error) {
	return nil, ErrAudioUnavailable
}

// ListAudioDevices always fails in builds without an audio driver.
func ListAudioDevices(slog.Logger) (Devices, error) {
	return Devices{}, ErrAudioUnavailable
}
