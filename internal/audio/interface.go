package audio

import (
	"errors"
	"fmt"
)

// DeviceType is the direction of a device as reported by the driver.
type DeviceType string

const (
	DeviceTypeCapture  DeviceType = "capture"
	DeviceTypePlayback DeviceType = "playback"
)

// DeviceID identifies an audio device in the underlying driver. The empty
// id selects the system default device.
type DeviceID string

type Device struct {
	ID        DeviceID   `json:"id"`
	Type      DeviceType `json:"type"`
	Name      string     `json:"name"`
	IsDefault bool       `json:"is_default"`
}

type Devices struct {
	Playback []Device `json:"playback"`
	Capture  []Device `json:"capture"`
}

// rawFormatSampleSize is the size in bytes of a single mono S16 sample
// delivered by drivers.
const rawFormatSampleSize = 2

// channels is the number of channels requested from capture devices.
const channels = 1

// periodSizeMS is the captured frame size in milliseconds.
const periodSizeMS = 20

// dataProc is the driver callback. It has the same signature as malgo's so
// that it can be passed directly to the driver.
type dataProc func(pOutputSample, pInputSamples []byte, framecount uint32)

type captureDevice interface {
	Start() error
	Stop() error
	Uninit()

	// SampleRate is the native rate negotiated with the device. It is
	// only valid after the device has been initialized.
	SampleRate() uint32
}

type streamEncoder interface {
	Encode(pcm []int16, frameSize int, out []byte) ([]byte, error)
	SetBitrate(bitrate int)
}

// audioContext abstracts the driver. Capture devices are always opened at
// their native sample rate.
type audioContext interface {
	name() string
	initCapture(deviceID DeviceID, src Source, cb dataProc) (captureDevice, error)
	free() error
}

// newAudioContext is set by the driver-specific files.
var newAudioContext func() (audioContext, error)

// newStreamEncoder creates the opus encoder used for compressed mixed
// recordings.
var newStreamEncoder func(sampleRate, channels int) (streamEncoder, error)

// OpusAvailable returns true if mixed recordings can be written as Ogg Opus.
func OpusAvailable() bool {
	if newStreamEncoder == nil {
		return false
	}
	_, err := newStreamEncoder(48000, 2)
	return err == nil
}

// ErrAudioUnavailable is returned when the binary was built without a usable
// audio driver.
var ErrAudioUnavailable = errors.New("audio was disabled during compilation")

// DeviceError is returned when a capture device could not be opened or
// started.
type DeviceError struct {
	Source   Source
	DeviceID DeviceID
	Err      error
}

func (err DeviceError) Error() string {
	id := string(err.DeviceID)
	if id == "" {
		id = "default"
	}
	return fmt.Sprintf("unable to open %s device %q: %v", err.Source, id, err.Err)
}

func (err DeviceError) Unwrap() error {
	return err.Err
}
