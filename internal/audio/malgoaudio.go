//go:build cgo && !noaudio

package audio

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"strconv"

	"github.com/companyzero/gopus"
	"github.com/decred/slog"

	"github.com/gen2brain/malgo"
)

// captureFormat is requested from every capture device. Its sample size must
// match rawFormatSampleSize.
const captureFormat = malgo.FormatS16

func init() {
	newAudioContext = newMalgoContext
	newStreamEncoder = func(sampleRate, channels int) (streamEncoder, error) {
		return gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	}
}

// driverID returns the malgo id for id. Android ids are the decimal
// representation of the native id.
func driverID(id DeviceID) (res malgo.DeviceID, isDefault bool) {
	if id == "" {
		return res, true
	}
	if runtime.GOOS == "android" {
		if i, err := strconv.ParseInt(string(id), 10, 32); err == nil {
			binary.LittleEndian.PutUint32(res[:], uint32(i))
		}
		return res, false
	}
	copy(res[:], id)
	return res, false
}

func malgoDeviceType(typ DeviceType) malgo.DeviceType {
	if typ == DeviceTypePlayback {
		return malgo.Playback
	}
	return malgo.Capture
}

// enumerate lists the devices of a single type. Devices reported more than
// once by the driver are listed only the first time.
func enumerate(mctx *malgo.AllocatedContext, typ DeviceType, log slog.Logger) ([]Device, error) {
	mtyp := malgoDeviceType(typ)
	infos, err := mctx.Devices(mtyp)
	if err != nil {
		return nil, fmt.Errorf("unable to list %s devices: %w", typ, err)
	}

	seen := make(map[DeviceID]bool, len(infos))
	res := make([]Device, 0, len(infos))
	for i := range infos {
		full, err := mctx.DeviceInfo(mtyp, infos[i].ID, malgo.Shared)
		if err != nil {
			log.Warnf("Skipping %s device %q: %v", typ, infos[i].Name(), err)
			continue
		}
		id := DeviceID(full.ID[:])
		if seen[id] {
			continue
		}
		seen[id] = true
		res = append(res, Device{
			ID:        id,
			Type:      typ,
			Name:      full.Name(),
			IsDefault: full.IsDefault == 1,
		})
	}
	return res, nil
}

// ListAudioDevices lists the capture and playback devices. On Windows,
// playback devices are the candidates for loopback capture. Elsewhere the
// loopback device is a monitor source listed among the capture devices.
func ListAudioDevices(log slog.Logger) (Devices, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return Devices{}, err
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	var res Devices
	if res.Capture, err = enumerate(mctx, DeviceTypeCapture, log); err != nil {
		return Devices{}, err
	}
	if res.Playback, err = enumerate(mctx, DeviceTypePlayback, log); err != nil {
		return Devices{}, err
	}
	return res, nil
}

// malgoContext opens capture devices through miniaudio.
type malgoContext struct {
	mctx *malgo.AllocatedContext
}

func newMalgoContext() (audioContext, error) {
	if size := malgo.SampleSizeInBytes(captureFormat); size != rawFormatSampleSize {
		return nil, fmt.Errorf("capture format has sample size %d, "+
			"want %d", size, rawFormatSampleSize)
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoContext{mctx: mctx}, nil
}

func (mc *malgoContext) name() string { return "malgo" }

func (mc *malgoContext) free() error {
	if err := mc.mctx.Uninit(); err != nil {
		return err
	}
	mc.mctx.Free()
	return nil
}

// initCapture opens deviceID at its native rate. Windows loopback capture
// uses WASAPI loopback mode on the selected playback device.
func (mc *malgoContext) initCapture(deviceID DeviceID, src Source, cb dataProc) (captureDevice, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	if src == SourceLoopback && runtime.GOOS == "windows" {
		cfg = malgo.DefaultDeviceConfig(malgo.Loopback)
	}
	cfg.SampleRate = 0
	cfg.PeriodSizeInMilliseconds = periodSizeMS
	cfg.Capture.Format = captureFormat
	cfg.Capture.Channels = channels
	cfg.Alsa.NoMMap = 1
	if id, isDefault := driverID(deviceID); !isDefault {
		cfg.Capture.DeviceID = id.Pointer()
	}

	dev, err := malgo.InitDevice(mc.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: malgo.DataProc(cb),
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}
