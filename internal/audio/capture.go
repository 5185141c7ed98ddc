package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"

	"github.com/companyzero/recass/internal/logutil"
)

// loopbackSilenceFloor is the mean absolute amplitude (in S16 units) below
// which a loopback block is considered silent.
const loopbackSilenceFloor = 100

// CaptureConfig configures a capture session.
type CaptureConfig struct {
	// MicDevice and LoopbackDevice select the devices. Empty means the
	// system default.
	MicDevice      DeviceID
	LoopbackDevice DeviceID

	// TargetRate is the rate of emitted chunks.
	TargetRate int

	// ChunkDuration is the playing time of each emitted chunk.
	ChunkDuration time.Duration

	// Sink receives completed chunks.
	Sink ChunkSink

	// Mixer, if set, receives a copy of every raw block.
	Mixer *FileMixer

	// Levels, if set, receives the RMS level of every raw block.
	Levels LevelFunc

	Log slog.Logger
}

// sourceStream is the per-source state of a capture session. Everything
// except the device handle is only accessed from the driver callback.
type sourceStream struct {
	src     Source
	id      DeviceID
	device  captureDevice
	buf     *StreamBuffer
	scratch []int16
	log     slog.Logger
}

// CaptureSession captures the microphone and the loopback streams
// concurrently, each at its device's native rate.
type CaptureSession struct {
	cfg CaptureConfig
	log slog.Logger

	mic      *sourceStream
	loopback *sourceStream

	// loopbackSilent is set once the loopback stream delivers a block
	// below loopbackSilenceFloor. It is never cleared.
	loopbackSilent atomic.Bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// OpenCaptureSession opens and starts both capture devices. If either device
// fails, nothing is left open and a DeviceError is returned.
func OpenCaptureSession(actx *Context, cfg CaptureConfig) (*CaptureSession, error) {
	if cfg.Sink == nil {
		return nil, errors.New("capture session needs a chunk sink")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	cs := &CaptureSession{
		cfg: cfg,
		log: cfg.Log,
		mic: &sourceStream{
			src: SourceMic,
			id:  cfg.MicDevice,
			log: logutil.PrefixLogger(cfg.Log, "[MIC]"),
		},
		loopback: &sourceStream{
			src: SourceLoopback,
			id:  cfg.LoopbackDevice,
			log: logutil.PrefixLogger(cfg.Log, "[LOOPBACK]"),
		},
	}

	uninit := func(streams ...*sourceStream) {
		for _, ss := range streams {
			if ss.device != nil {
				ss.device.Uninit()
				ss.device = nil
			}
		}
	}

	// Init both devices before starting either so that the native rates
	// are known when the first callback fires.
	for _, ss := range []*sourceStream{cs.mic, cs.loopback} {
		ss := ss
		cb := func(_, in []byte, framecount uint32) {
			cs.onData(ss, in, framecount)
		}
		device, err := actx.actx.initCapture(ss.id, ss.src, cb)
		if err != nil {
			uninit(cs.mic, cs.loopback)
			return nil, DeviceError{Source: ss.src, DeviceID: ss.id, Err: err}
		}
		ss.device = device

		rate := int(device.SampleRate())
		ss.buf, err = NewStreamBuffer(ss.src, rate, cfg.TargetRate, cfg.ChunkDuration)
		if err != nil {
			uninit(cs.mic, cs.loopback)
			return nil, DeviceError{Source: ss.src, DeviceID: ss.id, Err: err}
		}
		ss.scratch = make([]int16, 0, rate/1000*periodSizeMS)
		if cfg.Mixer != nil {
			cfg.Mixer.setNativeRate(ss.src, rate)
		}
		cs.log.Infof("Opened %s capture at %d Hz (resampling: %v)",
			ss.src, rate, ss.buf.Resampling())
	}

	for _, ss := range []*sourceStream{cs.mic, cs.loopback} {
		if err := ss.device.Start(); err != nil {
			cs.closed.Store(true)
			_ = cs.mic.device.Stop()
			_ = cs.loopback.device.Stop()
			uninit(cs.mic, cs.loopback)
			return nil, DeviceError{Source: ss.src, DeviceID: ss.id, Err: err}
		}
	}

	return cs, nil
}

// onData is called from the driver threads. Errors are logged and never
// propagate back to the driver.
func (cs *CaptureSession) onData(ss *sourceStream, in []byte, framecount uint32) {
	if cs.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ss.log.Errorf("Panic processing audio block: %v", r)
		}
	}()

	readSize := int(framecount) * rawFormatSampleSize * channels
	if readSize > len(in) {
		ss.log.Warnf("Callback with fewer bytes (%d) than frames (%d)",
			len(in), framecount)
		readSize = len(in)
	}
	samples := bytesToLES16Slice(in[:readSize], ss.scratch[:0])
	ss.scratch = samples

	if cs.cfg.Levels != nil {
		cs.cfg.Levels(ss.src, rmsS16(samples))
	}

	if ss.src == SourceLoopback && !cs.loopbackSilent.Load() &&
		meanAbsS16(samples) < loopbackSilenceFloor {
		cs.loopbackSilent.Store(true)
		ss.log.Warnf("Loopback audio is silent. Check that audio is " +
			"playing and that the loopback device is the active output")
	}

	if cs.cfg.Mixer != nil {
		cs.cfg.Mixer.append(ss.src, samples)
	}

	for _, c := range ss.buf.Push(samples) {
		ss.log.Debugf("Emitting chunk %d (%s)", c.Seq, c.Duration())
		cs.cfg.Sink.Push(c)
	}
}

// NativeRate returns the rate the given source is being captured at.
func (cs *CaptureSession) NativeRate(src Source) int {
	switch src {
	case SourceMic:
		return cs.mic.buf.NativeRate()
	case SourceLoopback:
		return cs.loopback.buf.NativeRate()
	}
	return 0
}

// LoopbackSilent returns true if the loopback stream has delivered a silent
// block since the session was opened.
func (cs *CaptureSession) LoopbackSilent() bool {
	return cs.loopbackSilent.Load()
}

// Close stops and releases both devices. Samples buffered but not yet
// forming a full chunk are discarded. It is safe to call multiple times.
func (cs *CaptureSession) Close() error {
	cs.closeOnce.Do(func() {
		cs.closed.Store(true)
		var errs []error
		for _, ss := range []*sourceStream{cs.mic, cs.loopback} {
			if err := ss.device.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", ss.src, err))
			}
			ss.device.Uninit()
		}

		// Wait for any outstanding callbacks to finish.
		time.Sleep(periodSizeMS * 2 * time.Millisecond)
		cs.log.Debugf("Capture session closed (mic backlog %d, loopback backlog %d)",
			cs.mic.buf.Backlog(), cs.loopback.buf.Backlog())
		cs.closeErr = errors.Join(errs...)
	})
	return cs.closeErr
}
