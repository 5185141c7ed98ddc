package audio

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
)

// DefaultMixRate is the rate of mixed recordings.
const DefaultMixRate = 48000

// FileMixer records both sources while active and writes them as a single
// stereo file: mic on the left channel, loopback on the right.
//
// A single lock guards the buffers so that Begin and End are atomic with
// respect to blocks being appended by either driver thread.
type FileMixer struct {
	log     slog.Logger
	mixRate int

	mtx        sync.Mutex
	active     bool
	path       string
	micRate    int
	loopRate   int
	micBlocks  [][]int16
	loopBlocks [][]int16
}

// NewFileMixer creates an inactive mixer that outputs files at mixRate.
func NewFileMixer(mixRate int, log slog.Logger) *FileMixer {
	if mixRate <= 0 {
		mixRate = DefaultMixRate
	}
	if log == nil {
		log = slog.Disabled
	}
	return &FileMixer{
		log:     log,
		mixRate: mixRate,
	}
}

func (m *FileMixer) setNativeRate(src Source, rate int) {
	m.mtx.Lock()
	switch src {
	case SourceMic:
		m.micRate = rate
	case SourceLoopback:
		m.loopRate = rate
	}
	m.mtx.Unlock()
}

// append copies a raw block into the buffer of the source if the mixer is
// active.
func (m *FileMixer) append(src Source, samples []int16) {
	m.mtx.Lock()
	if m.active {
		block := append([]int16(nil), samples...)
		switch src {
		case SourceMic:
			m.micBlocks = append(m.micBlocks, block)
		case SourceLoopback:
			m.loopBlocks = append(m.loopBlocks, block)
		}
	}
	m.mtx.Unlock()
}

// Active returns true between Begin and End.
func (m *FileMixer) Active() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.active
}

// Begin clears any buffered audio and starts recording. The file is written
// to path on End. Files ending in .ogg or .opus are written as Ogg Opus,
// anything else as WAV.
func (m *FileMixer) Begin(path string) {
	m.mtx.Lock()
	m.active = true
	m.path = path
	m.micBlocks = nil
	m.loopBlocks = nil
	m.mtx.Unlock()
	m.log.Debugf("Mixer recording to %s", path)
}

// Stop stops recording. Buffered audio is kept until End writes it.
func (m *FileMixer) Stop() {
	m.mtx.Lock()
	m.active = false
	m.mtx.Unlock()
}

// End stops recording and writes the mixed file. It returns the path of the
// written file, or an empty string if nothing was recorded (including when
// Begin was never called).
func (m *FileMixer) End() (string, error) {
	m.mtx.Lock()
	path := m.path
	mic, loop := m.micBlocks, m.loopBlocks
	micRate, loopRate := m.micRate, m.loopRate
	m.active = false
	m.path = ""
	m.micBlocks = nil
	m.loopBlocks = nil
	m.mtx.Unlock()

	if path == "" {
		m.log.Debugf("Mixer ended without an output file")
		return "", nil
	}
	if len(mic) == 0 && len(loop) == 0 {
		m.log.Warnf("No audio recorded, not writing %s", path)
		return "", nil
	}

	stereo, err := mixTracks(concatBlocks(mic), micRate, concatBlocks(loop), loopRate, m.mixRate)
	if err != nil {
		return "", err
	}
	if err := m.writeFile(path, stereo); err != nil {
		return "", fmt.Errorf("unable to write mixed recording: %w", err)
	}
	m.log.Infof("Wrote mixed recording %s (%d frames at %d Hz)",
		path, len(stereo)/2, m.mixRate)
	return path, nil
}

func (m *FileMixer) writeFile(path string, stereo []int16) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ogg", ".opus":
		var ow *opusFileWriter
		ow, err = newOpusFileWriter(w, m.mixRate, 2)
		if err == nil {
			err = ow.writeAll(stereo)
		}
	default:
		err = WriteWAV(w, stereo, 2, m.mixRate)
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return err
}

func concatBlocks(blocks [][]int16) []int16 {
	var n int
	for _, b := range blocks {
		n += len(b)
	}
	res := make([]int16, 0, n)
	for _, b := range blocks {
		res = append(res, b...)
	}
	return res
}

// toRate converts a mono track to the given rate.
func toRate(track []int16, from, to int) ([]int16, error) {
	if len(track) == 0 || from == to {
		return track, nil
	}
	if from <= 0 {
		return nil, errors.New("track recorded with unknown sample rate")
	}
	r, err := NewResampler(from, to)
	if err != nil {
		return nil, err
	}
	return Float32ToS16(r.Resample(S16ToFloat32(track, nil)), nil), nil
}

// mixTracks converts both tracks to mixRate, pads the shorter one with
// silence and interleaves them (mic left, loopback right).
func mixTracks(mic []int16, micRate int, loop []int16, loopRate int, mixRate int) ([]int16, error) {
	mic, err := toRate(mic, micRate, mixRate)
	if err != nil {
		return nil, fmt.Errorf("mic track: %w", err)
	}
	loop, err = toRate(loop, loopRate, mixRate)
	if err != nil {
		return nil, fmt.Errorf("loopback track: %w", err)
	}

	frames := max(len(mic), len(loop))
	res := make([]int16, frames*2)
	for i := 0; i < frames; i++ {
		if i < len(mic) {
			res[i*2] = mic[i]
		}
		if i < len(loop) {
			res[i*2+1] = loop[i]
		}
	}
	return res, nil
}
