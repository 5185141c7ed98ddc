package audio

import (
	"fmt"
	"time"
)

// Source identifies which stream a block of audio came from.
type Source uint8

const (
	// SourceMic is the local microphone.
	SourceMic Source = iota

	// SourceLoopback is the system output (remote participants).
	SourceLoopback
)

func (s Source) String() string {
	switch s {
	case SourceMic:
		return "MIC"
	case SourceLoopback:
		return "LOOPBACK"
	default:
		return fmt.Sprintf("unknown source %d", uint8(s))
	}
}

// Chunk is a fixed-duration block of mono audio ready for transcription.
// Samples are normalized to [-1, 1] and sampled at SampleRate.
type Chunk struct {
	Source     Source
	Seq        uint64
	SampleRate int
	Samples    []float32
}

// Duration returns the playing time of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// ChunkSink receives completed chunks. Push is called from driver threads
// and must not block.
type ChunkSink interface {
	Push(c Chunk)
}

// LevelFunc receives the RMS level (in [0, 1]) of every block delivered by a
// capture device.
type LevelFunc func(src Source, level float64)
