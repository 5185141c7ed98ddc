package transcribe

import (
	"context"

	"github.com/companyzero/recass/internal/audio"
)

// TranscribeOptions are the per-call speech recognition parameters.
type TranscribeOptions struct {
	// Language is the spoken language code. Empty means auto-detect.
	Language string

	// Strict enables confidence filtering: segments with a low average
	// log probability or a high no-speech probability are discarded by
	// the engine.
	Strict bool

	// TemperatureFallback lets the engine sample at increasing
	// temperatures when greedy decoding fails its quality checks.
	// Otherwise decoding is greedy.
	TemperatureFallback bool
}

// Strict confidence thresholds.
const (
	StrictLogProbThreshold  = -0.8
	StrictNoSpeechThreshold = 0.7
)

// Transcription is the output of a speech recognition call.
type Transcription struct {
	Text     string
	Language string
}

// SpeechEngine converts 16 kHz mono audio to text.
type SpeechEngine interface {
	Transcribe(ctx context.Context, samples []float32, opts TranscribeOptions) (Transcription, error)
}

// DiarizeOptions are the speaker diarization parameters.
type DiarizeOptions struct {
	// MinSpeakers and MaxSpeakers bound the number of speakers. Zero
	// means unbounded.
	MinSpeakers int
	MaxSpeakers int

	// SegmentationOnset is the voice activity threshold used when
	// segmenting. Zero uses the engine default.
	SegmentationOnset float64
}

// SpeakerSegment is a time range attributed to a speaker.
type SpeakerSegment struct {
	StartSec float64
	EndSec   float64
	Speaker  string
}

// Diarizer splits audio into speaker-attributed segments.
type Diarizer interface {
	Diarize(ctx context.Context, samples []float32, sampleRate int, opts DiarizeOptions) ([]SpeakerSegment, error)
}

// Accelerated is implemented by engines that run on an accelerator and can
// be moved to the CPU.
type Accelerated interface {
	UseCPU(ctx context.Context) error
}

// Result is a single transcript line.
type Result struct {
	Text    string
	Source  audio.Source
	Speaker string // Empty when unknown.
}

// ResultFunc receives transcript lines.
type ResultFunc func(Result)
