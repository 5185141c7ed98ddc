package recorder

import (
	"time"

	"github.com/decred/slog"

	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/metrics"
	"github.com/companyzero/recass/internal/transcribe"
)

// Mixed recording formats.
const (
	FormatWAV = "wav"
	FormatOgg = "ogg"
)

// Default values of the recorder config.
const (
	DefaultTargetRate    = 16000
	DefaultChunkDuration = 15 * time.Second
)

type config struct {
	logger func(subsys string) slog.Logger
	stats  *metrics.Stats

	outputRoot    string
	targetRate    int
	chunkDuration time.Duration
	mixRate       int
	mixFormat     string
	queueWarn     uint64
	retranscribe  bool

	consumerOpts []transcribe.Option
	diarizer     transcribe.Diarizer

	onTranscript func(transcribe.Result)
}

func fillConfig(opts ...Option) config {
	cfg := config{
		logger:        func(string) slog.Logger { return slog.Disabled },
		outputRoot:    ".",
		targetRate:    DefaultTargetRate,
		chunkDuration: DefaultChunkDuration,
		mixRate:       audio.DefaultMixRate,
		mixFormat:     FormatWAV,
		retranscribe:  true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option is a functional recorder config option.
type Option func(c *config)

// WithLogBackend sets the function used to create the logger of each
// subsystem (RECR, CAPT, MIXR, TQUE, CONS).
func WithLogBackend(f func(subsys string) slog.Logger) Option {
	return func(c *config) {
		c.logger = f
	}
}

// WithStats sets the stats tracker.
func WithStats(s *metrics.Stats) Option {
	return func(c *config) {
		c.stats = s
	}
}

// WithOutputRoot sets the dir where meeting dirs are created.
func WithOutputRoot(dir string) Option {
	return func(c *config) {
		c.outputRoot = dir
	}
}

// WithTargetRate sets the rate of the audio passed to the engines.
func WithTargetRate(rate int) Option {
	return func(c *config) {
		c.targetRate = rate
	}
}

// WithChunkDuration sets the playing time of each transcribed chunk.
func WithChunkDuration(d time.Duration) Option {
	return func(c *config) {
		c.chunkDuration = d
	}
}

// WithMixedFile sets the rate and format (FormatWAV or FormatOgg) of the
// mixed recording.
func WithMixedFile(rate int, format string) Option {
	return func(c *config) {
		c.mixRate = rate
		c.mixFormat = format
	}
}

// WithQueueWarnBytes sets the queue backlog size that triggers a warning.
func WithQueueWarnBytes(n uint64) Option {
	return func(c *config) {
		c.queueWarn = n
	}
}

// WithRetranscribe sets whether the remote channel of the finished
// recording is transcribed again as a whole when recording stops.
func WithRetranscribe(enabled bool) Option {
	return func(c *config) {
		c.retranscribe = enabled
	}
}

// WithDiarizer enables speaker attribution of loopback audio.
func WithDiarizer(d transcribe.Diarizer, opts transcribe.DiarizeOptions) Option {
	return func(c *config) {
		c.diarizer = d
		c.consumerOpts = append(c.consumerOpts, transcribe.WithDiarizer(d, opts))
	}
}

// WithConsumerOptions adds options passed to every consumer.
func WithConsumerOptions(opts ...transcribe.Option) Option {
	return func(c *config) {
		c.consumerOpts = append(c.consumerOpts, opts...)
	}
}

// WithTranscriptHandler sets a function called with every live transcript
// line, in addition to writing it to the active recording.
func WithTranscriptHandler(f func(transcribe.Result)) Option {
	return func(c *config) {
		c.onTranscript = f
	}
}
