package transcribe

import (
	"time"

	"github.com/decred/slog"

	"github.com/companyzero/recass/internal/metrics"
)

// Defaults for the consumer config.
const (
	DefaultSilenceThreshold  = 0.001
	DefaultMinSegment        = 200 * time.Millisecond
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultSegmentationOnset = 0.5
)

type config struct {
	log   slog.Logger
	stats *metrics.Stats

	// language is the spoken language code passed to the engine. Empty
	// means auto-detect.
	language string

	// silenceThreshold is the RMS level below which mic chunks are
	// skipped.
	silenceThreshold float64

	// minSegment is the shortest diarized segment that is transcribed.
	minSegment time.Duration

	// pollInterval is how long Run waits for a chunk before checking
	// whether it should stop.
	pollInterval time.Duration

	diarizer   Diarizer
	diarizeOpt DiarizeOptions
	recovery   *RecoveryPolicy
	onResult   ResultFunc
}

// fillConfig fills a new config with the default config values, then applies
// all specified options.
func fillConfig(opts ...Option) config {
	cfg := config{
		log:              slog.Disabled,
		silenceThreshold: DefaultSilenceThreshold,
		minSegment:       DefaultMinSegment,
		pollInterval:     DefaultPollInterval,
		diarizeOpt: DiarizeOptions{
			SegmentationOnset: DefaultSegmentationOnset,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option is a functional consumer config option.
type Option func(c *config)

// WithLogger sets the consumer logger.
func WithLogger(l slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithStats sets the stats tracker.
func WithStats(s *metrics.Stats) Option {
	return func(c *config) {
		c.stats = s
	}
}

// WithLanguage sets the language passed to the engine for both sources.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithSilenceThreshold sets the RMS level below which mic chunks are skipped.
func WithSilenceThreshold(rms float64) Option {
	return func(c *config) {
		c.silenceThreshold = rms
	}
}

// WithMinSegment sets the shortest diarized segment that is transcribed.
func WithMinSegment(d time.Duration) Option {
	return func(c *config) {
		c.minSegment = d
	}
}

// WithPollInterval sets how long the consumer waits on an empty queue before
// checking for shutdown.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithDiarizer enables speaker attribution of loopback audio.
func WithDiarizer(d Diarizer, opts DiarizeOptions) Option {
	return func(c *config) {
		c.diarizer = d
		c.diarizeOpt = opts
	}
}

// WithRecoveryPolicy sets a recovery policy shared with other consumers.
// By default each consumer creates its own.
func WithRecoveryPolicy(p *RecoveryPolicy) Option {
	return func(c *config) {
		c.recovery = p
	}
}

// WithResultHandler sets the function called with every transcript line.
func WithResultHandler(f ResultFunc) Option {
	return func(c *config) {
		c.onResult = f
	}
}
