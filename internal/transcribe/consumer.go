package transcribe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/decred/slog"

	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/metrics"
)

// Consumer drains the chunk queue and turns chunks into transcript lines.
// Exactly one engine invocation is in flight at any time.
type Consumer struct {
	cfg      config
	log      slog.Logger
	queue    *Queue
	engine   SpeechEngine
	recovery *RecoveryPolicy

	// enabled gates processing. Chunks dequeued while disabled are
	// discarded.
	enabled atomic.Bool

	// engineMtx serializes engine access between Run and
	// TranscribeRecording.
	engineMtx sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewConsumer creates a consumer of q. It starts disabled.
func NewConsumer(q *Queue, engine SpeechEngine, opts ...Option) *Consumer {
	cfg := fillConfig(opts...)
	recovery := cfg.recovery
	if recovery == nil {
		recovery = NewRecoveryPolicy(cfg.log, cfg.stats, engine, cfg.diarizer)
	}
	return &Consumer{
		cfg:      cfg,
		log:      cfg.log,
		queue:    q,
		engine:   engine,
		recovery: recovery,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetEnabled turns processing on or off.
func (c *Consumer) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Enabled returns whether chunks are being processed.
func (c *Consumer) Enabled() bool {
	return c.enabled.Load()
}

// Stop requests Run to return after the chunk currently being processed.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// WaitIdle blocks until the chunk being processed, if any, is done. When
// called after SetEnabled(false), no more results are emitted once it
// returns.
func (c *Consumer) WaitIdle() {
	c.engineMtx.Lock()
	c.engineMtx.Unlock()
}

// Done is closed when Run returns.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Run processes chunks until Stop is called (returning nil) or ctx is done.
// Failures of individual chunks are logged and do not stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.done)
	c.log.Debugf("Starting transcription consumer")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			c.log.Debugf("Transcription consumer stopped with %d chunks queued",
				c.queue.Len())
			return nil
		default:
		}

		chunk, ok := c.queue.Pop(ctx, c.cfg.pollInterval)
		if !ok {
			continue
		}

		c.engineMtx.Lock()
		err := c.processChunk(ctx, chunk)
		c.engineMtx.Unlock()
		if err != nil {
			c.log.Errorf("Dropping %s chunk %d: %v", chunk.Source, chunk.Seq, err)
			c.cfg.stats.ChunkDropped(metrics.DropFailed)
		}
	}
}

// processChunk transcribes a single chunk. It must be called with engineMtx
// held.
func (c *Consumer) processChunk(ctx context.Context, chunk audio.Chunk) error {
	if !c.enabled.Load() {
		c.log.Tracef("Discarding %s chunk %d while disabled", chunk.Source, chunk.Seq)
		c.cfg.stats.ChunkDropped(metrics.DropDisabled)
		return nil
	}

	c.log.Debugf("Processing %s chunk %d (%s)", chunk.Source, chunk.Seq, chunk.Duration())
	switch chunk.Source {
	case audio.SourceMic:
		if rms := audio.RMS(chunk.Samples); rms < c.cfg.silenceThreshold {
			c.log.Debugf("Skipping silent mic chunk %d (RMS %.5f)", chunk.Seq, rms)
			c.cfg.stats.ChunkDropped(metrics.DropSilence)
			return nil
		}
		opts := TranscribeOptions{Language: c.cfg.language, Strict: true}
		return c.transcribeWhole(ctx, chunk.Samples, chunk.Source, "", opts, c.emit)

	case audio.SourceLoopback:
		if c.cfg.diarizer == nil {
			opts := TranscribeOptions{Language: c.cfg.language}
			return c.transcribeWhole(ctx, chunk.Samples, chunk.Source, "", opts, c.emit)
		}
		return c.diarizeAndTranscribe(ctx, chunk.Samples, chunk.SampleRate, chunk.Source, c.emit)

	default:
		return errors.New("chunk from unknown source")
	}
}

// transcribe runs a single engine transcription under the recovery policy.
func (c *Consumer) transcribe(ctx context.Context, samples []float32, opts TranscribeOptions) (string, error) {
	var res Transcription
	err := c.recovery.call(ctx, "transcribe", func() error {
		var err error
		res, err = c.engine.Transcribe(ctx, samples, opts)
		return err
	})
	return strings.TrimSpace(res.Text), err
}

// transcribeWhole transcribes samples as a single unit.
func (c *Consumer) transcribeWhole(ctx context.Context, samples []float32,
	src audio.Source, speaker string, opts TranscribeOptions, emit ResultFunc) error {

	text, err := c.transcribe(ctx, samples, opts)
	if err != nil {
		return EngineError{Op: "transcription", Source: src, Err: err}
	}
	c.deliver(Result{Text: text, Source: src, Speaker: speaker}, emit)
	return nil
}

// diarizeAndTranscribe splits samples into speaker segments and transcribes
// each one. A failed segment does not affect the others.
func (c *Consumer) diarizeAndTranscribe(ctx context.Context, samples []float32,
	sampleRate int, src audio.Source, emit ResultFunc) error {

	opts := TranscribeOptions{Language: c.cfg.language}

	var segments []SpeakerSegment
	err := c.recovery.call(ctx, "diarize", func() error {
		var err error
		segments, err = c.cfg.diarizer.Diarize(ctx, samples, sampleRate, c.cfg.diarizeOpt)
		return err
	})
	switch {
	case errors.Is(err, ErrResourceExhausted):
		return EngineError{Op: "diarization", Source: src, Err: err}

	case err != nil:
		c.log.Warnf("Diarization of %s audio failed, transcribing without "+
			"speakers: %v", src, err)
		return c.transcribeWhole(ctx, samples, src, "", opts, emit)

	case len(segments) == 0:
		c.log.Debugf("No speakers found in %s audio", src)
		return c.transcribeWhole(ctx, samples, src, "", opts, emit)
	}

	minSamples := int(c.cfg.minSegment.Seconds() * float64(sampleRate))
	for i, seg := range segments {
		start := max(0, min(len(samples), int(seg.StartSec*float64(sampleRate))))
		end := max(start, min(len(samples), int(seg.EndSec*float64(sampleRate))))
		if end-start < minSamples {
			c.log.Tracef("Skipping short segment %d (%.2fs-%.2fs)", i,
				seg.StartSec, seg.EndSec)
			c.cfg.stats.ChunkDropped(metrics.DropShort)
			continue
		}

		text, err := c.transcribe(ctx, samples[start:end], opts)
		if err != nil {
			c.log.Warnf("Transcription of segment %d (%s) failed, retrying "+
				"with relaxed parameters: %v", i, seg.Speaker, err)
			text, err = c.transcribe(ctx, samples[start:end], c.relaxedOptions())
		}
		if err != nil {
			c.log.Errorf("Dropping segment %d (%s) of %s audio: %v", i,
				seg.Speaker, src, err)
			c.cfg.stats.ChunkDropped(metrics.DropFailed)
			continue
		}

		c.deliver(Result{Text: text, Source: src, Speaker: seg.Speaker}, emit)
	}
	return nil
}

// relaxedOptions are used for the second attempt on a failed segment. The
// retry enables temperature fallback and pins the language to English when
// it was left to detection.
func (c *Consumer) relaxedOptions() TranscribeOptions {
	lang := c.cfg.language
	if lang == "" {
		lang = "en"
	}
	return TranscribeOptions{Language: lang, TemperatureFallback: true}
}

func (c *Consumer) deliver(res Result, emit ResultFunc) {
	if res.Text == "" {
		c.log.Tracef("No speech in %s audio", res.Source)
		c.cfg.stats.ChunkDropped(metrics.DropEmpty)
		return
	}
	c.cfg.stats.Transcript(res.Source.String())
	if emit != nil {
		emit(res)
	}
}

func (c *Consumer) emit(res Result) {
	if c.cfg.onResult != nil {
		c.cfg.onResult(res)
	}
}

// TranscribeRecording transcribes a full recording of remote audio, using
// speaker attribution when a diarizer is configured. Results are passed to
// emit instead of the consumer's handler. It waits for any in-flight chunk to
// finish first.
func (c *Consumer) TranscribeRecording(ctx context.Context, samples []float32,
	sampleRate int, emit ResultFunc) error {

	c.engineMtx.Lock()
	defer c.engineMtx.Unlock()

	src := audio.SourceLoopback
	if c.cfg.diarizer == nil {
		opts := TranscribeOptions{Language: c.cfg.language}
		return c.transcribeWhole(ctx, samples, src, "", opts, emit)
	}
	return c.diarizeAndTranscribe(ctx, samples, sampleRate, src, emit)
}

// FallbackMode returns true once the engines run on the CPU.
func (c *Consumer) FallbackMode() bool {
	return c.recovery.Fallback()
}
