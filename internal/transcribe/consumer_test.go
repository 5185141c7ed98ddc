package transcribe

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/companyzero/recass/internal/assert"
	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/testutils"
)

// newTestConsumer returns an enabled consumer with the stub engine acting as
// both speech engine and diarizer (when diarize is true).
func newTestConsumer(t *testing.T, e *stubEngine, diarize bool, opts ...Option) (*Consumer, *resultCollector) {
	t.Helper()
	rc := newResultCollector()
	baseOpts := []Option{
		WithLogger(testutils.TestLoggerSys(t, "CONS")),
		WithResultHandler(rc.handle),
		WithLanguage("pt"),
	}
	if diarize {
		baseOpts = append(baseOpts, WithDiarizer(e, DiarizeOptions{MinSpeakers: 2, MaxSpeakers: 4}))
	}
	c := NewConsumer(NewQueue(0, nil, nil), e, append(baseOpts, opts...)...)
	c.SetEnabled(true)
	return c, rc
}

// TestMicSilenceSkipped ensures silent mic chunks never reach the engine.
func TestMicSilenceSkipped(t *testing.T) {
	e := &stubEngine{}
	c, rc := newTestConsumer(t, e, true)

	chunks := []audio.Chunk{
		toneChunk(audio.SourceMic, 1, 0),
		toneChunk(audio.SourceMic, 1, 0.0005),
	}
	for _, chunk := range chunks {
		assert.NilErr(t, c.processChunk(context.Background(), chunk))
	}
	assert.DeepEqual(t, len(e.callsOf("transcribe")), 0)
	assert.DeepEqual(t, len(e.callsOf("diarize")), 0)
	assert.DeepEqual(t, len(rc.all()), 0)
}

// TestMicStrictTranscription ensures audible mic chunks are transcribed as a
// whole with strict thresholds, without diarization.
func TestMicStrictTranscription(t *testing.T) {
	e := &stubEngine{}
	c, rc := newTestConsumer(t, e, true)

	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceMic, 1, 0.1)))
	calls := e.callsOf("transcribe")
	assert.DeepEqual(t, len(calls), 1)
	assert.DeepEqual(t, calls[0].opts, TranscribeOptions{Language: "pt", Strict: true})
	assert.DeepEqual(t, calls[0].samples, 16000)
	assert.DeepEqual(t, len(e.callsOf("diarize")), 0)
	assert.DeepEqual(t, rc.all(), []Result{{Text: "hello", Source: audio.SourceMic}})
}

// TestDisabledChunksDiscarded ensures chunks processed while disabled do not
// reach the engine.
func TestDisabledChunksDiscarded(t *testing.T) {
	e := &stubEngine{}
	c, rc := newTestConsumer(t, e, false)
	c.SetEnabled(false)
	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceMic, 1, 0.1)))
	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceLoopback, 1, 0.1)))
	assert.DeepEqual(t, len(e.callsOf("transcribe")), 0)
	assert.DeepEqual(t, len(rc.all()), 0)
}

// TestLoopbackNoSegments ensures a loopback chunk without any speaker
// segments is transcribed once as a whole, unlabeled.
func TestLoopbackNoSegments(t *testing.T) {
	e := &stubEngine{}
	c, rc := newTestConsumer(t, e, true)

	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceLoopback, 2, 0.1)))
	assert.DeepEqual(t, len(e.callsOf("diarize")), 1)
	calls := e.callsOf("transcribe")
	assert.DeepEqual(t, len(calls), 1)
	assert.DeepEqual(t, calls[0].samples, 32000)
	assert.DeepEqual(t, calls[0].opts, TranscribeOptions{Language: "pt"})
	assert.DeepEqual(t, rc.all(), []Result{{Text: "hello", Source: audio.SourceLoopback}})
}

// TestLoopbackWithoutDiarizer ensures loopback chunks are transcribed whole
// when diarization is disabled.
func TestLoopbackWithoutDiarizer(t *testing.T) {
	e := &stubEngine{}
	c, rc := newTestConsumer(t, e, false)
	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceLoopback, 1, 0.1)))
	assert.DeepEqual(t, len(e.callsOf("diarize")), 0)
	assert.DeepEqual(t, len(e.callsOf("transcribe")), 1)
	assert.DeepEqual(t, len(rc.all()), 1)
}

// TestSegmentFailureIsolated ensures a segment that fails even after the
// relaxed retry does not prevent the other segments from being transcribed.
func TestSegmentFailureIsolated(t *testing.T) {
	errEngine := errors.New("engine failure")
	e := &stubEngine{
		diarizeFn: func(int) ([]SpeakerSegment, error) {
			return []SpeakerSegment{
				{StartSec: 0, EndSec: 1, Speaker: "SPEAKER_00"},
				{StartSec: 1, EndSec: 2, Speaker: "SPEAKER_01"},
				{StartSec: 2, EndSec: 3, Speaker: "SPEAKER_00"},
			}, nil
		},
	}
	e.transcribeFn = func(n int, samples []float32, opts TranscribeOptions) (string, error) {
		// Calls 1 and 2 are the first attempt and the relaxed
		// retry of the second segment.
		if n == 1 || n == 2 {
			return "", errEngine
		}
		return fmt.Sprintf("call %d", n), nil
	}
	c, rc := newTestConsumer(t, e, true)

	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceLoopback, 3, 0.1)))
	want := []Result{
		{Text: "call 0", Source: audio.SourceLoopback, Speaker: "SPEAKER_00"},
		{Text: "call 3", Source: audio.SourceLoopback, Speaker: "SPEAKER_00"},
	}
	assert.DeepEqual(t, rc.all(), want)

	calls := e.callsOf("transcribe")
	assert.DeepEqual(t, len(calls), 4)
	assert.DeepEqual(t, calls[1].opts, TranscribeOptions{Language: "pt"})
	assert.DeepEqual(t, calls[2].opts, TranscribeOptions{Language: "pt", TemperatureFallback: true})
	for _, call := range calls {
		assert.DeepEqual(t, call.samples, 16000)
	}
}

// TestSegmentRelaxedRetry ensures a segment that fails once is retried with
// relaxed parameters and its transcript is kept.
func TestSegmentRelaxedRetry(t *testing.T) {
	e := &stubEngine{
		diarizeFn: func(int) ([]SpeakerSegment, error) {
			return []SpeakerSegment{{StartSec: 0, EndSec: 1, Speaker: "SPEAKER_02"}}, nil
		},
		transcribeFn: func(n int, samples []float32, opts TranscribeOptions) (string, error) {
			if n == 0 {
				return "", errors.New("decode failure")
			}
			return "retried", nil
		},
	}
	rc := newResultCollector()
	c := NewConsumer(NewQueue(0, nil, nil), e,
		WithDiarizer(e, DiarizeOptions{}),
		WithResultHandler(rc.handle))
	c.SetEnabled(true)

	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceLoopback, 1, 0.1)))
	calls := e.callsOf("transcribe")
	assert.DeepEqual(t, len(calls), 2)
	assert.DeepEqual(t, calls[0].opts, TranscribeOptions{})
	assert.DeepEqual(t, calls[1].opts, TranscribeOptions{Language: "en", TemperatureFallback: true})
	assert.DeepEqual(t, rc.all(), []Result{{Text: "retried", Source: audio.SourceLoopback, Speaker: "SPEAKER_02"}})
}

// TestShortSegmentsSkipped ensures segments shorter than the minimum
// duration are not transcribed, and that segment bounds are clamped to the
// chunk.
func TestShortSegmentsSkipped(t *testing.T) {
	e := &stubEngine{
		diarizeFn: func(int) ([]SpeakerSegment, error) {
			return []SpeakerSegment{
				{StartSec: 0, EndSec: 0.1, Speaker: "SPEAKER_00"},
				{StartSec: 0.5, EndSec: 5, Speaker: "SPEAKER_01"},
			}, nil
		},
	}
	c, rc := newTestConsumer(t, e, true)
	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceLoopback, 1, 0.1)))

	calls := e.callsOf("transcribe")
	assert.DeepEqual(t, len(calls), 1)
	assert.DeepEqual(t, calls[0].samples, 8000)
	assert.DeepEqual(t, rc.all(), []Result{{Text: "hello", Source: audio.SourceLoopback, Speaker: "SPEAKER_01"}})
}

// TestDiarizeFailureFallsBack ensures a non-memory diarization failure still
// produces an unlabeled transcript of the whole chunk.
func TestDiarizeFailureFallsBack(t *testing.T) {
	e := &stubEngine{
		diarizeFn: func(int) ([]SpeakerSegment, error) {
			return nil, errors.New("pipeline error")
		},
	}
	c, rc := newTestConsumer(t, e, true)
	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceLoopback, 1, 0.1)))
	assert.DeepEqual(t, rc.all(), []Result{{Text: "hello", Source: audio.SourceLoopback}})
	assert.DeepEqual(t, e.useCPUCalls, 0)
}

// TestResourceExhaustedFallback ensures the first out of memory failure
// moves the engine to the CPU, retries that call exactly once and every
// later call runs on the CPU.
func TestResourceExhaustedFallback(t *testing.T) {
	e := &stubEngine{}
	e.transcribeFn = func(n int, samples []float32, opts TranscribeOptions) (string, error) {
		if n == 0 {
			return "", fmt.Errorf("cuda: %w", ErrResourceExhausted)
		}
		return fmt.Sprintf("call %d", n), nil
	}
	c, rc := newTestConsumer(t, e, false)
	assert.BoolIs(t, c.FallbackMode(), false)

	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceMic, 1, 0.1)))
	assert.BoolIs(t, c.FallbackMode(), true)
	assert.DeepEqual(t, e.useCPUCalls, 1)
	assert.DeepEqual(t, rc.all(), []Result{{Text: "call 1", Source: audio.SourceMic}})

	for i := 0; i < 3; i++ {
		assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceLoopback, 1, 0.1)))
	}

	calls := e.callsOf("transcribe")
	assert.DeepEqual(t, len(calls), 5)
	assert.BoolIs(t, calls[0].cpu, false)
	for _, call := range calls[1:] {
		assert.BoolIs(t, call.cpu, true)
	}
	assert.DeepEqual(t, e.useCPUCalls, 1)
}

// TestResourceExhaustedRetryFails ensures a chunk whose CPU retry also fails
// is dropped without further retries.
func TestResourceExhaustedRetryFails(t *testing.T) {
	e := &stubEngine{
		transcribeFn: func(n int, samples []float32, opts TranscribeOptions) (string, error) {
			return "", ErrResourceExhausted
		},
	}
	c, rc := newTestConsumer(t, e, false)
	err := c.processChunk(context.Background(), toneChunk(audio.SourceMic, 1, 0.1))
	assert.ErrorIs(t, err, ErrResourceExhausted)
	engErr := assert.ErrorAs[EngineError](t, err)
	assert.DeepEqual(t, engErr.Source, audio.SourceMic)
	assert.DeepEqual(t, len(e.callsOf("transcribe")), 2)
	assert.DeepEqual(t, len(rc.all()), 0)

	// Already on the CPU, so the next failure is not retried.
	err = c.processChunk(context.Background(), toneChunk(audio.SourceMic, 1, 0.1))
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.DeepEqual(t, len(e.callsOf("transcribe")), 3)
	assert.DeepEqual(t, e.useCPUCalls, 1)
}

// TestDiarizeResourceExhausted ensures diarization memory exhaustion also
// switches to the CPU and retries the diarization.
func TestDiarizeResourceExhausted(t *testing.T) {
	e := &stubEngine{
		diarizeFn: func(n int) ([]SpeakerSegment, error) {
			if n == 0 {
				return nil, ErrResourceExhausted
			}
			return []SpeakerSegment{{StartSec: 0, EndSec: 1, Speaker: "SPEAKER_00"}}, nil
		},
	}
	c, rc := newTestConsumer(t, e, true)
	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceLoopback, 1, 0.1)))
	assert.DeepEqual(t, len(e.callsOf("diarize")), 2)
	assert.BoolIs(t, e.callsOf("transcribe")[0].cpu, true)
	assert.DeepEqual(t, rc.all(), []Result{{Text: "hello", Source: audio.SourceLoopback, Speaker: "SPEAKER_00"}})
}

// TestEnginePanicRecovered ensures a panicking engine only fails the current
// chunk.
func TestEnginePanicRecovered(t *testing.T) {
	e := &stubEngine{
		transcribeFn: func(n int, samples []float32, opts TranscribeOptions) (string, error) {
			if n == 0 {
				panic("boom")
			}
			return "ok", nil
		},
	}
	c, rc := newTestConsumer(t, e, false)
	err := c.processChunk(context.Background(), toneChunk(audio.SourceMic, 1, 0.1))
	assert.ErrorAs[panicError](t, err)
	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceMic, 1, 0.1)))
	assert.DeepEqual(t, rc.all(), []Result{{Text: "ok", Source: audio.SourceMic}})
}

// TestEmptyTranscriptNotDelivered ensures blank engine output does not
// produce transcript lines.
func TestEmptyTranscriptNotDelivered(t *testing.T) {
	e := &stubEngine{
		transcribeFn: func(int, []float32, TranscribeOptions) (string, error) {
			return "  \n", nil
		},
	}
	c, rc := newTestConsumer(t, e, false)
	assert.NilErr(t, c.processChunk(context.Background(), toneChunk(audio.SourceMic, 1, 0.1)))
	assert.DeepEqual(t, len(rc.all()), 0)
}

// TestConsumerRun ensures the run loop processes queued chunks in order and
// returns promptly after Stop.
func TestConsumerRun(t *testing.T) {
	e := &stubEngine{
		transcribeFn: func(n int, samples []float32, opts TranscribeOptions) (string, error) {
			return fmt.Sprintf("line %d", n), nil
		},
	}
	c, rc := newTestConsumer(t, e, false, WithPollInterval(10*time.Millisecond))
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	c.queue.Push(toneChunk(audio.SourceMic, 1, 0.1))
	c.queue.Push(toneChunk(audio.SourceLoopback, 1, 0.1))
	r1 := assert.ChanWritten(t, rc.c)
	r2 := assert.ChanWritten(t, rc.c)
	assert.DeepEqual(t, r1, Result{Text: "line 0", Source: audio.SourceMic})
	assert.DeepEqual(t, r2, Result{Text: "line 1", Source: audio.SourceLoopback})

	c.Stop()
	assert.NilErr(t, assert.ChanWritten(t, runErr))
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Run returned")
	}
}

// TestConsumerRunContext ensures Run returns when its context is canceled.
func TestConsumerRunContext(t *testing.T) {
	c, _ := newTestConsumer(t, &stubEngine{}, false)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)
}

// TestTranscribeRecording ensures full recordings are diarized and passed to
// the provided handler instead of the live one.
func TestTranscribeRecording(t *testing.T) {
	e := &stubEngine{
		diarizeFn: func(int) ([]SpeakerSegment, error) {
			return []SpeakerSegment{
				{StartSec: 0, EndSec: 2, Speaker: "SPEAKER_00"},
				{StartSec: 2, EndSec: 4, Speaker: "SPEAKER_01"},
			}, nil
		},
	}
	c, live := newTestConsumer(t, e, true)

	var got []Result
	chunk := toneChunk(audio.SourceLoopback, 4, 0.1)
	err := c.TranscribeRecording(context.Background(), chunk.Samples, 16000, func(r Result) {
		got = append(got, r)
	})
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, []Result{
		{Text: "hello", Source: audio.SourceLoopback, Speaker: "SPEAKER_00"},
		{Text: "hello", Source: audio.SourceLoopback, Speaker: "SPEAKER_01"},
	})
	assert.DeepEqual(t, len(live.all()), 0)
}
