package transcribe

import (
	"context"
	"math"
	"sync"

	"github.com/companyzero/recass/internal/audio"
)

// engineCall records a single invocation of the stub engine.
type engineCall struct {
	op      string
	samples int
	opts    TranscribeOptions
	cpu     bool
}

// stubEngine is a speech engine and diarizer with scriptable behavior.
type stubEngine struct {
	mtx         sync.Mutex
	cpu         bool
	calls       []engineCall
	useCPUCalls int

	// transcribeFn, if set, is called with the index of the transcribe
	// call. Otherwise every call returns "hello".
	transcribeFn func(n int, samples []float32, opts TranscribeOptions) (string, error)

	// diarizeFn, if set, is called with the index of the diarize call.
	// Otherwise no segments are returned.
	diarizeFn func(n int) ([]SpeakerSegment, error)

	nbTranscribe int
	nbDiarize    int
}

func (e *stubEngine) Transcribe(ctx context.Context, samples []float32, opts TranscribeOptions) (Transcription, error) {
	e.mtx.Lock()
	n := e.nbTranscribe
	e.nbTranscribe++
	e.calls = append(e.calls, engineCall{op: "transcribe", samples: len(samples), opts: opts, cpu: e.cpu})
	fn := e.transcribeFn
	e.mtx.Unlock()

	if fn == nil {
		return Transcription{Text: " hello "}, nil
	}
	text, err := fn(n, samples, opts)
	return Transcription{Text: text}, err
}

func (e *stubEngine) Diarize(ctx context.Context, samples []float32, sampleRate int, opts DiarizeOptions) ([]SpeakerSegment, error) {
	e.mtx.Lock()
	n := e.nbDiarize
	e.nbDiarize++
	e.calls = append(e.calls, engineCall{op: "diarize", samples: len(samples), cpu: e.cpu})
	fn := e.diarizeFn
	e.mtx.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(n)
}

func (e *stubEngine) UseCPU(ctx context.Context) error {
	e.mtx.Lock()
	e.cpu = true
	e.useCPUCalls++
	e.mtx.Unlock()
	return nil
}

func (e *stubEngine) callsOf(op string) []engineCall {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	var res []engineCall
	for _, c := range e.calls {
		if c.op == op {
			res = append(res, c)
		}
	}
	return res
}

// resultCollector gathers transcript lines.
type resultCollector struct {
	mtx     sync.Mutex
	results []Result
	c       chan Result
}

func newResultCollector() *resultCollector {
	return &resultCollector{c: make(chan Result, 100)}
}

func (rc *resultCollector) handle(r Result) {
	rc.mtx.Lock()
	rc.results = append(rc.results, r)
	rc.mtx.Unlock()
	rc.c <- r
}

func (rc *resultCollector) all() []Result {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()
	return append([]Result(nil), rc.results...)
}

// toneChunk returns a chunk of d seconds of a 440Hz tone at 16kHz.
func toneChunk(src audio.Source, seconds float64, amplitude float64) audio.Chunk {
	n := int(seconds * 16000)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.Chunk{Source: src, SampleRate: 16000, Samples: samples}
}
