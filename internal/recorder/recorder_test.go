package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/recass/internal/assert"
	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/testutils"
	"github.com/companyzero/recass/internal/transcribe"
)

const (
	testMic      audio.DeviceID = "sim-mic"
	testLoopback audio.DeviceID = "sim-loopback"
)

// testEngine returns a fixed text and records the length of every request.
type testEngine struct {
	mtx    sync.Mutex
	calls  []int
	text   string
	failOn func(n int) error
}

func (e *testEngine) Transcribe(ctx context.Context, samples []float32, opts transcribe.TranscribeOptions) (transcribe.Transcription, error) {
	e.mtx.Lock()
	n := len(e.calls)
	e.calls = append(e.calls, len(samples))
	failOn := e.failOn
	e.mtx.Unlock()
	if failOn != nil {
		if err := failOn(n); err != nil {
			return transcribe.Transcription{}, err
		}
	}
	return transcribe.Transcription{Text: e.text}, nil
}

func (e *testEngine) nbCalls() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return len(e.calls)
}

// testDiarizer splits audio in two halves attributed to different speakers.
type testDiarizer struct{}

func (testDiarizer) Diarize(ctx context.Context, samples []float32, rate int, opts transcribe.DiarizeOptions) ([]transcribe.SpeakerSegment, error) {
	secs := float64(len(samples)) / float64(rate)
	return []transcribe.SpeakerSegment{
		{StartSec: 0, EndSec: secs / 2, Speaker: "SPEAKER_00"},
		{StartSec: secs / 2, EndSec: secs, Speaker: "SPEAKER_01"},
	}, nil
}

func tone(n, rate int, amplitude float64) []int16 {
	res := make([]int16, n)
	for i := range res {
		res[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return res
}

// feed delivers samples to a simulated device in 20ms periods.
func feed(t testing.TB, sim *audio.SimulatedContext, id audio.DeviceID, samples []int16, rate int) {
	t.Helper()
	period := rate / 50
	for len(samples) > 0 {
		n := min(period, len(samples))
		if err := sim.Feed(id, samples[:n]); err != nil {
			t.Fatal(err)
		}
		samples = samples[n:]
	}
}

type testHarness struct {
	t        *testing.T
	sim      *audio.SimulatedContext
	engine   *testEngine
	rec      *Recorder
	root     string
	lines    chan transcribe.Result
	clockMtx sync.Mutex
	clock    time.Time
}

func newTestHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()
	h := &testHarness{
		t:      t,
		sim:    audio.NewSimulatedContext(48000),
		engine: &testEngine{text: "hello"},
		root:   testutils.TempTestDir(t, "recorder"),
		lines:  make(chan transcribe.Result, 100),
		clock:  time.Date(2024, 5, 6, 10, 0, 0, 0, time.Local),
	}
	h.sim.SetDeviceRate(testLoopback, 44100)

	opts = append([]Option{
		WithLogBackend(testutils.TestLoggerBackend(t, "rec")),
		WithOutputRoot(h.root),
		WithChunkDuration(time.Second),
		WithConsumerOptions(transcribe.WithPollInterval(5 * time.Millisecond)),
		WithTranscriptHandler(func(res transcribe.Result) { h.lines <- res }),
	}, opts...)
	rec, err := New(h.sim.Context(), h.engine, opts...)
	assert.NilErr(t, err)
	rec.now = h.now
	h.rec = rec
	t.Cleanup(func() { rec.Stop(context.Background()) })
	return h
}

func (h *testHarness) now() time.Time {
	h.clockMtx.Lock()
	defer h.clockMtx.Unlock()
	h.clock = h.clock.Add(time.Second)
	return h.clock
}

func TestNewInvalidConfig(t *testing.T) {
	sim := audio.NewSimulatedContext(48000)
	_, err := New(sim.Context(), &testEngine{}, WithMixedFile(48000, "mp3"))
	assert.NonNilErr(t, err)
	_, err = New(sim.Context(), &testEngine{}, WithTargetRate(0))
	assert.NonNilErr(t, err)
}

// TestRecordingRequiresSession ensures recording cannot start without a
// capture session.
func TestRecordingRequiresSession(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.rec.StartRecording(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = h.rec.StopRecording(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

// TestChunksIgnoredWhileNotRecording ensures captured audio is not
// transcribed outside of a meeting.
func TestChunksIgnoredWhileNotRecording(t *testing.T) {
	h := newTestHarness(t)
	assert.NilErr(t, h.rec.Start(context.Background(), testMic, testLoopback))
	feed(t, h.sim, testMic, tone(48000, 48000, 0.3), 48000)

	assert.Eventually(t, func() error {
		if n := h.rec.QueueLen(); n != 0 {
			return fmt.Errorf("%d chunks still queued", n)
		}
		return nil
	})
	assert.ChanNotWritten(t, h.lines, 50*time.Millisecond)
	assert.DeepEqual(t, h.engine.nbCalls(), 0)
}

// TestRecordMeeting exercises a full meeting: live transcription of the mic,
// mixed file output, final transcription and manifest.
func TestRecordMeeting(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	assert.NilErr(t, h.rec.Start(ctx, testMic, testLoopback))

	dir, err := h.rec.StartRecording(ctx)
	assert.NilErr(t, err)
	assert.BoolIs(t, h.rec.Recording(), true)
	assert.DeepEqual(t, filepath.Base(dir), "meeting-2024-05-06-10-00-01")
	_, err = h.rec.StartRecording(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.ErrorIs(t, h.rec.Start(ctx, testMic, testLoopback), ErrRecording)

	// One second of mic speech and one second of remote audio.
	feed(t, h.sim, testMic, tone(48000, 48000, 0.3), 48000)
	feed(t, h.sim, testLoopback, tone(44100, 44100, 0.3), 44100)

	got := []transcribe.Result{assert.ChanWritten(t, h.lines), assert.ChanWritten(t, h.lines)}
	var srcs []audio.Source
	for _, res := range got {
		assert.DeepEqual(t, res.Text, "hello")
		srcs = append(srcs, res.Source)
	}
	assert.Contains(t, srcs, audio.SourceMic)
	assert.Contains(t, srcs, audio.SourceLoopback)

	levels := h.rec.Levels()
	if levels[audio.SourceMic] <= 0 || levels[audio.SourceLoopback] <= 0 {
		t.Fatalf("unexpected levels %v", levels)
	}

	m, err := h.rec.StopRecording(ctx)
	assert.NilErr(t, err)
	assert.BoolIs(t, h.rec.Recording(), false)
	assert.DeepEqual(t, m.Name, "meeting-2024-05-06-10-00-01")
	assert.DeepEqual(t, m.Audio, "meeting-2024-05-06-10-00-01-mixed.wav")
	assert.DeepEqual(t, m.MicRate, 48000)
	assert.DeepEqual(t, m.LoopbackRate, 44100)
	assert.BoolIs(t, m.FinalTranscript, true)

	// Manifest on disk matches.
	diskM, err := ReadManifest(dir)
	assert.NilErr(t, err)
	assert.DeepEqual(t, diskM.Audio, m.Audio)
	assert.BoolIs(t, diskM.FinalTranscript, true)
	if !diskM.EndTime.After(diskM.StartTime) {
		t.Fatalf("end time %s not after start time %s", diskM.EndTime, diskM.StartTime)
	}

	// Mixed file has a second of stereo audio at the mix rate.
	wav, err := audio.ReadWAVFile(filepath.Join(dir, m.Audio))
	assert.NilErr(t, err)
	assert.DeepEqual(t, wav.Channels, 2)
	assert.DeepEqual(t, wav.SampleRate, audio.DefaultMixRate)
	assert.DeepEqual(t, wav.Frames(), 48000)

	// Transcript has the live lines followed by the final section.
	data, err := os.ReadFile(filepath.Join(dir, m.Transcript))
	assert.NilErr(t, err)
	text := string(data)
	for _, want := range []string{
		"] [MIC]: hello\n",
		"] [LOOPBACK]: hello\n",
		"=== Final transcription ===\n",
		"=== End of final transcription ===\n",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("transcript missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "] [MIC]: hello") > strings.Index(text, "=== Final transcription") {
		t.Fatalf("live lines after final section:\n%s", text)
	}

	// The final transcription is done on 16kHz audio.
	h.engine.mtx.Lock()
	lastCall := h.engine.calls[len(h.engine.calls)-1]
	h.engine.mtx.Unlock()
	assert.DeepEqual(t, lastCall, 16000)
}

// TestFinalTranscriptionWithSpeakers ensures the final transcription
// attributes speakers when a diarizer is configured.
func TestFinalTranscriptionWithSpeakers(t *testing.T) {
	h := newTestHarness(t, WithDiarizer(testDiarizer{}, transcribe.DiarizeOptions{}))
	ctx := context.Background()
	assert.NilErr(t, h.rec.Start(ctx, testMic, testLoopback))
	dir, err := h.rec.StartRecording(ctx)
	assert.NilErr(t, err)

	// Half a second of audio does not complete a chunk, so only the final
	// transcription produces lines.
	feed(t, h.sim, testLoopback, tone(44100, 44100, 0.3)[:22050], 44100)
	m, err := h.rec.StopRecording(ctx)
	assert.NilErr(t, err)
	assert.BoolIs(t, m.FinalTranscript, true)

	data, err := os.ReadFile(filepath.Join(dir, m.Transcript))
	assert.NilErr(t, err)
	text := string(data)
	for _, want := range []string{"[LOOPBACK/SPEAKER_00]: hello", "[LOOPBACK/SPEAKER_01]: hello"} {
		if !strings.Contains(text, want) {
			t.Fatalf("transcript missing %q:\n%s", want, text)
		}
	}
}

// TestNoRetranscribe ensures the final transcription can be disabled and that
// empty meetings do not produce an audio file.
func TestNoRetranscribe(t *testing.T) {
	h := newTestHarness(t, WithRetranscribe(false))
	ctx := context.Background()
	assert.NilErr(t, h.rec.Start(ctx, testMic, testLoopback))
	dir, err := h.rec.StartRecording(ctx)
	assert.NilErr(t, err)

	m, err := h.rec.StopRecording(ctx)
	assert.NilErr(t, err)
	assert.DeepEqual(t, m.Audio, "")
	assert.BoolIs(t, m.FinalTranscript, false)
	assert.DeepEqual(t, h.engine.nbCalls(), 0)

	entries, err := os.ReadDir(dir)
	assert.NilErr(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.DeepEqual(t, len(names), 2)
	assert.Contains(t, names, manifestFilename)
}

// TestOggSkipsFinalTranscription ensures Ogg recordings are not read back.
func TestOggSkipsFinalTranscription(t *testing.T) {
	if !audio.OpusAvailable() {
		t.Skip("opus encoder not available")
	}
	h := newTestHarness(t, WithMixedFile(48000, FormatOgg))
	ctx := context.Background()
	assert.NilErr(t, h.rec.Start(ctx, testMic, testLoopback))
	_, err := h.rec.StartRecording(ctx)
	assert.NilErr(t, err)
	feed(t, h.sim, testLoopback, tone(4410, 44100, 0.3), 44100)

	m, err := h.rec.StopRecording(ctx)
	assert.NilErr(t, err)
	assert.DeepEqual(t, m.Audio, "meeting-2024-05-06-10-00-01-mixed.ogg")
	assert.BoolIs(t, m.FinalTranscript, false)
}

// TestSwitchDevices ensures starting a new session closes the previous one.
func TestSwitchDevices(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	assert.NilErr(t, h.rec.Start(ctx, testMic, testLoopback))
	assert.BoolIs(t, h.sim.Open(testMic), true)

	assert.NilErr(t, h.rec.Start(ctx, "other-mic", testLoopback))
	assert.BoolIs(t, h.sim.Open(testMic), false)
	assert.BoolIs(t, h.sim.Open("other-mic"), true)
	assert.BoolIs(t, h.sim.Open(testLoopback), true)

	assert.NilErr(t, h.rec.Stop(ctx))
	assert.BoolIs(t, h.sim.Open("other-mic"), false)
	assert.BoolIs(t, h.sim.Open(testLoopback), false)
	assert.NilErr(t, h.rec.Stop(ctx))
}

// TestStartDeviceFailure ensures device errors are reported and nothing is
// left open.
func TestStartDeviceFailure(t *testing.T) {
	h := newTestHarness(t)
	errBusy := errors.New("device busy")
	h.sim.FailDevice(testLoopback, errBusy)

	err := h.rec.Start(context.Background(), testMic, testLoopback)
	assert.ErrorIs(t, err, errBusy)
	devErr := assert.ErrorAs[audio.DeviceError](t, err)
	assert.DeepEqual(t, devErr.Source, audio.SourceLoopback)
	assert.BoolIs(t, h.sim.Open(testMic), false)

	_, err = h.rec.StartRecording(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

// TestStopEndsRecording ensures stopping the recorder finishes the meeting.
func TestStopEndsRecording(t *testing.T) {
	h := newTestHarness(t, WithRetranscribe(false))
	ctx := context.Background()
	assert.NilErr(t, h.rec.Start(ctx, testMic, testLoopback))
	dir, err := h.rec.StartRecording(ctx)
	assert.NilErr(t, err)
	feed(t, h.sim, testMic, tone(4800, 48000, 0.3), 48000)

	assert.NilErr(t, h.rec.Stop(ctx))
	assert.BoolIs(t, h.rec.Recording(), false)
	m, err := ReadManifest(dir)
	assert.NilErr(t, err)
	assert.DeepEqual(t, m.Audio, "meeting-2024-05-06-10-00-01-mixed.wav")
	if m.EndTime.IsZero() {
		t.Fatal("end time not set")
	}
}

// TestLiveTranscriptionFailure ensures engine failures drop only the
// affected chunk.
func TestLiveTranscriptionFailure(t *testing.T) {
	h := newTestHarness(t, WithRetranscribe(false))
	h.engine.failOn = func(n int) error {
		if n == 0 {
			return errors.New("engine crashed")
		}
		return nil
	}
	ctx := context.Background()
	assert.NilErr(t, h.rec.Start(ctx, testMic, testLoopback))
	_, err := h.rec.StartRecording(ctx)
	assert.NilErr(t, err)

	feed(t, h.sim, testMic, tone(48000, 48000, 0.3), 48000)
	assert.Eventually(t, func() error {
		if h.engine.nbCalls() < 1 {
			return errors.New("first chunk not processed")
		}
		return nil
	})
	feed(t, h.sim, testMic, tone(48000, 48000, 0.3), 48000)
	res := assert.ChanWritten(t, h.lines)
	assert.DeepEqual(t, res.Source, audio.SourceMic)
	_, err = h.rec.StopRecording(ctx)
	assert.NilErr(t, err)
}

// TestInFlightLineBeforeFinalSection ensures a live chunk that is still
// being transcribed when recording stops has its line written before the
// final transcription section.
func TestInFlightLineBeforeFinalSection(t *testing.T) {
	h := newTestHarness(t)
	release := make(chan struct{})
	h.engine.failOn = func(n int) error {
		if n == 0 {
			<-release
		}
		return nil
	}
	ctx := context.Background()
	assert.NilErr(t, h.rec.Start(ctx, testMic, testLoopback))
	dir, err := h.rec.StartRecording(ctx)
	assert.NilErr(t, err)

	feed(t, h.sim, testMic, tone(48000, 48000, 0.3), 48000)
	assert.Eventually(t, func() error {
		if h.engine.nbCalls() < 1 {
			return errors.New("mic chunk not in the engine yet")
		}
		return nil
	})

	type stopResult struct {
		m   *Manifest
		err error
	}
	stopped := make(chan stopResult, 1)
	go func() {
		m, err := h.rec.StopRecording(ctx)
		stopped <- stopResult{m, err}
	}()
	assert.ChanNotWritten(t, stopped, 100*time.Millisecond)
	close(release)
	res := assert.ChanWritten(t, stopped)
	assert.NilErr(t, res.err)
	assert.BoolIs(t, res.m.FinalTranscript, true)

	data, err := os.ReadFile(filepath.Join(dir, res.m.Transcript))
	assert.NilErr(t, err)
	text := string(data)
	live := strings.Index(text, "] [MIC]: hello")
	final := strings.Index(text, "=== Final transcription ===")
	if live < 0 || final < 0 || live > final {
		t.Fatalf("live line not before the final section:\n%s", text)
	}
	if !strings.Contains(text[final:], "] [LOOPBACK]: hello") {
		t.Fatalf("final section missing remote line:\n%s", text)
	}
}

// TestStatusWhileFinalizing ensures the recorder can be queried while the
// final transcription runs and that new meetings wait for it.
func TestStatusWhileFinalizing(t *testing.T) {
	h := newTestHarness(t)
	release := make(chan struct{})
	h.engine.failOn = func(n int) error {
		<-release
		return nil
	}
	ctx := context.Background()
	assert.NilErr(t, h.rec.Start(ctx, testMic, testLoopback))
	_, err := h.rec.StartRecording(ctx)
	assert.NilErr(t, err)

	// Less than a chunk, so the only engine call is the final one.
	feed(t, h.sim, testLoopback, tone(22050, 44100, 0.3), 44100)
	stopped := make(chan error, 1)
	go func() {
		_, err := h.rec.StopRecording(ctx)
		stopped <- err
	}()
	assert.Eventually(t, func() error {
		if h.engine.nbCalls() < 1 {
			return errors.New("final transcription not started")
		}
		return nil
	})

	assert.DoesNotBlock(t, func() {
		assert.BoolIs(t, h.rec.Recording(), false)
		assert.BoolIs(t, h.rec.Finalizing(), true)
		assert.DeepEqual(t, h.rec.QueueLen(), 0)
		h.rec.LoopbackSilent()
	})
	_, err = h.rec.StartRecording(ctx)
	assert.ErrorIs(t, err, ErrFinalizing)

	close(release)
	assert.NilErr(t, assert.ChanWritten(t, stopped))
	assert.BoolIs(t, h.rec.Finalizing(), false)
	_, err = h.rec.StartRecording(ctx)
	assert.NilErr(t, err)
}
