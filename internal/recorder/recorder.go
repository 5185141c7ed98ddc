// Package recorder ties capture, transcription and file recording together.
//
// A Recorder owns at most one capture session at a time. Transcription runs
// for the whole life of a session, but chunks are only processed while a
// meeting is being recorded.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/jsonfile"
	"github.com/companyzero/recass/internal/transcribe"
	"github.com/companyzero/recass/internal/transcript"
)

var (
	ErrNotStarted       = errors.New("capture not started")
	ErrRecording        = errors.New("a meeting is being recorded")
	ErrNotRecording     = errors.New("no meeting is being recorded")
	ErrAlreadyRecording = errors.New("meeting already being recorded")
	ErrFinalizing       = errors.New("previous meeting is still being finalized")
)

// dirTimeFormat is the timestamp layout of meeting dir names.
const dirTimeFormat = "2006-01-02-15-04-05"

// session is a running capture session and its transcription pipeline.
type session struct {
	mic      audio.DeviceID
	loopback audio.DeviceID
	capture  *audio.CaptureSession
	queue    *transcribe.Queue
	consumer *transcribe.Consumer
	mixer    *audio.FileMixer
	g        *errgroup.Group
}

// meeting is an in-progress recording.
type meeting struct {
	dir       string
	manifest  Manifest
	writer    *transcript.Writer
	audioPath string
}

// Recorder is the control layer of the application.
type Recorder struct {
	cfg      config
	log      slog.Logger
	actx     *audio.Context
	engine   transcribe.SpeechEngine
	recovery *transcribe.RecoveryPolicy
	levels   *xsync.MapOf[audio.Source, float64]
	now      func() time.Time

	// writer is the transcript of the active meeting. It is accessed
	// from the consumer without taking mtx.
	writer atomic.Pointer[transcript.Writer]

	mtx     sync.Mutex
	session *session
	meeting *meeting

	// finalizing is closed when the last stopped meeting has its files
	// and final transcription written.
	finalizing chan struct{}
}

// New creates a recorder that captures through actx and transcribes with
// engine. The engine recovery policy is shared by every session.
func New(actx *audio.Context, engine transcribe.SpeechEngine, opts ...Option) (*Recorder, error) {
	cfg := fillConfig(opts...)
	switch cfg.mixFormat {
	case FormatWAV, FormatOgg:
	default:
		return nil, fmt.Errorf("unknown mixed file format %q", cfg.mixFormat)
	}
	if cfg.targetRate <= 0 {
		return nil, fmt.Errorf("invalid target rate %d", cfg.targetRate)
	}

	r := &Recorder{
		cfg:    cfg,
		log:    cfg.logger("RECR"),
		actx:   actx,
		engine: engine,
		levels: xsync.NewMapOf[audio.Source, float64](),
		now:    time.Now,
	}
	r.recovery = transcribe.NewRecoveryPolicy(cfg.logger("CONS"), cfg.stats,
		engine, cfg.diarizer)
	return r, nil
}

// Start opens the capture devices and starts the transcription consumer. A
// running session is stopped first. It fails with ErrRecording while a
// meeting is being recorded. ctx bounds the life of the session.
func (r *Recorder) Start(ctx context.Context, mic, loopback audio.DeviceID) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.meeting != nil {
		return ErrRecording
	}
	r.waitFinalized()
	if r.session != nil {
		r.log.Infof("Switching capture devices")
		if err := r.stopSession(); err != nil {
			r.log.Warnf("Error closing previous capture session: %v", err)
		}
	}

	queue := transcribe.NewQueue(r.cfg.queueWarn, r.cfg.logger("TQUE"), r.cfg.stats)
	copts := append([]transcribe.Option{
		transcribe.WithLogger(r.cfg.logger("CONS")),
		transcribe.WithStats(r.cfg.stats),
		transcribe.WithRecoveryPolicy(r.recovery),
		transcribe.WithResultHandler(r.handleResult),
	}, r.cfg.consumerOpts...)
	consumer := transcribe.NewConsumer(queue, r.engine, copts...)
	mixer := audio.NewFileMixer(r.cfg.mixRate, r.cfg.logger("MIXR"))

	r.levels.Clear()
	capture, err := audio.OpenCaptureSession(r.actx, audio.CaptureConfig{
		MicDevice:      mic,
		LoopbackDevice: loopback,
		TargetRate:     r.cfg.targetRate,
		ChunkDuration:  r.cfg.chunkDuration,
		Sink:           queue,
		Mixer:          mixer,
		Levels:         r.setLevel,
		Log:            r.cfg.logger("CAPT"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })

	r.session = &session{
		mic:      mic,
		loopback: loopback,
		capture:  capture,
		queue:    queue,
		consumer: consumer,
		mixer:    mixer,
		g:        g,
	}
	r.log.Infof("Capturing mic %q at %d Hz and loopback %q at %d Hz",
		mic, capture.NativeRate(audio.SourceMic), loopback,
		capture.NativeRate(audio.SourceLoopback))
	return nil
}

// stopSession must be called with mtx held.
func (r *Recorder) stopSession() error {
	s := r.session
	r.session = nil

	closeErr := s.capture.Close()
	s.consumer.Stop()
	err := s.g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if n := s.queue.Len(); n > 0 {
		r.log.Debugf("Discarding %d queued chunks", n)
	}
	return errors.Join(closeErr, err)
}

// Stop ends any meeting being recorded and closes the capture session.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.waitFinalized()
	if r.session == nil {
		return nil
	}
	var errs []error
	if r.meeting != nil {
		finish, _ := r.detachMeeting()
		if _, err := finish(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, r.stopSession())
	return errors.Join(errs...)
}

// waitFinalized waits until a stopped meeting is finalized. It must be
// called with mtx held.
func (r *Recorder) waitFinalized() {
	if r.finalizing != nil {
		<-r.finalizing
	}
}

// Finalizing returns true while a stopped meeting is having its mixed file
// and final transcription written.
func (r *Recorder) Finalizing() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.finalizing == nil {
		return false
	}
	select {
	case <-r.finalizing:
		return false
	default:
		return true
	}
}

// Recording returns true while a meeting is being recorded.
func (r *Recorder) Recording() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.meeting != nil
}

// StartRecording creates a new meeting dir under the output root, starts
// writing the mixed audio file and the transcript, and enables
// transcription. It returns the meeting dir.
func (r *Recorder) StartRecording(ctx context.Context) (string, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.session == nil {
		return "", ErrNotStarted
	}
	if r.meeting != nil {
		return "", ErrAlreadyRecording
	}
	if r.finalizing != nil {
		select {
		case <-r.finalizing:
		default:
			return "", ErrFinalizing
		}
	}

	start := r.now()
	name := "meeting-" + start.Format(dirTimeFormat)
	dir := filepath.Join(r.cfg.outputRoot, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("unable to create meeting dir: %w", err)
	}

	transcriptName := name + ".txt"
	w, err := transcript.Create(filepath.Join(dir, transcriptName))
	if err != nil {
		return "", err
	}

	s := r.session
	m := &meeting{
		dir:       dir,
		writer:    w,
		audioPath: filepath.Join(dir, name+"-mixed."+r.cfg.mixFormat),
		manifest: Manifest{
			Name:           name,
			StartTime:      start,
			MicDevice:      string(s.mic),
			LoopbackDevice: string(s.loopback),
			MicRate:        s.capture.NativeRate(audio.SourceMic),
			LoopbackRate:   s.capture.NativeRate(audio.SourceLoopback),
			Transcript:     transcriptName,
		},
	}
	if err := jsonfile.Write(filepath.Join(dir, manifestFilename), &m.manifest, r.log); err != nil {
		w.Close()
		return "", fmt.Errorf("unable to write meeting manifest: %w", err)
	}

	s.mixer.Begin(m.audioPath)
	r.writer.Store(w)
	s.consumer.SetEnabled(true)
	r.meeting = m
	r.cfg.stats.Recording(true)

	if s.capture.LoopbackSilent() {
		r.log.Warnf("Loopback audio has been silent. Remote speakers " +
			"may not be recorded")
	}
	r.log.Infof("Recording meeting to %s", dir)
	return dir, nil
}

// StopRecording disables transcription, finishes the transcript and the
// mixed audio file and updates the meeting manifest. When enabled, the
// remote channel of the finished recording is transcribed again as a whole
// and appended to the transcript. It returns the manifest of the meeting.
//
// The recorder is not locked while the files are written, so its status can
// be queried. Starting a new meeting fails with ErrFinalizing until this
// returns.
func (r *Recorder) StopRecording(ctx context.Context) (*Manifest, error) {
	r.mtx.Lock()
	finish, err := r.detachMeeting()
	r.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	return finish(ctx)
}

// detachMeeting ends the active meeting and disables transcription. It must
// be called with mtx held. The returned func writes the meeting files and
// does not need mtx.
func (r *Recorder) detachMeeting() (func(context.Context) (*Manifest, error), error) {
	m := r.meeting
	if m == nil {
		return nil, ErrNotRecording
	}
	r.meeting = nil
	s := r.session
	s.consumer.SetEnabled(false)
	s.mixer.Stop()
	r.cfg.stats.Recording(false)

	done := make(chan struct{})
	r.finalizing = done
	return func(ctx context.Context) (*Manifest, error) {
		defer close(done)
		return r.finishMeeting(ctx, m, s)
	}, nil
}

// finishMeeting writes the files of a detached meeting.
func (r *Recorder) finishMeeting(ctx context.Context, m *meeting, s *session) (*Manifest, error) {
	// Lines of a chunk that was being transcribed when the meeting stopped
	// still belong to the live part of the transcript.
	s.consumer.WaitIdle()
	r.writer.Store(nil)

	audioPath, err := s.mixer.End()
	if err != nil {
		r.log.Errorf("Unable to save mixed recording: %v", err)
	} else if audioPath != "" {
		m.manifest.Audio = filepath.Base(audioPath)
	}

	if r.cfg.retranscribe && audioPath != "" {
		m.manifest.FinalTranscript = r.retranscribe(ctx, s.consumer, audioPath, m.writer)
	}

	if cerr := m.writer.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("unable to close transcript: %w", cerr))
	}

	m.manifest.EndTime = r.now()
	m.manifest.CPUFallback = r.recovery.Fallback()
	if merr := jsonfile.Write(filepath.Join(m.dir, manifestFilename), &m.manifest, r.log); merr != nil {
		err = errors.Join(err, fmt.Errorf("unable to write meeting manifest: %w", merr))
	}

	r.log.Infof("Stopped recording meeting %s (%s)", m.manifest.Name,
		m.manifest.EndTime.Sub(m.manifest.StartTime).Truncate(time.Second))
	return &m.manifest, err
}

// retranscribe transcribes the loopback channel of the mixed recording and
// appends the result to w. Failures are logged. It returns true if the final
// transcription completed.
func (r *Recorder) retranscribe(ctx context.Context, consumer *transcribe.Consumer,
	audioPath string, w *transcript.Writer) bool {

	if !strings.EqualFold(filepath.Ext(audioPath), "."+FormatWAV) {
		r.log.Infof("Skipping final transcription of %s: only WAV "+
			"recordings can be read back", filepath.Base(audioPath))
		return false
	}

	wav, err := audio.ReadWAVFile(audioPath)
	if err != nil {
		r.log.Errorf("Unable to read recording for final transcription: %v", err)
		return false
	}

	// The loopback track is the right channel.
	ch := 0
	if wav.Channels > 1 {
		ch = 1
	}
	samples := wav.Channel(ch)
	if wav.SampleRate != r.cfg.targetRate {
		rs, err := audio.NewResampler(wav.SampleRate, r.cfg.targetRate)
		if err != nil {
			r.log.Errorf("Unable to resample recording: %v", err)
			return false
		}
		samples = rs.Resample(samples)
	}

	r.log.Infof("Transcribing full recording (%s of remote audio)",
		time.Duration(float64(len(samples))/float64(r.cfg.targetRate)*float64(time.Second)).Truncate(time.Second))

	writeLine := func(line string) {
		if err := w.WriteLine(line); err != nil {
			r.log.Warnf("Unable to write transcript: %v", err)
		}
	}
	writeLine("")
	writeLine("=== Final transcription ===")
	writeLine("Start time: " + r.now().Format(transcript.TimeFormat))
	writeLine("")

	err = consumer.TranscribeRecording(ctx, samples, r.cfg.targetRate, func(res transcribe.Result) {
		if err := w.Append(res); err != nil {
			r.log.Warnf("Unable to write transcript: %v", err)
		}
	})
	if err != nil {
		r.log.Errorf("Final transcription failed: %v", err)
		writeLine("=== Final transcription failed ===")
		return false
	}
	writeLine("=== End of final transcription ===")
	return true
}

// handleResult is called by the consumer with every live transcript line.
func (r *Recorder) handleResult(res transcribe.Result) {
	if w := r.writer.Load(); w != nil {
		if err := w.Append(res); errors.Is(err, transcript.ErrClosed) {
			r.log.Debugf("Dropping %s line after transcript was closed", res.Source)
		} else if err != nil {
			r.log.Errorf("Unable to write transcript: %v", err)
		}
	}
	if r.cfg.onTranscript != nil {
		r.cfg.onTranscript(res)
	}
}

func (r *Recorder) setLevel(src audio.Source, level float64) {
	r.levels.Store(src, level)
}

// Levels returns the latest RMS level of each source, normalized to [0, 1].
func (r *Recorder) Levels() map[audio.Source]float64 {
	res := make(map[audio.Source]float64, 2)
	r.levels.Range(func(src audio.Source, level float64) bool {
		res[src] = level
		return true
	})
	return res
}

// LoopbackSilent returns true if the current session has seen silent
// loopback audio.
func (r *Recorder) LoopbackSilent() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.session != nil && r.session.capture.LoopbackSilent()
}

// QueueLen returns the number of chunks waiting for transcription.
func (r *Recorder) QueueLen() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.session == nil {
		return 0
	}
	return r.session.queue.Len()
}

// FallbackMode returns true once the engines have been moved to the CPU.
func (r *Recorder) FallbackMode() bool {
	return r.recovery.Fallback()
}
