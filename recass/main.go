// Command recass records meetings: it captures the microphone and the
// system audio, transcribes both in near real time and writes a stereo
// recording and a transcript per meeting.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/enginehttp"
	"github.com/companyzero/recass/internal/lockfile"
	"github.com/companyzero/recass/internal/metrics"
	"github.com/companyzero/recass/internal/recorder"
	"github.com/companyzero/recass/internal/transcribe"
	"github.com/companyzero/recass/internal/transcript"
)

const appVersion = "0.1.0"

// printDevices prints info about audio devices.
func printDevices(devices *audio.Devices) {
	pf := func(format string, args ...interface{}) {
		fmt.Printf(format+"\n", args...)
	}

	printList := func(title string, list []audio.Device) {
		if len(list) == 0 {
			pf("No %s found", title)
			pf("")
			return
		}
		pf("%s", title)
		pf("")
		for i, dev := range list {
			defaultStr := ""
			if dev.IsDefault {
				defaultStr = "(default) "
			}
			pf("  Device %d %s%s", i, defaultStr, dev.Name)
			pf("  ID: %q", string(dev.ID))
			pf("")
		}
	}

	printList("Audio capture devices", devices.Capture)
	if runtime.GOOS == "windows" {
		printList("Audio playback devices (loopback)", devices.Playback)
	} else {
		printList("Audio playback devices", devices.Playback)
		pf("Use the monitor capture device of the output as loopback device.")
	}
}

// resolveDevices maps the configured device references to driver ids.
func resolveDevices(cfg *config, log slog.Logger) (audio.DeviceID, audio.DeviceID, error) {
	if cfg.MicDevice == "" && cfg.LoopbackDevice == "" {
		return "", "", nil
	}
	devices, err := audio.ListAudioDevices(log)
	if err != nil {
		return "", "", err
	}

	mic, ok := audio.FindDevice(devices.Capture, cfg.MicDevice)
	if !ok {
		return "", "", fmt.Errorf("mic device %q not found", cfg.MicDevice)
	}
	loopbackList := devices.Capture
	if runtime.GOOS == "windows" {
		loopbackList = devices.Playback
	}
	loopback, ok := audio.FindDevice(loopbackList, cfg.LoopbackDevice)
	if !ok {
		return "", "", fmt.Errorf("loopback device %q not found", cfg.LoopbackDevice)
	}
	return mic.ID, loopback.ID, nil
}

func realMain() error {
	// Settings.
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	// Log.
	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer logBknd.close()
	log := logBknd.logger("RCAS")

	if cfg.ListDevices {
		devices, err := audio.ListAudioDevices(logBknd.logger("CAPT"))
		if err != nil {
			return err
		}
		printDevices(&devices)
		return nil
	}

	log.Infof("Running %s version %s", appName, appVersion)
	if cfg.MixFormat == recorder.FormatOgg && !audio.OpusAvailable() {
		return fmt.Errorf("ogg recordings need opus support, which was " +
			"disabled during compilation")
	}

	// Main context.
	errMainCtxCanceled := errors.New("main context canceled")
	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, mainCancel := context.WithCancelCause(context.Background())
	defer mainCancel(nil)
	go func() {
		<-sigCtx.Done()
		log.Infof("Interrupt detected. Shutting down.")
		mainCancel(errMainCtxCanceled)
	}()

	// Only one instance may write meetings to the output root.
	lockCtx, lockCancel := context.WithTimeout(ctx, 3*time.Second)
	lock, err := lockfile.Acquire(lockCtx, filepath.Join(cfg.OutputRoot, appName+".lock"))
	lockCancel()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("output dir %s is in use by another %s instance",
			cfg.OutputRoot, appName)
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	stats := metrics.NewStats()

	// Engines.
	var diarizationModel string
	if cfg.Diarize {
		diarizationModel = cfg.DiarizationModel
	}
	engine, err := enginehttp.New(enginehttp.Config{
		BaseURL:            cfg.EngineURL,
		SpeechModel:        cfg.EngineModel,
		DiarizationModel:   diarizationModel,
		Device:             cfg.EngineDevice,
		SampleRate:         cfg.TargetRate,
		AllowUnsafeWeights: cfg.AllowUnsafeWeights,
		Timeout:            cfg.EngineTimeout,
		Log:                logBknd.logger("ENGN"),
	})
	if err != nil {
		return err
	}
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("unable to load models: %w", err)
	}
	log.Infof("Models loaded on %s", engine.Device())

	// Audio driver.
	var sim *audio.SimulatedContext
	var actx *audio.Context
	var micID, loopbackID audio.DeviceID
	if cfg.Simulate {
		sim = newSimulatedContext()
		actx = sim.Context()
		micID, loopbackID = simMicDevice, simLoopbackDevice
		log.Warnf("Using simulated audio devices")
	} else {
		micID, loopbackID, err = resolveDevices(cfg, logBknd.logger("CAPT"))
		if err != nil {
			return err
		}
		actx, err = audio.NewContext(logBknd.logger("CAPT"))
		if err != nil {
			return err
		}
		defer actx.Free()
	}

	// Recorder.
	opts := []recorder.Option{
		recorder.WithLogBackend(logBknd.logger),
		recorder.WithStats(stats),
		recorder.WithOutputRoot(cfg.OutputRoot),
		recorder.WithTargetRate(cfg.TargetRate),
		recorder.WithChunkDuration(cfg.ChunkDuration),
		recorder.WithMixedFile(cfg.MixRate, cfg.MixFormat),
		recorder.WithRetranscribe(cfg.Retranscribe),
		recorder.WithConsumerOptions(
			transcribe.WithLanguage(cfg.Language),
			transcribe.WithSilenceThreshold(cfg.SilenceThreshold),
			transcribe.WithMinSegment(cfg.MinSegment),
		),
		recorder.WithTranscriptHandler(func(res transcribe.Result) {
			logBknd.printf("%s\n", transcript.FormatLine(time.Now(), res))
		}),
	}
	if cfg.Diarize {
		opts = append(opts, recorder.WithDiarizer(engine, transcribe.DiarizeOptions{
			MinSpeakers:       cfg.MinSpeakers,
			MaxSpeakers:       cfg.MaxSpeakers,
			SegmentationOnset: cfg.SegmentationOnset,
		}))
	}
	rec, err := recorder.New(actx, engine, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := rec.Start(gctx, micID, loopbackID); err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return stats.ServeMetrics(gctx, cfg.MetricsListen, logBknd.logger("STAT"))
		})
	}
	g.Go(func() error {
		return stats.RunReportLoop(gctx, cfg.StatsInterval, logBknd.logger("STAT"))
	})
	if sim != nil {
		g.Go(func() error { return runSimulator(gctx, sim, logBknd.logger("CAPT")) })
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := makeRaw(os.Stdin)
		if err != nil {
			log.Warnf("Unable to set terminal to raw mode: %v", err)
		}
		defer restoreTerminal(os.Stdin, oldState)
	}
	userCtl := &userInputCtl{
		in:     os.Stdin,
		rec:    rec,
		log:    log,
		printf: logBknd.printf,
	}
	logBknd.printf(helpText)
	g.Go(func() error { return userCtl.run(gctx) })

	err = g.Wait()
	if errors.Is(err, errQuit) ||
		(errors.Is(err, context.Canceled) && context.Cause(ctx) == errMainCtxCanceled) {
		// Graceful shutdown.
		err = nil
	}

	// Finish any meeting being recorded. ctx may already be canceled, so
	// use a fresh one to let the final transcription run.
	if stopErr := rec.Stop(context.Background()); stopErr != nil {
		log.Errorf("Error stopping recorder: %v", stopErr)
	}
	return err
}

func main() {
	err := realMain()
	if errors.Is(err, errCmdDone) {
		return
	}
	if err != nil {
		fmt.Println("Error:", err.Error())
		os.Exit(1)
	}
}
