package main

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync/atomic"

	"github.com/decred/slog"

	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/recorder"
)

// errQuit is returned by the input loop when the user asks to exit.
var errQuit = errors.New("quit requested")

const helpText = `Keys:
  r  start/stop recording a meeting
  l  show input levels
  s  show status
  h  show this help
  q  quit
`

type userInputCtl struct {
	in     io.Reader
	rec    *recorder.Recorder
	log    slog.Logger
	printf func(format string, args ...interface{})

	// stopping is set while a meeting is being finalized in the
	// background.
	stopping atomic.Bool
}

func (ctl *userInputCtl) toggleRecording(ctx context.Context) {
	if ctl.stopping.Load() || ctl.rec.Finalizing() {
		ctl.printf("Still finishing the previous meeting\n")
		return
	}
	if !ctl.rec.Recording() {
		dir, err := ctl.rec.StartRecording(ctx)
		if err != nil {
			ctl.log.Errorf("Unable to start recording: %v", err)
			return
		}
		ctl.printf("Recording to %s\n", dir)
		return
	}

	// The final transcription may take a while. Run it in the background
	// so that the other keys keep working, and let it finish even when
	// the program is quitting.
	ctl.printf("Stopping recording...\n")
	ctl.stopping.Store(true)
	go func() {
		m, err := ctl.rec.StopRecording(context.WithoutCancel(ctx))
		ctl.stopping.Store(false)
		if err != nil {
			ctl.log.Errorf("Error stopping recording: %v", err)
		}
		if m != nil {
			ctl.printf("Recording %s stopped (audio: %q, transcript: %q)\n",
				m.Name, m.Audio, m.Transcript)
		}
	}()
}

func (ctl *userInputCtl) showLevels() {
	levels := ctl.rec.Levels()
	srcs := make([]audio.Source, 0, len(levels))
	for src := range levels {
		srcs = append(srcs, src)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })
	if len(srcs) == 0 {
		ctl.printf("No audio received yet\n")
	}
	for _, src := range srcs {
		ctl.printf("%-8s %8.4f\n", src, levels[src])
	}
	if ctl.rec.LoopbackSilent() {
		ctl.printf("Loopback audio has been silent\n")
	}
}

func (ctl *userInputCtl) showStatus() {
	ctl.printf("Recording: %v, finalizing: %v, queued chunks: %d, CPU fallback: %v\n",
		ctl.rec.Recording(), ctl.rec.Finalizing(), ctl.rec.QueueLen(),
		ctl.rec.FallbackMode())
}

func (ctl *userInputCtl) processInput(ctx context.Context, key byte) error {
	switch key {
	case 'r', 'R':
		ctl.toggleRecording(ctx)
	case 'l', 'L':
		ctl.showLevels()
	case 's', 'S':
		ctl.showStatus()
	case 'h', 'H', '?':
		ctl.printf(helpText)
	case 'q', 'Q':
		return errQuit
	}
	return nil
}

func (ctl *userInputCtl) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readChan := make(chan byte)
	errChan := make(chan error, 1)
	go func() {
		b := make([]byte, 1)
		for {
			n, err := ctl.in.Read(b)
			if err != nil {
				errChan <- err
				return
			}
			if n == 0 {
				continue
			}
			select {
			case readChan <- b[0]:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case key := <-readChan:
			if err := ctl.processInput(ctx, key); err != nil {
				return err
			}
		case err := <-errChan:
			if errors.Is(err, io.EOF) {
				// Input closed. Keep running until interrupted.
				<-ctx.Done()
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
