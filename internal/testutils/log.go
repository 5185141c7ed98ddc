// Package testutils holds helpers shared by the package tests.
package testutils

import (
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/decred/slog"
)

// tbWriter writes log lines with t.Log. Capture callbacks and the consumer
// may log after the test returned, so writes stop once the test is cleaned
// up.
type tbWriter struct {
	mtx    sync.Mutex
	tb     testing.TB
	closed bool
}

func (w *tbWriter) Write(b []byte) (int, error) {
	w.mtx.Lock()
	if !w.closed {
		w.tb.Log(strings.TrimSuffix(string(b), "\n"))
	}
	w.mtx.Unlock()
	return len(b), nil
}

func newTBBackend(tb testing.TB) *slog.Backend {
	w := &tbWriter{tb: tb}
	tb.Cleanup(func() {
		w.mtx.Lock()
		w.closed = true
		w.mtx.Unlock()
	})
	return slog.NewBackend(w)
}

// TestLoggerSys returns a trace level logger for the subsystem that logs to
// t.Log.
func TestLoggerSys(tb testing.TB, subsys string) slog.Logger {
	l := newTBBackend(tb).Logger(subsys)
	l.SetLevel(slog.LevelTrace)
	return l
}

// TestLoggerBackend returns a logger generator. Subsystem names are prefixed
// with name so that multiple components in one test can be told apart.
func TestLoggerBackend(tb testing.TB, name string) func(subsys string) slog.Logger {
	bknd := newTBBackend(tb)
	return func(subsys string) slog.Logger {
		l := bknd.Logger(name + "/" + subsys)
		l.SetLevel(slog.LevelTrace)
		return l
	}
}

// TempTestDir creates a temp dir that is removed when the test passes. Dirs
// of failed tests are kept so that recordings and transcripts can be
// inspected.
func TempTestDir(tb testing.TB, prefix string) string {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if tb.Failed() {
			tb.Logf("Kept test dir %s", dir)
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			tb.Logf("Unable to remove test dir %s: %v", dir, err)
		}
	})
	return dir
}
