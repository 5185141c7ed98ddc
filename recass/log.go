package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"github.com/companyzero/recass/internal/logutil"
)

// logBackend writes log lines to stdout and to a rotated log file.
type logBackend struct {
	stdOut     io.Writer
	logRotator *rotator.Rotator
	bknd       *slog.Backend
	levels     logutil.DebugLevels

	// stdOutMtx is held while the terminal writes its own output so that
	// log lines are not interleaved with it.
	stdOutMtx sync.Mutex

	loggersMtx sync.Mutex
	loggers    map[string]slog.Logger
}

func newLogBackend(logFile, debugLevel string, maxLogFiles int) (*logBackend, error) {
	levels, err := logutil.ParseDebugLevels(debugLevel)
	if err != nil {
		return nil, err
	}

	b := &logBackend{
		stdOut:  os.Stdout,
		levels:  levels,
		loggers: make(map[string]slog.Logger),
	}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		b.logRotator, err = rotator.New(logFile, 1024, false, maxLogFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
	}
	b.bknd = slog.NewBackend(b)
	return b, nil
}

func (bknd *logBackend) Write(b []byte) (int, error) {
	bknd.stdOutMtx.Lock()
	bknd.stdOut.Write(b)
	bknd.stdOutMtx.Unlock()
	if bknd.logRotator != nil {
		bknd.logRotator.Write(b)
	}
	return len(b), nil
}

// printf writes user facing output to stdout.
func (bknd *logBackend) printf(format string, args ...interface{}) {
	bknd.stdOutMtx.Lock()
	fmt.Fprintf(bknd.stdOut, format, args...)
	bknd.stdOutMtx.Unlock()
}

func (bknd *logBackend) logger(subsys string) slog.Logger {
	bknd.loggersMtx.Lock()
	defer bknd.loggersMtx.Unlock()

	if l, ok := bknd.loggers[subsys]; ok {
		return l
	}
	l := bknd.bknd.Logger(subsys)
	l.SetLevel(bknd.levels.Level(subsys))
	bknd.loggers[subsys] = l
	return l
}

func (bknd *logBackend) close() {
	if bknd.logRotator != nil {
		bknd.logRotator.Close()
	}
}
