// Package transcript writes transcript lines to text files.
package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/recass/internal/transcribe"
)

// TimeFormat is the layout of line timestamps.
const TimeFormat = "2006-01-02 15:04:05"

// ErrClosed is returned when writing to a closed Writer.
var ErrClosed = errors.New("transcript writer closed")

// FormatLine formats a transcript line as
// "[YYYY-MM-DD HH:MM:SS] [SOURCE/speaker]: text". The "/speaker" part is
// omitted when there is no speaker label.
func FormatLine(ts time.Time, res transcribe.Result) string {
	label := res.Source.String()
	if res.Speaker != "" {
		label += "/" + res.Speaker
	}
	return fmt.Sprintf("[%s] [%s]: %s", ts.Format(TimeFormat), label, res.Text)
}

// Writer appends lines to a transcript file. Each line is written through
// to the file so that the transcript can be followed while recording. It is
// safe for concurrent use.
type Writer struct {
	path string
	now  func() time.Time

	mtx sync.Mutex
	f   *os.File
}

// Create opens path for appending, creating it and its parent dir if needed.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("unable to create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, now: time.Now, f: f}, nil
}

// Path returns the file name.
func (w *Writer) Path() string {
	return w.path
}

// WriteLine writes line followed by a newline.
func (w *Writer) WriteLine(line string) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.f == nil {
		return ErrClosed
	}
	_, err := w.f.WriteString(line + "\n")
	return err
}

// Append writes a formatted line for res, timestamped with the current time.
func (w *Writer) Append(res transcribe.Result) error {
	return w.WriteLine(FormatLine(w.now(), res))
}

// Close closes the file. Calling Close more than once is a no-op.
func (w *Writer) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
