package transcribe

import (
	"errors"
	"fmt"

	"github.com/companyzero/recass/internal/audio"
)

// ErrResourceExhausted is returned (possibly wrapped) by engines when the
// accelerator ran out of memory. It triggers the switch to the fallback
// device.
var ErrResourceExhausted = errors.New("accelerator resources exhausted")

// ErrNotLoaded is returned when the engine has not loaded its models.
var ErrNotLoaded = errors.New("engine models not loaded")

// EngineError wraps a failed engine invocation for a chunk or segment.
type EngineError struct {
	Op     string
	Source audio.Source
	Err    error
}

func (err EngineError) Error() string {
	return fmt.Sprintf("%s of %s audio failed: %v", err.Op, err.Source, err.Err)
}

func (err EngineError) Unwrap() error {
	return err.Err
}

// panicError is an engine call that panicked.
type panicError struct {
	v interface{}
}

func (err panicError) Error() string {
	return fmt.Sprintf("engine panicked: %v", err.v)
}
