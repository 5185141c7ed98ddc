package audio

import (
	"github.com/decred/slog"
)

// Context is a handle to the audio driver. A single context may be shared by
// successive capture sessions and must be freed when no longer needed.
type Context struct {
	actx audioContext
}

// NewContext initializes the platform audio driver.
func NewContext(log slog.Logger) (*Context, error) {
	actx, err := newAudioContext()
	if err != nil {
		return nil, err
	}
	log.Debugf("Initialized audio driver %s", actx.name())
	return &Context{actx: actx}, nil
}

// Name is the name of the underlying driver.
func (c *Context) Name() string {
	return c.actx.name()
}

// Free releases the driver.
func (c *Context) Free() error {
	return c.actx.free()
}
