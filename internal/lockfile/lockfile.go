// Package lockfile guards a directory against concurrent use by more than
// one recass process.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// ErrNilLock is returned when closing a lock that was never acquired.
var ErrNilLock = errors.New("lock not acquired")

// Lock is an exclusive lock on a file.
type Lock struct {
	path string
	f    *lockedfile.File
}

// Path is the locked file's path.
func (l *Lock) Path() string {
	return l.path
}

// Release releases the lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return ErrNilLock
	}
	return l.f.Close()
}

// Acquire blocks until it holds the lock at path or ctx is done. The
// owner's pid and command are written to the file.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	type result struct {
		f   *lockedfile.File
		err error
	}
	c := make(chan result, 1)
	go func() {
		f, err := lockedfile.Create(path)
		c <- result{f: f, err: err}
	}()

	select {
	case res := <-c:
		if res.err != nil {
			return nil, res.err
		}
		var cmd string
		if len(os.Args) > 0 {
			cmd = os.Args[0]
		}
		fmt.Fprintf(res.f, "pid=%d\ncmd=%q\n", os.Getpid(), cmd)
		return &Lock{path: path, f: res.f}, nil

	case <-ctx.Done():
		// The lock may still be acquired later. Release it when it is.
		go func() {
			if res := <-c; res.f != nil {
				res.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
