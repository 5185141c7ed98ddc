//go:build linux

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

type termState = unix.Termios

// makeRaw disables line buffering and echo on f so that single key presses
// are delivered immediately.
func makeRaw(f *os.File) (*termState, error) {
	termios, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		return nil, err
	}

	oldTermios := *termios
	termios.Lflag &^= unix.ICANON | unix.ECHO
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, termios); err != nil {
		return nil, err
	}
	return &oldTermios, nil
}

func restoreTerminal(f *os.File, state *termState) error {
	if state == nil {
		return nil
	}
	return unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, state)
}
