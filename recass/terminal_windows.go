//go:build windows

package main

import (
	"os"

	"golang.org/x/term"
)

type termState = term.State

// makeRaw switches the console to raw input. Ctrl+C is delivered as a key
// press while in raw mode, so 'q' is the way out.
func makeRaw(f *os.File) (*termState, error) {
	return term.MakeRaw(int(f.Fd()))
}

func restoreTerminal(f *os.File, state *termState) error {
	if state == nil {
		return nil
	}
	return term.Restore(int(f.Fd()), state)
}
