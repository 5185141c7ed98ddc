//go:build !linux && !windows

package main

import "os"

// termState is empty where raw mode is not supported. Keys are read after
// enter is pressed.
type termState struct{}

func makeRaw(f *os.File) (*termState, error) {
	return nil, nil
}

func restoreTerminal(f *os.File, state *termState) error {
	return nil
}
