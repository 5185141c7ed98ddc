// Package jsonfile reads and atomically replaces JSON documents on disk.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
)

var ErrNotFound = errors.New("json file not found")

// Write encodes data as indented JSON into a temp file next to fname, syncs
// it and renames it over fname. Readers never observe a partially written
// file. The parent dir is created if needed.
//
// log receives warnings about failed cleanups. It may be nil.
func Write(fname string, data interface{}, log slog.Logger) (err error) {
	if log == nil {
		log = slog.Disabled
	}

	dir, base := filepath.Split(fname)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable to create dest dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+base+".*.new")
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			if cerr := tmp.Close(); cerr != nil {
				log.Warnf("Unable to close temp file %s: %v", tmpName, cerr)
			}
		}
		if rerr := os.Remove(tmpName); rerr != nil {
			log.Warnf("Unable to remove temp file %s: %v", tmpName, rerr)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("unable to encode json contents: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("unable to fsync temp file: %w", err)
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fname); err != nil {
		return fmt.Errorf("unable to rename temp file to final file: %w", err)
	}
	return nil
}

// Read decodes the JSON document in fname into data.
func Read(fname string, data interface{}) error {
	f, err := os.Open(fname)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(data)
}
