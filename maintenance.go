package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// maintenance is an on/off switch kept as a flag file so it survives restarts
// and can be flipped by hand on the server.
type maintenance struct {
	path string
}

func newMaintenance(path string) *maintenance {
	return &maintenance{path: path}
}

func (m *maintenance) Enabled() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *maintenance) Set(on bool) error {
	if !on {
		if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove maintenance flag: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create maintenance dir: %w", err)
	}
	if err := os.WriteFile(m.path, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("write maintenance flag: %w", err)
	}
	return nil
}
