// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package control implements the dormant/active switch of an engine.
//
// The switch is a small file whose first byte is the state:
//   - 0 = dormant (trampolines pass straight through, no callbacks run)
//   - 1 = active (callbacks run)
//
// Hooks stay installed in both states; flipping the byte never touches a
// dispatch table.
package control

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const controlFileSize = 64

// ControlFile gives read-write access to a control file.
type ControlFile struct {
	path string
	file *os.File
}

// CreateControlFile creates (or truncates) the control file at path with
// the given initial state.
func CreateControlFile(path string, active bool) (*ControlFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("create control file: %w", err)
	}

	if err := f.Truncate(controlFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate control file: %w", err)
	}

	c := &ControlFile{path: path, file: f}
	if err := c.set(active); err != nil {
		f.Close()
		return nil, fmt.Errorf("init control file: %w", err)
	}
	return c, nil
}

// OpenControlFile opens an existing control file. Used by the probe CLI to
// flip a running engine without loading it.
func OpenControlFile(path string) (*ControlFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("open control file %s: %w", path, err)
	}
	return &ControlFile{path: path, file: f}, nil
}

func (c *ControlFile) set(active bool) error {
	b := byte(0)
	if active {
		b = 1
	}
	_, err := c.file.WriteAt([]byte{b}, 0)
	return err
}

// Enable makes the engine run callbacks.
func (c *ControlFile) Enable() error {
	return c.set(true)
}

// Disable makes every trampoline a pass-through.
func (c *ControlFile) Disable() error {
	return c.set(false)
}

// IsEnabled returns the current state.
func (c *ControlFile) IsEnabled() (bool, error) {
	buf := make([]byte, 1)
	if _, err := c.file.ReadAt(buf, 0); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// Close closes the file handle. It does not remove the file.
func (c *ControlFile) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

// Remove removes the control file from disk.
func (c *ControlFile) Remove() error {
	return os.Remove(c.path)
}

// Path returns the control file path.
func (c *ControlFile) Path() string {
	return c.path
}

// ReadState reads the state at path without keeping it open. A missing or
// empty file reads as active.
func ReadState(path string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		return true, err
	}
	return buf[0] != 0, nil
}
