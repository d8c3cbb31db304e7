// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package backend detects which rendering and audio interfaces the host
// process uses and describes their dispatch tables.
//
// Detection builds a minimal throwaway object of each candidate family. The
// dispatch table of that object is shared with every object the host
// creates of the same interface, so patching it intercepts the host.
package backend

import (
	"context"
	"errors"

	"github.com/mbeema/hydrahook/pkg/vtable"
)

var (
	ErrNoBackend   = errors.New("backend: no eligible backend detected")
	ErrNotLoaded   = errors.New("backend: runtime module not loaded in host")
	ErrUnsupported = errors.New("backend: unsupported on this platform")
)

// Window is a disposable window used as the creation target of a probe
// object.
type Window interface {
	Handle() uintptr
	Close() error
}

// WindowFactory creates a disposable window.
type WindowFactory func() (Window, error)

// Target is a live dispatch table found by a probe.
type Target struct {
	Def   TableDef
	Table vtable.Table
}

// Detection is the result of a successful probe of one family.
type Detection struct {
	Kind    Kind
	Targets []Target
}

// Backend probes one family.
type Backend interface {
	Kind() Kind
	Name() string
	// Loaded reports whether the family's runtime is already loaded in the
	// host. Families the host never loaded are not probed.
	Loaded() bool
	// NeedsWindow reports whether Probe requires a window.
	NeedsWindow() bool
	// Probe constructs a throwaway object and returns its dispatch tables.
	// The object is released before Probe returns; the tables outlive it.
	Probe(ctx context.Context, w Window) (*Detection, error)
}
