// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package backend

import (
	"fmt"
	"runtime"
)

// NewWindowFactory returns a factory that always fails: no probed family
// exists on this platform and no backends are registered.
func NewWindowFactory(string) WindowFactory {
	return func() (Window, error) {
		return nil, fmt.Errorf("%w: probe windows on %s", ErrUnsupported, runtime.GOOS)
	}
}
