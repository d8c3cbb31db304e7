// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package engine

import "github.com/mbeema/hydrahook/pkg/trampoline"

// No native trampolines outside Windows; callers must inject one.
func defaultNative() (trampoline.Native, bool) {
	return nil, false
}

type defaultPinner struct{}

func (defaultPinner) Pin(Module) (func() error, error) {
	return func() error { return nil }, nil
}
