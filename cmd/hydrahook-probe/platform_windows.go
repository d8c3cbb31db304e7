// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"golang.org/x/sys/windows"

	"github.com/mbeema/hydrahook/pkg/engine"
)

func loadModule(name string) error {
	_, err := windows.LoadLibrary(name)
	return err
}

func selfModule() engine.Module {
	var h windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &h); err != nil {
		return 0
	}
	return engine.Module(h)
}
