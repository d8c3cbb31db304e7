// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/mbeema/hydrahook/pkg/engine"
)

func loadModule(name string) error {
	return fmt.Errorf("cannot load %s on %s", name, runtime.GOOS)
}

func selfModule() engine.Module {
	return engine.Module(os.Getpid())
}
