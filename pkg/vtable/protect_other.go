// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows && !unix

package vtable

import (
	"fmt"
	"runtime"
)

func withWritable(addr, _ uintptr, _ func()) error {
	return fmt.Errorf("cannot change protection of %#x on %s", addr, runtime.GOOS)
}
