// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package vtable

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func withWritable(addr, size uintptr, fn func()) error {
	var old uint32
	if err := windows.VirtualProtect(addr, size, windows.PAGE_READWRITE, &old); err != nil {
		return fmt.Errorf("VirtualProtect %#x: %w", addr, err)
	}
	fn()
	var prev uint32
	if err := windows.VirtualProtect(addr, size, old, &prev); err != nil {
		return fmt.Errorf("restore protection %#x: %w", addr, err)
	}
	return nil
}
