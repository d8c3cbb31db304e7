// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build unix

package vtable

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(os.Getpagesize())

// withWritable makes the page holding addr writable for the duration of fn.
// Dispatch tables live in relocated read-only data, so the page goes back to
// PROT_READ afterwards.
func withWritable(addr, size uintptr, fn func()) error {
	start := addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	page := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)

	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect %#x: %w", start, err)
	}
	fn()
	if err := unix.Mprotect(page, unix.PROT_READ); err != nil {
		return fmt.Errorf("restore protection %#x: %w", start, err)
	}
	return nil
}
