// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows && !unix

package vtable

import (
	"sync"
	"unsafe"
)

var (
	heldMu sync.Mutex
	held   [][]uintptr
)

// No page mapping here; blocks come from the Go heap and stay reachable.
func mapPages(size uintptr) (uintptr, error) {
	buf := make([]uintptr, size/ptrSize)
	heldMu.Lock()
	held = append(held, buf)
	heldMu.Unlock()
	return uintptr(unsafe.Pointer(&buf[0])), nil
}
