// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package vtable

import (
	"fmt"
	"sync"
)

const chunkSize = 64 << 10

// wordArena hands out word-aligned blocks from memory mapped outside the Go
// heap, so addresses behave like foreign tables.
type wordArena struct {
	mu   sync.Mutex
	next uintptr
	end  uintptr
}

var arena wordArena

func (a *wordArena) alloc(words int) uintptr {
	if words <= 0 {
		words = 1
	}
	size := uintptr(words) * ptrSize

	a.mu.Lock()
	defer a.mu.Unlock()

	if size > chunkSize {
		return mustMap(size)
	}
	if a.end-a.next < size {
		a.next = mustMap(chunkSize)
		a.end = a.next + chunkSize
	}
	p := a.next
	a.next += size
	return p
}

func mustMap(size uintptr) uintptr {
	p, err := mapPages(size)
	if err != nil {
		panic(fmt.Sprintf("vtable: map %d bytes: %v", size, err))
	}
	return p
}
