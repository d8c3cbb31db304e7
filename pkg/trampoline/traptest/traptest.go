// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package traptest provides an in-process trampoline.Native for tests.
// Function addresses are synthetic; "native" functions are Go handlers
// registered at those addresses.
package traptest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mbeema/hydrahook/pkg/trampoline"
	"github.com/mbeema/hydrahook/pkg/vtable"
)

// ErrLimit is returned by NewTrampoline once the configured limit is reached.
var ErrLimit = errors.New("traptest: trampoline limit reached")

const (
	baseAddr = 0x10000000
	stride   = 0x10
)

// Native registers Go handlers at synthetic addresses.
type Native struct {
	mu    sync.RWMutex
	next  uintptr
	funcs map[uintptr]trampoline.Handler
	limit int
	made  int
}

var _ trampoline.Native = (*Native)(nil)

// New returns an empty Native.
func New() *Native {
	return &Native{next: baseAddr, funcs: make(map[uintptr]trampoline.Handler), limit: -1}
}

// Func registers h as a native function and returns its address.
func (n *Native) Func(h trampoline.Handler) uintptr {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr := n.next
	n.next += stride
	n.funcs[addr] = h
	return addr
}

// LimitTrampolines makes NewTrampoline fail after max successful calls.
// A negative max removes the limit.
func (n *Native) LimitTrampolines(max int) {
	n.mu.Lock()
	n.limit = max
	n.made = 0
	n.mu.Unlock()
}

func (n *Native) NewTrampoline(_ trampoline.Signature, h trampoline.Handler) (uintptr, error) {
	n.mu.Lock()
	if n.limit >= 0 && n.made >= n.limit {
		n.mu.Unlock()
		return 0, ErrLimit
	}
	n.made++
	n.mu.Unlock()
	return n.Func(h), nil
}

// Call runs the handler registered at fn. Calling an unknown address panics,
// the way a wild native call would crash.
func (n *Native) Call(fn uintptr, _ trampoline.Signature, args []uintptr) uintptr {
	n.mu.RLock()
	h, ok := n.funcs[fn]
	n.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("traptest: call to unregistered address %#x", fn))
	}
	return h(args)
}

// Invoke simulates a host calling slot i of t: it reads the live entry and
// calls whatever is there.
func (n *Native) Invoke(t vtable.Table, i int, args ...uintptr) uintptr {
	fn, err := t.Slot(i)
	if err != nil {
		panic(err)
	}
	return n.Call(fn, trampoline.Signature{}, args)
}

// Interface builds a Go-owned interface with size slots, each backed by a
// registered function. impl supplies handlers for selected slots; the rest
// return zero. It returns the object address and its table.
func (n *Native) Interface(size int, impl map[int]trampoline.Handler) (uintptr, vtable.Table) {
	t := vtable.Alloc(size)
	for i := 0; i < size; i++ {
		h := impl[i]
		if h == nil {
			h = func([]uintptr) uintptr { return 0 }
		}
		if _, err := t.Swap(i, n.Func(h)); err != nil {
			panic(err)
		}
	}
	return vtable.NewObject(t), t
}
