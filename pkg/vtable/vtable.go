// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package vtable is the only place that reads or writes native dispatch
// tables. Everything above it works with slot indices and entry values.
package vtable

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	ErrNilTable  = errors.New("vtable: nil table")
	ErrSlotRange = errors.New("vtable: slot out of range")
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// Table is a view over a native dispatch table: a contiguous array of
// function pointers shared by every instance of one interface.
type Table struct {
	addr  uintptr
	len   int
	owned bool
}

// FromObject resolves the dispatch table of a native interface object.
// obj points at the object, whose first word is the table address. n is the
// number of slots the interface defines.
func FromObject(obj uintptr, n int) (Table, error) {
	if obj == 0 {
		return Table{}, ErrNilTable
	}
	addr := atomic.LoadUintptr(word(obj))
	if addr == 0 {
		return Table{}, fmt.Errorf("%w: object %#x has no dispatch table", ErrNilTable, obj)
	}
	return Table{addr: addr, len: n}, nil
}

// Addr returns the table address. It is the identity of the interface.
func (t Table) Addr() uintptr { return t.addr }

// Len returns the number of slots.
func (t Table) Len() int { return t.len }

// IsZero reports whether t is the zero Table.
func (t Table) IsZero() bool { return t.addr == 0 }

func (t Table) slot(i int) (*uintptr, error) {
	if t.addr == 0 {
		return nil, ErrNilTable
	}
	if i < 0 || i >= t.len {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrSlotRange, i, t.len)
	}
	return word(t.addr + uintptr(i)*ptrSize), nil
}

// Slot atomically reads entry i.
func (t Table) Slot(i int) (uintptr, error) {
	p, err := t.slot(i)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUintptr(p), nil
}

// Snapshot reads every entry.
func (t Table) Snapshot() ([]uintptr, error) {
	if t.addr == 0 {
		return nil, ErrNilTable
	}
	out := make([]uintptr, t.len)
	for i := range out {
		out[i] = atomic.LoadUintptr(word(t.addr + uintptr(i)*ptrSize))
	}
	return out, nil
}

// Swap atomically replaces entry i with fn and returns the previous entry.
// A concurrent reader observes either the old or the new entry.
func (t Table) Swap(i int, fn uintptr) (uintptr, error) {
	p, err := t.slot(i)
	if err != nil {
		return 0, err
	}
	var old uintptr
	err = t.writable(uintptr(unsafe.Pointer(p)), func() {
		old = atomic.SwapUintptr(p, fn)
	})
	return old, err
}

// CompareAndSwap replaces entry i with next only if it still holds expect.
func (t Table) CompareAndSwap(i int, expect, next uintptr) (bool, error) {
	p, err := t.slot(i)
	if err != nil {
		return false, err
	}
	var swapped bool
	err = t.writable(uintptr(unsafe.Pointer(p)), func() {
		swapped = atomic.CompareAndSwapUintptr(p, expect, next)
	})
	return swapped, err
}

// protectMu serializes protection changes so two writers on the same page
// never restore each other's saved protection.
var protectMu sync.Mutex

func (t Table) writable(addr uintptr, fn func()) error {
	if t.owned {
		fn()
		return nil
	}
	protectMu.Lock()
	defer protectMu.Unlock()
	return withWritable(addr, ptrSize, fn)
}

// ReadWord reads the pointer-sized value at addr, such as an interface
// pointer a native call returned through an out parameter.
func ReadWord(addr uintptr) (uintptr, error) {
	if addr == 0 {
		return 0, ErrNilTable
	}
	return atomic.LoadUintptr(word(addr)), nil
}

// WriteWord stores v at addr. addr must be writable.
func WriteWord(addr, v uintptr) error {
	if addr == 0 {
		return ErrNilTable
	}
	atomic.StoreUintptr(word(addr), v)
	return nil
}

func word(addr uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr))
}

// Alloc returns a zeroed, process-owned table with n slots. Writes to it
// skip page protection. The memory is never freed.
func Alloc(n int) Table {
	return Table{addr: arena.alloc(n), len: n, owned: true}
}

// NewObject returns the address of a process-owned object whose dispatch
// table is t, laid out like a native interface pointer.
func NewObject(t Table) uintptr {
	obj := arena.alloc(2)
	atomic.StoreUintptr(word(obj), t.addr)
	return obj
}
