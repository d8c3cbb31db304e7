// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package libffi implements trampoline.Native on libffi closures.
//
// Every trampoline is a separate closure with its own call interface. All
// closures share one Go entry point, which finds the handler by the call
// interface pointer libffi hands back. Closures are never freed: a host
// thread that read a slot before it was restored may still branch into one.
//
// Arguments are widened into uintptr storage, which assumes a little-endian
// target.
package libffi

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/jupiterrider/ffi"

	"github.com/mbeema/hydrahook/pkg/trampoline"
)

type closure struct {
	sig     trampoline.Signature
	handler trampoline.Handler
	fn      *ffi.Closure
	code    unsafe.Pointer
}

var (
	closures sync.Map // map[*ffi.Cif]*closure

	entryOnce sync.Once
	entryPtr  uintptr
)

// Native is a trampoline.Native backed by libffi.
type Native struct {
	mu   sync.Mutex
	cifs map[string]*ffi.Cif
}

var _ trampoline.Native = (*Native)(nil)

// New returns a Native.
func New() *Native {
	return &Native{cifs: make(map[string]*ffi.Cif)}
}

func ffiType(k trampoline.Kind) *ffi.Type {
	switch k {
	case trampoline.Uint32:
		return &ffi.TypeUint32
	case trampoline.Int32:
		return &ffi.TypeSint32
	case trampoline.Void:
		return &ffi.TypeVoid
	default:
		return &ffi.TypePointer
	}
}

func prepare(sig trampoline.Signature) (*ffi.Cif, error) {
	args := make([]*ffi.Type, len(sig.Args))
	for i, a := range sig.Args {
		args[i] = ffiType(a)
	}
	cif := new(ffi.Cif)
	if status := ffi.PrepCif(cif, ffi.DefaultAbi, uint32(len(args)), ffiType(sig.Return), args...); status != ffi.OK {
		return nil, fmt.Errorf("prep cif %s: status %d", sig.Key(), status)
	}
	return cif, nil
}

// callCif returns a shared call interface for outbound calls with sig.
func (n *Native) callCif(sig trampoline.Signature) (*ffi.Cif, error) {
	key := sig.Key()
	n.mu.Lock()
	defer n.mu.Unlock()
	if cif, ok := n.cifs[key]; ok {
		return cif, nil
	}
	cif, err := prepare(sig)
	if err != nil {
		return nil, err
	}
	n.cifs[key] = cif
	return cif, nil
}

func (n *Native) NewTrampoline(sig trampoline.Signature, h trampoline.Handler) (uintptr, error) {
	entryOnce.Do(func() {
		entryPtr = ffi.NewCallback(entry)
	})

	// Each closure needs its own cif: it is the dispatch key in entry.
	cif, err := prepare(sig)
	if err != nil {
		return 0, err
	}
	c := &closure{sig: sig, handler: h}
	c.fn = ffi.ClosureAlloc(unsafe.Sizeof(ffi.Closure{}), &c.code)
	if c.fn == nil {
		return 0, fmt.Errorf("closure alloc %s failed", sig.Key())
	}
	closures.Store(cif, c)
	if status := ffi.PrepClosureLoc(c.fn, cif, entryPtr, nil, c.code); status != ffi.OK {
		closures.Delete(cif)
		return 0, fmt.Errorf("prep closure %s: status %d", sig.Key(), status)
	}
	return uintptr(c.code), nil
}

func (n *Native) Call(fn uintptr, sig trampoline.Signature, args []uintptr) uintptr {
	cif, err := n.callCif(sig)
	if err != nil {
		return 0
	}
	store := make([]uintptr, len(args))
	copy(store, args)
	argv := make([]any, len(store))
	for i := range store {
		argv[i] = &store[i]
	}

	f := ffi.Fun{Addr: fn, Cif: cif}
	if sig.Return == trampoline.Void {
		f.Call(nil, argv...)
		return 0
	}
	var ret ffi.Arg
	f.Call(&ret, argv...)
	switch sig.Return {
	case trampoline.Uint32, trampoline.Int32:
		return uintptr(uint32(ret))
	default:
		return uintptr(ret)
	}
}

func entry(cif *ffi.Cif, ret unsafe.Pointer, args *unsafe.Pointer, _ unsafe.Pointer) uintptr {
	v, ok := closures.Load(cif)
	if !ok {
		return 0
	}
	c := v.(*closure)

	ptrs := unsafe.Slice(args, len(c.sig.Args))
	values := make([]uintptr, len(ptrs))
	for i, k := range c.sig.Args {
		switch k {
		case trampoline.Uint32, trampoline.Int32:
			values[i] = uintptr(*(*uint32)(ptrs[i]))
		default:
			values[i] = *(*uintptr)(ptrs[i])
		}
	}

	r := c.handler(values)

	// libffi expects small integral returns widened to a full ffi_arg.
	switch c.sig.Return {
	case trampoline.Void:
	case trampoline.Int32:
		*(*ffi.Arg)(ret) = ffi.Arg(int64(int32(uint32(r))))
	case trampoline.Uint32:
		*(*ffi.Arg)(ret) = ffi.Arg(uint32(r))
	default:
		*(*uintptr)(ret) = r
	}
	return 0
}
