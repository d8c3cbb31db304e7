// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package backend

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// comCall invokes method idx of the COM interface obj. obj is a pointer to
// a pointer to the dispatch table.
//
//go:uintptrescapes
func comCall(obj uintptr, idx int, args ...uintptr) (uintptr, error) {
	table := *(*uintptr)(unsafe.Pointer(obj))
	fn := *(*uintptr)(unsafe.Pointer(table + uintptr(idx)*unsafe.Sizeof(uintptr(0))))

	all := make([]uintptr, 0, 1+len(args))
	all = append(all, obj)
	all = append(all, args...)
	ret, _, _ := syscall.SyscallN(fn, all...)
	if int32(ret) < 0 {
		return ret, fmt.Errorf("vtable[%d] HRESULT 0x%08X", idx, uint32(ret))
	}
	return ret, nil
}

// comRelease calls IUnknown::Release.
func comRelease(obj uintptr) {
	if obj != 0 {
		table := *(*uintptr)(unsafe.Pointer(obj))
		fn := *(*uintptr)(unsafe.Pointer(table + 2*unsafe.Sizeof(uintptr(0))))
		syscall.SyscallN(fn, obj)
	}
}

// callProc calls an exported function returning an HRESULT.
//
//go:uintptrescapes
func callProc(p *windows.LazyProc, args ...uintptr) error {
	if err := p.Find(); err != nil {
		return err
	}
	ret, _, _ := p.Call(args...)
	if int32(ret) < 0 {
		return fmt.Errorf("%s HRESULT 0x%08X", p.Name, uint32(ret))
	}
	return nil
}

// moduleLoaded reports whether any of the named modules is already mapped
// into the process. It never loads a module.
func moduleLoaded(names ...string) bool {
	for _, name := range names {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			continue
		}
		var h windows.Handle
		err = windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, p, &h)
		if err == nil && h != 0 {
			return true
		}
	}
	return false
}

// DXGI structures shared by the Direct3D 10, 11 and 12 probes.

type dxgiRational struct {
	Numerator   uint32
	Denominator uint32
}

type dxgiModeDesc struct {
	Width            uint32
	Height           uint32
	RefreshRate      dxgiRational
	Format           uint32
	ScanlineOrdering uint32
	Scaling          uint32
}

type dxgiSampleDesc struct {
	Count   uint32
	Quality uint32
}

type dxgiSwapChainDesc struct {
	BufferDesc   dxgiModeDesc
	SampleDesc   dxgiSampleDesc
	BufferUsage  uint32
	BufferCount  uint32
	OutputWindow uintptr
	Windowed     int32
	SwapEffect   uint32
	Flags        uint32
}

const (
	dxgiFormatR8G8B8A8Unorm     = 28
	dxgiUsageRenderTargetOutput = 0x20
	dxgiSwapEffectDiscard       = 0
	dxgiSwapEffectFlipDiscard   = 4
)

func swapChainDesc(hwnd uintptr, flip bool) dxgiSwapChainDesc {
	d := dxgiSwapChainDesc{
		BufferDesc:   dxgiModeDesc{Width: 2, Height: 2, Format: dxgiFormatR8G8B8A8Unorm},
		SampleDesc:   dxgiSampleDesc{Count: 1},
		BufferUsage:  dxgiUsageRenderTargetOutput,
		BufferCount:  1,
		OutputWindow: hwnd,
		Windowed:     1,
		SwapEffect:   dxgiSwapEffectDiscard,
	}
	if flip {
		d.BufferCount = 2
		d.SwapEffect = dxgiSwapEffectFlipDiscard
	}
	return d
}

// swapChainTarget resolves the IDXGISwapChain table of swap.
func swapChainTarget(family Kind, swap uintptr) (Target, error) {
	return TargetOf(swap, SwapChainTable(family))
}
