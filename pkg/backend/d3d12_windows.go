// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package backend

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	d3d12DLL = windows.NewLazySystemDLL("d3d12.dll")
	dxgiDLL  = windows.NewLazySystemDLL("dxgi.dll")

	procD3D12CreateDevice  = d3d12DLL.NewProc("D3D12CreateDevice")
	procCreateDXGIFactory1 = dxgiDLL.NewProc("CreateDXGIFactory1")
)

const (
	d3dFeatureLevel11_0 = 0xb000

	// ID3D12Device
	idxCreateCommandQueue = 8
	// IUnknown
	idxQueryInterface = 0
	// IDXGIFactory
	idxCreateSwapChain = 10
)

var (
	iidID3D12Device       = windows.GUID{Data1: 0x189819f1, Data2: 0x1db6, Data3: 0x4b57, Data4: [8]byte{0xbe, 0x54, 0x18, 0x21, 0x33, 0x9b, 0x85, 0xf7}}
	iidID3D12CommandQueue = windows.GUID{Data1: 0x0ec870a6, Data2: 0x5d7e, Data3: 0x4c22, Data4: [8]byte{0x8c, 0xfc, 0x5b, 0xaa, 0xe0, 0x76, 0x16, 0xed}}
	iidIDXGIFactory1      = windows.GUID{Data1: 0x770aae78, Data2: 0xf26f, Data3: 0x4dba, Data4: [8]byte{0xa8, 0x29, 0x25, 0x3c, 0x83, 0xd1, 0xb3, 0x87}}
	iidIDXGIFactory2      = windows.GUID{Data1: 0x50c83a1c, Data2: 0xe072, Data3: 0x4c48, Data4: [8]byte{0x87, 0xb0, 0x36, 0x30, 0xfa, 0x36, 0xa6, 0xd0}}
)

type d3d12CommandQueueDesc struct {
	Type     int32
	Priority int32
	Flags    int32
	NodeMask uint32
}

type d3d12Backend struct{}

func (d3d12Backend) Kind() Kind        { return D3D12 }
func (d3d12Backend) Name() string      { return "direct3d12" }
func (d3d12Backend) Loaded() bool      { return moduleLoaded("d3d12.dll") }
func (d3d12Backend) NeedsWindow() bool { return true }

// Probe creates a device, a direct command queue and a flip-model swap
// chain on that queue. The swap chain, queue and factory tables are
// returned; the last two are used to capture the host's queue.
func (d3d12Backend) Probe(_ context.Context, w Window) (*Detection, error) {
	var device uintptr
	if err := callProc(procD3D12CreateDevice,
		0, d3dFeatureLevel11_0,
		uintptr(unsafe.Pointer(&iidID3D12Device)),
		uintptr(unsafe.Pointer(&device)),
	); err != nil {
		return nil, err
	}
	defer comRelease(device)

	var queue uintptr
	qdesc := d3d12CommandQueueDesc{}
	if _, err := comCall(device, idxCreateCommandQueue,
		uintptr(unsafe.Pointer(&qdesc)),
		uintptr(unsafe.Pointer(&iidID3D12CommandQueue)),
		uintptr(unsafe.Pointer(&queue)),
	); err != nil {
		return nil, fmt.Errorf("ID3D12Device::CreateCommandQueue: %w", err)
	}
	defer comRelease(queue)

	var factory uintptr
	if err := callProc(procCreateDXGIFactory1,
		uintptr(unsafe.Pointer(&iidIDXGIFactory1)),
		uintptr(unsafe.Pointer(&factory)),
	); err != nil {
		return nil, err
	}
	defer comRelease(factory)

	desc := swapChainDesc(w.Handle(), true)
	var swap uintptr
	if _, err := comCall(factory, idxCreateSwapChain,
		queue,
		uintptr(unsafe.Pointer(&desc)),
		uintptr(unsafe.Pointer(&swap)),
	); err != nil {
		return nil, fmt.Errorf("IDXGIFactory::CreateSwapChain: %w", err)
	}
	defer comRelease(swap)

	sc, err := swapChainTarget(D3D12, swap)
	if err != nil {
		return nil, err
	}
	q, err := TargetOf(queue, D3D12CommandQueueTable)
	if err != nil {
		return nil, err
	}
	f, err := factoryTarget(factory)
	if err != nil {
		return nil, err
	}
	return &Detection{Kind: D3D12, Targets: []Target{sc, q, f}}, nil
}

// factoryTarget describes the factory table, including the IDXGIFactory2
// creation methods when the runtime has them.
func factoryTarget(factory uintptr) (Target, error) {
	var f2 uintptr
	if _, err := comCall(factory, idxQueryInterface,
		uintptr(unsafe.Pointer(&iidIDXGIFactory2)),
		uintptr(unsafe.Pointer(&f2)),
	); err != nil || f2 == 0 {
		return TargetOf(factory, DXGIFactoryTable)
	}
	defer comRelease(f2)
	return TargetOf(f2, DXGIFactory2Table)
}

func init() {
	Register(D3D12, func() Backend { return d3d12Backend{} })
}
