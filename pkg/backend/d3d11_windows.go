// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package backend

import (
	"context"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	d3d11DLL = windows.NewLazySystemDLL("d3d11.dll")

	procD3D11CreateDeviceAndSwapChain = d3d11DLL.NewProc("D3D11CreateDeviceAndSwapChain")
)

const (
	d3dDriverTypeHardware = 1
	d3d11SDKVersion       = 7
)

type d3d11Backend struct{}

func (d3d11Backend) Kind() Kind        { return D3D11 }
func (d3d11Backend) Name() string      { return "direct3d11" }
func (d3d11Backend) Loaded() bool      { return moduleLoaded("d3d11.dll") }
func (d3d11Backend) NeedsWindow() bool { return true }

func (d3d11Backend) Probe(_ context.Context, w Window) (*Detection, error) {
	desc := swapChainDesc(w.Handle(), false)
	var swap, device, immediate uintptr
	var level uint32
	if err := callProc(procD3D11CreateDeviceAndSwapChain,
		0, d3dDriverTypeHardware, 0, 0,
		0, 0, d3d11SDKVersion,
		uintptr(unsafe.Pointer(&desc)),
		uintptr(unsafe.Pointer(&swap)),
		uintptr(unsafe.Pointer(&device)),
		uintptr(unsafe.Pointer(&level)),
		uintptr(unsafe.Pointer(&immediate)),
	); err != nil {
		return nil, err
	}
	defer comRelease(device)
	defer comRelease(immediate)
	defer comRelease(swap)

	t, err := swapChainTarget(D3D11, swap)
	if err != nil {
		return nil, err
	}
	return &Detection{Kind: D3D11, Targets: []Target{t}}, nil
}

func init() {
	Register(D3D11, func() Backend { return d3d11Backend{} })
}
