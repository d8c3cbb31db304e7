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
	d3d10DLL = windows.NewLazySystemDLL("d3d10.dll")

	procD3D10CreateDeviceAndSwapChain = d3d10DLL.NewProc("D3D10CreateDeviceAndSwapChain")
)

const (
	d3d10DriverTypeHardware = 0
	d3d10SDKVersion         = 29
)

type d3d10Backend struct{}

func (d3d10Backend) Kind() Kind        { return D3D10 }
func (d3d10Backend) Name() string      { return "direct3d10" }
func (d3d10Backend) Loaded() bool      { return moduleLoaded("d3d10.dll", "d3d10_1.dll") }
func (d3d10Backend) NeedsWindow() bool { return true }

func (d3d10Backend) Probe(_ context.Context, w Window) (*Detection, error) {
	desc := swapChainDesc(w.Handle(), false)
	var swap, device uintptr
	if err := callProc(procD3D10CreateDeviceAndSwapChain,
		0, d3d10DriverTypeHardware, 0, 0, d3d10SDKVersion,
		uintptr(unsafe.Pointer(&desc)),
		uintptr(unsafe.Pointer(&swap)),
		uintptr(unsafe.Pointer(&device)),
	); err != nil {
		return nil, err
	}
	defer comRelease(device)
	defer comRelease(swap)

	t, err := swapChainTarget(D3D10, swap)
	if err != nil {
		return nil, err
	}
	return &Detection{Kind: D3D10, Targets: []Target{t}}, nil
}

func init() {
	Register(D3D10, func() Backend { return d3d10Backend{} })
}
