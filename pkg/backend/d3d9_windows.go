// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package backend

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	d3d9DLL = windows.NewLazySystemDLL("d3d9.dll")

	procDirect3DCreate9   = d3d9DLL.NewProc("Direct3DCreate9")
	procDirect3DCreate9Ex = d3d9DLL.NewProc("Direct3DCreate9Ex")
)

const (
	d3dSDKVersion                     = 32
	d3dAdapterDefault                 = 0
	d3dDevTypeHAL                     = 1
	d3dCreateSoftwareVertexProcessing = 0x20
	d3dSwapEffectDiscard              = 1

	// IDirect3D9 / IDirect3D9Ex
	idxCreateDevice   = 16
	idxCreateDeviceEx = 20
)

type d3dPresentParameters struct {
	BackBufferWidth           uint32
	BackBufferHeight          uint32
	BackBufferFormat          uint32
	BackBufferCount           uint32
	MultiSampleType           uint32
	MultiSampleQuality        uint32
	SwapEffect                uint32
	DeviceWindow              uintptr
	Windowed                  int32
	EnableAutoDepthStencil    int32
	AutoDepthStencilFormat    uint32
	Flags                     uint32
	FullScreenRefreshRateInHz uint32
	PresentationInterval      uint32
}

type d3d9Backend struct{}

func (d3d9Backend) Kind() Kind        { return D3D9 }
func (d3d9Backend) Name() string      { return "direct3d9" }
func (d3d9Backend) Loaded() bool      { return moduleLoaded("d3d9.dll") }
func (d3d9Backend) NeedsWindow() bool { return true }

// Probe prefers an IDirect3DDevice9Ex, whose table also carries PresentEx
// and ResetEx, and falls back to a plain device.
func (d3d9Backend) Probe(_ context.Context, w Window) (*Detection, error) {
	pp := d3dPresentParameters{
		SwapEffect:   d3dSwapEffectDiscard,
		DeviceWindow: w.Handle(),
		Windowed:     1,
	}

	if procDirect3DCreate9Ex.Find() == nil {
		if t, err := probeD3D9Ex(w.Handle(), &pp); err == nil {
			return &Detection{Kind: D3D9, Targets: []Target{t}}, nil
		}
	}

	if err := procDirect3DCreate9.Find(); err != nil {
		return nil, err
	}
	d3d, _, _ := procDirect3DCreate9.Call(d3dSDKVersion)
	if d3d == 0 {
		return nil, errors.New("Direct3DCreate9 returned nil")
	}
	defer comRelease(d3d)

	var device uintptr
	if _, err := comCall(d3d, idxCreateDevice,
		d3dAdapterDefault, d3dDevTypeHAL, w.Handle(), d3dCreateSoftwareVertexProcessing,
		uintptr(unsafe.Pointer(&pp)), uintptr(unsafe.Pointer(&device)),
	); err != nil {
		return nil, fmt.Errorf("IDirect3D9::CreateDevice: %w", err)
	}
	defer comRelease(device)

	t, err := TargetOf(device, D3D9DeviceTable)
	if err != nil {
		return nil, err
	}
	return &Detection{Kind: D3D9, Targets: []Target{t}}, nil
}

func probeD3D9Ex(hwnd uintptr, pp *d3dPresentParameters) (Target, error) {
	var d3d uintptr
	if err := callProc(procDirect3DCreate9Ex, d3dSDKVersion, uintptr(unsafe.Pointer(&d3d))); err != nil {
		return Target{}, err
	}
	defer comRelease(d3d)

	var device uintptr
	if _, err := comCall(d3d, idxCreateDeviceEx,
		d3dAdapterDefault, d3dDevTypeHAL, hwnd, d3dCreateSoftwareVertexProcessing,
		uintptr(unsafe.Pointer(pp)), 0, uintptr(unsafe.Pointer(&device)),
	); err != nil {
		return Target{}, fmt.Errorf("IDirect3D9Ex::CreateDeviceEx: %w", err)
	}
	defer comRelease(device)

	return TargetOf(device, D3D9ExDeviceTable)
}

func init() {
	Register(D3D9, func() Backend { return d3d9Backend{} })
}
