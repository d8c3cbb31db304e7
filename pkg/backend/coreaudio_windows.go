// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package backend

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	ole32DLL = windows.NewLazySystemDLL("ole32.dll")

	procCoCreateInstance = ole32DLL.NewProc("CoCreateInstance")
)

const (
	clsctxAll          = 0x17
	eRender            = 0
	eConsole           = 0
	audclntShareShared = 0
	hnsBufferDuration  = 10000000
	rpcEChangedMode    = windows.Errno(0x80010106)
	sFalse             = windows.Errno(1)

	// IMMDeviceEnumerator
	idxGetDefaultAudioEndpoint = 4
	// IMMDevice
	idxActivate = 3
	// IAudioClient
	idxInitialize   = 3
	idxGetMixFormat = 8
	idxGetService   = 14
)

var (
	clsidMMDeviceEnumerator = windows.GUID{Data1: 0xBCDE0395, Data2: 0xE52F, Data3: 0x467C, Data4: [8]byte{0x8E, 0x3D, 0xC4, 0x57, 0x92, 0x91, 0x69, 0x2E}}
	iidIMMDeviceEnumerator  = windows.GUID{Data1: 0xA95664D2, Data2: 0x9614, Data3: 0x4F35, Data4: [8]byte{0xA7, 0x46, 0xDE, 0x8D, 0xB6, 0x36, 0x17, 0xE6}}
	iidIAudioClient         = windows.GUID{Data1: 0x1CB9AD4C, Data2: 0xDBFA, Data3: 0x4C32, Data4: [8]byte{0xB1, 0x78, 0xC2, 0xF5, 0x68, 0xA7, 0x03, 0xB2}}
	iidIAudioRenderClient   = windows.GUID{Data1: 0xF294ACFC, Data2: 0x3146, Data3: 0x4483, Data4: [8]byte{0xA7, 0xBF, 0xAD, 0xDC, 0xA7, 0xC2, 0x60, 0xE2}}
)

type coreAudioBackend struct{}

func (coreAudioBackend) Kind() Kind        { return CoreAudio }
func (coreAudioBackend) Name() string      { return "coreaudio" }
func (coreAudioBackend) Loaded() bool      { return moduleLoaded("audioses.dll", "mmdevapi.dll") }
func (coreAudioBackend) NeedsWindow() bool { return false }

// Probe opens a shared-mode client on the default render endpoint and
// returns its IAudioRenderClient table.
func (coreAudioBackend) Probe(_ context.Context, _ Window) (*Detection, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := windows.CoInitializeEx(0, windows.COINIT_MULTITHREADED)
	switch {
	case err == nil, errors.Is(err, sFalse):
		defer windows.CoUninitialize()
	case errors.Is(err, rpcEChangedMode):
		// The thread already has an apartment; COM is usable as is.
	default:
		return nil, fmt.Errorf("CoInitializeEx: %w", err)
	}

	var enumerator uintptr
	if err := callProc(procCoCreateInstance,
		uintptr(unsafe.Pointer(&clsidMMDeviceEnumerator)), 0, clsctxAll,
		uintptr(unsafe.Pointer(&iidIMMDeviceEnumerator)),
		uintptr(unsafe.Pointer(&enumerator)),
	); err != nil {
		return nil, err
	}
	defer comRelease(enumerator)

	var device uintptr
	if _, err := comCall(enumerator, idxGetDefaultAudioEndpoint, eRender, eConsole, uintptr(unsafe.Pointer(&device))); err != nil {
		return nil, fmt.Errorf("GetDefaultAudioEndpoint: %w", err)
	}
	defer comRelease(device)

	var client uintptr
	if _, err := comCall(device, idxActivate,
		uintptr(unsafe.Pointer(&iidIAudioClient)), clsctxAll, 0,
		uintptr(unsafe.Pointer(&client)),
	); err != nil {
		return nil, fmt.Errorf("IMMDevice::Activate: %w", err)
	}
	defer comRelease(client)

	var format uintptr
	if _, err := comCall(client, idxGetMixFormat, uintptr(unsafe.Pointer(&format))); err != nil {
		return nil, fmt.Errorf("IAudioClient::GetMixFormat: %w", err)
	}
	defer windows.CoTaskMemFree(unsafe.Pointer(format))

	if _, err := comCall(client, idxInitialize,
		audclntShareShared, 0, hnsBufferDuration, 0, format, 0,
	); err != nil {
		return nil, fmt.Errorf("IAudioClient::Initialize: %w", err)
	}

	var render uintptr
	if _, err := comCall(client, idxGetService,
		uintptr(unsafe.Pointer(&iidIAudioRenderClient)),
		uintptr(unsafe.Pointer(&render)),
	); err != nil {
		return nil, fmt.Errorf("IAudioClient::GetService: %w", err)
	}
	defer comRelease(render)

	t, err := TargetOf(render, AudioRenderClientTable)
	if err != nil {
		return nil, err
	}
	return &Detection{Kind: CoreAudio, Targets: []Target{t}}, nil
}

func init() {
	Register(CoreAudio, func() Backend { return coreAudioBackend{} })
}
