// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"sync/atomic"

	"github.com/mbeema/hydrahook/pkg/backend"
	"github.com/mbeema/hydrahook/pkg/hook"
)

// Extension accompanies a single intercepted call.
type Extension struct {
	Engine *Engine
	// Context is the engine's custom context block at the time of the call,
	// nil if none is allocated.
	Context []byte
	// Object is the one-time setup state of the native object the call was
	// made on. It is reset when the host recreates the object.
	Object *hook.ObjectState
	// Result is the HRESULT returned by the original call. It is only set
	// for post callbacks.
	Result int32
}

// Direct3D 9 callback signatures. Pointer arguments are native addresses
// and may be written through.
type (
	D3D9PresentFunc   func(device, srcRect, dstRect, destWindowOverride, dirtyRegion uintptr, ext *Extension)
	D3D9ResetFunc     func(device, presentParams uintptr, ext *Extension)
	D3D9EndSceneFunc  func(device uintptr, ext *Extension)
	D3D9PresentExFunc func(device, srcRect, dstRect, destWindowOverride, dirtyRegion uintptr, flags uint32, ext *Extension)
	D3D9ResetExFunc   func(device, presentParams, fullscreenMode uintptr, ext *Extension)
)

// D3D9Callbacks is the callback set of the Direct3D 9 family. Nil entries
// are not invoked.
type D3D9Callbacks struct {
	PrePresent    D3D9PresentFunc
	PostPresent   D3D9PresentFunc
	PreReset      D3D9ResetFunc
	PostReset     D3D9ResetFunc
	PreEndScene   D3D9EndSceneFunc
	PostEndScene  D3D9EndSceneFunc
	PrePresentEx  D3D9PresentExFunc
	PostPresentEx D3D9PresentExFunc
	PreResetEx    D3D9ResetExFunc
	PostResetEx   D3D9ResetExFunc
}

// DXGI swap chain callback signatures, shared by Direct3D 10, 11 and 12.
type (
	PresentFunc       func(swapChain uintptr, syncInterval, flags uint32, ext *Extension)
	ResizeTargetFunc  func(swapChain, newTargetParams uintptr, ext *Extension)
	ResizeBuffersFunc func(swapChain uintptr, bufferCount, width, height, newFormat, swapChainFlags uint32, ext *Extension)
)

// SwapChainCallbacks is the callback set of a DXGI family.
type SwapChainCallbacks struct {
	PrePresent        PresentFunc
	PostPresent       PresentFunc
	PreResizeTarget   ResizeTargetFunc
	PostResizeTarget  ResizeTargetFunc
	PreResizeBuffers  ResizeBuffersFunc
	PostResizeBuffers ResizeBuffersFunc
}

// Per-family DXGI callback sets.
type (
	D3D10Callbacks SwapChainCallbacks
	D3D11Callbacks SwapChainCallbacks
	D3D12Callbacks SwapChainCallbacks
)

// Core Audio render client callback signatures.
type (
	GetBufferFunc     func(client uintptr, framesRequested uint32, data uintptr, ext *Extension)
	ReleaseBufferFunc func(client uintptr, framesWritten, flags uint32, ext *Extension)
)

// ARCCallbacks is the callback set of the audio render client.
type ARCCallbacks struct {
	PreGetBuffer      GetBufferFunc
	PostGetBuffer     GetBufferFunc
	PreReleaseBuffer  ReleaseBufferFunc
	PostReleaseBuffer ReleaseBufferFunc
}

// registry holds the current callback set of every family. Each set is
// replaced with a single pointer store, so a call in progress sees either
// the old or the new set in full.
type registry struct {
	d3d9  atomic.Pointer[D3D9Callbacks]
	dxgi  [3]atomic.Pointer[SwapChainCallbacks] // D3D10, D3D11, D3D12
	audio atomic.Pointer[ARCCallbacks]
}

func dxgiIndex(family backend.Kind) int {
	switch family {
	case backend.D3D10:
		return 0
	case backend.D3D11:
		return 1
	case backend.D3D12:
		return 2
	}
	return -1
}

func (r *registry) swapChain(family backend.Kind) *SwapChainCallbacks {
	if i := dxgiIndex(family); i >= 0 {
		return r.dxgi[i].Load()
	}
	return nil
}

// SetD3D9Callbacks replaces the Direct3D 9 callback set.
func (e *Engine) SetD3D9Callbacks(cb D3D9Callbacks) {
	if e == nil {
		return
	}
	e.callbacks.d3d9.Store(&cb)
}

// SetD3D10Callbacks replaces the Direct3D 10 callback set.
func (e *Engine) SetD3D10Callbacks(cb D3D10Callbacks) {
	e.setSwapChain(backend.D3D10, SwapChainCallbacks(cb))
}

// SetD3D11Callbacks replaces the Direct3D 11 callback set.
func (e *Engine) SetD3D11Callbacks(cb D3D11Callbacks) {
	e.setSwapChain(backend.D3D11, SwapChainCallbacks(cb))
}

// SetD3D12Callbacks replaces the Direct3D 12 callback set.
func (e *Engine) SetD3D12Callbacks(cb D3D12Callbacks) {
	e.setSwapChain(backend.D3D12, SwapChainCallbacks(cb))
}

func (e *Engine) setSwapChain(family backend.Kind, cb SwapChainCallbacks) {
	if e == nil {
		return
	}
	e.callbacks.dxgi[dxgiIndex(family)].Store(&cb)
}

// SetARCCallbacks replaces the audio render client callback set.
func (e *Engine) SetARCCallbacks(cb ARCCallbacks) {
	if e == nil {
		return
	}
	e.callbacks.audio.Store(&cb)
}
