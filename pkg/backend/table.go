// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package backend

import (
	"fmt"

	"github.com/mbeema/hydrahook/pkg/trampoline"
)

// Interface names a COM interface whose dispatch table can be intercepted.
// A family may expose more than one.
type Interface string

const (
	IDirect3DDevice9   Interface = "IDirect3DDevice9"
	IDirect3DDevice9Ex Interface = "IDirect3DDevice9Ex"
	IDXGISwapChain     Interface = "IDXGISwapChain"
	ID3D12CommandQueue Interface = "ID3D12CommandQueue"
	IDXGIFactory       Interface = "IDXGIFactory"
	IDXGIFactory2      Interface = "IDXGIFactory2"
	IAudioRenderClient Interface = "IAudioRenderClient"
)

// SlotDef is one interceptable entry of a dispatch table.
type SlotDef struct {
	Op    Operation
	Index int
	Sig   trampoline.Signature
	// Internal slots are intercepted for the engine's own bookkeeping and
	// have no user callbacks.
	Internal bool
}

// TableDef is the dispatch table of one interface: its size and the slots
// eligible for interception, in order.
type TableDef struct {
	Family    Kind
	Interface Interface
	Size      int
	Slots     []SlotDef
}

// Slot returns the definition for op.
func (d TableDef) Slot(op Operation) (SlotDef, bool) {
	for _, s := range d.Slots {
		if s.Op == op {
			return s, true
		}
	}
	return SlotDef{}, false
}

// Validate checks that every slot fits in the table and appears once. Only
// internal slots may sit in the IUnknown range 0-2.
func (d TableDef) Validate() error {
	if d.Size <= 0 {
		return fmt.Errorf("%s: table size %d", d.Interface, d.Size)
	}
	seen := make(map[int]bool)
	ops := make(map[Operation]bool)
	for _, s := range d.Slots {
		lo := 3
		if s.Internal {
			lo = 0
		}
		if s.Index < lo || s.Index >= d.Size {
			return fmt.Errorf("%s: %s slot %d outside [%d,%d)", d.Interface, s.Op, s.Index, lo, d.Size)
		}
		if seen[s.Index] || ops[s.Op] {
			return fmt.Errorf("%s: %s slot %d defined twice", d.Interface, s.Op, s.Index)
		}
		seen[s.Index] = true
		ops[s.Op] = true
	}
	return nil
}

const (
	ptr = trampoline.Pointer
	u32 = trampoline.Uint32
	hr  = trampoline.Int32
)

// release is IUnknown::Release. It is intercepted on every table to learn
// when the host destroys an object; it returns the remaining reference
// count.
var release = SlotDef{Op: OpRelease, Index: 2, Sig: trampoline.Sig(u32, ptr), Internal: true}

// Direct3D 9 device. Slot numbers follow the COM layout: IUnknown occupies
// 0-2.
var (
	d3d9Present  = SlotDef{Op: OpPresent, Index: 17, Sig: trampoline.Sig(hr, ptr, ptr, ptr, ptr, ptr)}
	d3d9Reset    = SlotDef{Op: OpReset, Index: 16, Sig: trampoline.Sig(hr, ptr, ptr)}
	d3d9EndScene = SlotDef{Op: OpEndScene, Index: 42, Sig: trampoline.Sig(hr, ptr)}

	D3D9DeviceTable = TableDef{
		Family:    D3D9,
		Interface: IDirect3DDevice9,
		Size:      119,
		Slots:     []SlotDef{d3d9Present, d3d9Reset, d3d9EndScene, release},
	}

	D3D9ExDeviceTable = TableDef{
		Family:    D3D9,
		Interface: IDirect3DDevice9Ex,
		Size:      134,
		Slots: []SlotDef{
			d3d9Present, d3d9Reset, d3d9EndScene, release,
			{Op: OpPresentEx, Index: 121, Sig: trampoline.Sig(hr, ptr, ptr, ptr, ptr, ptr, u32)},
			{Op: OpResetEx, Index: 132, Sig: trampoline.Sig(hr, ptr, ptr, ptr)},
		},
	}
)

// SwapChainTable returns the IDXGISwapChain table as used by a DXGI family.
func SwapChainTable(family Kind) TableDef {
	return TableDef{
		Family:    family,
		Interface: IDXGISwapChain,
		Size:      18,
		Slots: []SlotDef{
			{Op: OpPresent, Index: 8, Sig: trampoline.Sig(hr, ptr, u32, u32)},
			{Op: OpResizeBuffers, Index: 13, Sig: trampoline.Sig(hr, ptr, u32, u32, u32, u32, u32)},
			{Op: OpResizeTarget, Index: 14, Sig: trampoline.Sig(hr, ptr, ptr)},
			release,
		},
	}
}

// D3D12CommandQueueTable is intercepted to learn which queue the host
// submits to. It has no user callbacks.
var D3D12CommandQueueTable = TableDef{
	Family:    D3D12,
	Interface: ID3D12CommandQueue,
	Size:      19,
	Slots: []SlotDef{
		{Op: OpExecuteCommandLists, Index: 10, Sig: trampoline.Sig(trampoline.Void, ptr, u32, ptr), Internal: true},
		release,
	},
}

// ID3D12CommandQueue::GetDesc returns its 16-byte descriptor through a
// hidden out pointer passed after the receiver. Type is the first field.
const (
	QueueGetDescIndex = 18
	QueueTypeDirect   = 0
)

var QueueGetDescSig = trampoline.Sig(ptr, ptr, ptr)

// DXGI factory swap chain creation. For Direct3D 12 the device argument is
// the command queue the swap chain presents on. The swap chain comes back
// through the last argument.
var (
	createSwapChain = SlotDef{Op: OpCreateSwapChain, Index: 10, Sig: trampoline.Sig(hr, ptr, ptr, ptr, ptr), Internal: true}

	// DXGIFactoryTable covers runtimes without IDXGIFactory2.
	DXGIFactoryTable = TableDef{
		Family:    D3D12,
		Interface: IDXGIFactory,
		Size:      14,
		Slots:     []SlotDef{createSwapChain},
	}

	DXGIFactory2Table = TableDef{
		Family:    D3D12,
		Interface: IDXGIFactory2,
		Size:      25,
		Slots: []SlotDef{
			createSwapChain,
			{Op: OpCreateSwapChainForHwnd, Index: 15, Sig: trampoline.Sig(hr, ptr, ptr, ptr, ptr, ptr, ptr, ptr), Internal: true},
			{Op: OpCreateSwapChainForCoreWindow, Index: 16, Sig: trampoline.Sig(hr, ptr, ptr, ptr, ptr, ptr, ptr), Internal: true},
			{Op: OpCreateSwapChainForComposition, Index: 24, Sig: trampoline.Sig(hr, ptr, ptr, ptr, ptr, ptr), Internal: true},
		},
	}
)

// AudioRenderClientTable is the Core Audio render client.
var AudioRenderClientTable = TableDef{
	Family:    CoreAudio,
	Interface: IAudioRenderClient,
	Size:      5,
	Slots: []SlotDef{
		{Op: OpGetBuffer, Index: 3, Sig: trampoline.Sig(hr, ptr, u32, ptr)},
		{Op: OpReleaseBuffer, Index: 4, Sig: trampoline.Sig(hr, ptr, u32, u32)},
		release,
	},
}
