// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package backend

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")

	procRegisterClassExW = user32.NewProc("RegisterClassExW")
	procCreateWindowExW  = user32.NewProc("CreateWindowExW")
	procDestroyWindow    = user32.NewProc("DestroyWindow")
	procDefWindowProcW   = user32.NewProc("DefWindowProcW")
)

const wsOverlappedWindow = 0x00CF0000

type wndClassEx struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   windows.Handle
	Icon       windows.Handle
	Cursor     windows.Handle
	Background windows.Handle
	MenuName   *uint16
	ClassName  *uint16
	IconSm     windows.Handle
}

var (
	classMu  sync.Mutex
	classes  = make(map[string]*uint16)
	instance windows.Handle
	instOnce sync.Once
	instErr  error
)

func moduleInstance() (windows.Handle, error) {
	instOnce.Do(func() {
		instErr = windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, nil, &instance)
	})
	return instance, instErr
}

func registerClass(name string) (*uint16, error) {
	classMu.Lock()
	defer classMu.Unlock()
	if p, ok := classes[name]; ok {
		return p, nil
	}

	if err := procDefWindowProcW.Find(); err != nil {
		return nil, err
	}
	inst, err := moduleInstance()
	if err != nil {
		return nil, fmt.Errorf("module instance: %w", err)
	}
	cls, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	wc := wndClassEx{
		WndProc:   procDefWindowProcW.Addr(),
		Instance:  inst,
		ClassName: cls,
	}
	wc.Size = uint32(unsafe.Sizeof(wc))
	if atom, _, err := procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc))); atom == 0 {
		return nil, fmt.Errorf("RegisterClassExW %q: %w", name, err)
	}
	classes[name] = cls
	return cls, nil
}

// probeWindow is a hidden window owned by the thread that created it. The
// goroutine stays locked to that thread until Close.
type probeWindow struct {
	hwnd uintptr
	once sync.Once
}

func (w *probeWindow) Handle() uintptr { return w.hwnd }

func (w *probeWindow) Close() error {
	var err error
	w.once.Do(func() {
		if r, _, e := procDestroyWindow.Call(w.hwnd); r == 0 {
			err = fmt.Errorf("DestroyWindow: %w", e)
		}
		runtime.UnlockOSThread()
	})
	return err
}

// NewWindowFactory returns a factory of hidden probe windows of the given
// window class.
func NewWindowFactory(className string) WindowFactory {
	return func() (Window, error) {
		cls, err := registerClass(className)
		if err != nil {
			return nil, err
		}
		inst, _ := moduleInstance()

		runtime.LockOSThread()
		hwnd, _, e := procCreateWindowExW.Call(
			0,
			uintptr(unsafe.Pointer(cls)),
			uintptr(unsafe.Pointer(cls)),
			wsOverlappedWindow,
			0, 0, 100, 100,
			0, 0,
			uintptr(inst),
			0,
		)
		if hwnd == 0 {
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("CreateWindowExW: %w", e)
		}
		return &probeWindow{hwnd: hwnd}, nil
	}
}
