// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/mbeema/hydrahook/pkg/trampoline"
	"github.com/mbeema/hydrahook/pkg/trampoline/libffi"
)

func defaultNative() (trampoline.Native, bool) {
	return libffi.New(), true
}

// defaultPinner takes a reference on the module containing the host
// address, so patched slots never point into an unloaded image.
type defaultPinner struct{}

func (defaultPinner) Pin(host Module) (func() error, error) {
	var h windows.Handle
	err := windows.GetModuleHandleEx(
		windows.GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS,
		(*uint16)(unsafe.Pointer(uintptr(host))),
		&h,
	)
	if err != nil {
		return nil, fmt.Errorf("pin module %#x: %w", uintptr(host), err)
	}
	return func() error { return windows.FreeLibrary(h) }, nil
}
