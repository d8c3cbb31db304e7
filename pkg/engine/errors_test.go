// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorValues(t *testing.T) {
	tests := []struct {
		err  Error
		want uint32
	}{
		{ErrorNone, 0x20000000},
		{ErrInvalidEngineHandle, 0xE0000001},
		{ErrCreateThreadFailed, 0xE0000002},
		{ErrEngineAllocationFailed, 0xE0000003},
		{ErrEngineAlreadyAllocated, 0xE0000004},
		{ErrInvalidModuleHandle, 0xE0000005},
		{ErrReferenceIncrementFailed, 0xE0000006},
		{ErrContextAllocationFailed, 0xE0000007},
		{ErrCreateEventFailed, 0xE0000008},
	}
	for _, tt := range tests {
		if uint32(tt.err) != tt.want {
			t.Errorf("%v = %#x, want %#x", tt.err, uint32(tt.err), tt.want)
		}
		if Code(tt.err) != tt.err {
			t.Errorf("Code(%v) = %v", tt.err, Code(tt.err))
		}
	}
}

func TestCodeUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("create: %w", fail(ErrContextAllocationFailed, cause))

	if Code(err) != ErrContextAllocationFailed {
		t.Errorf("Code = %v", Code(err))
	}
	if !errors.Is(err, cause) || !errors.Is(err, ErrContextAllocationFailed) {
		t.Error("errors.Is does not reach both code and cause")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("message %q lost the cause", err.Error())
	}
	if Code(nil) != ErrorNone {
		t.Errorf("Code(nil) = %v", Code(nil))
	}
	if fail(ErrCreateEventFailed, nil) != ErrCreateEventFailed {
		t.Error("fail with nil cause should return the bare code")
	}
}

func TestErrorString(t *testing.T) {
	if got := ErrEngineAlreadyAllocated.Error(); got != "engine: engine already allocated" {
		t.Errorf("Error() = %q", got)
	}
	if got := Error(0xE00000FF).Error(); !strings.Contains(got, "0xe00000ff") {
		t.Errorf("unknown code = %q", got)
	}
}
