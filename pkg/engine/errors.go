// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"errors"
	"fmt"
)

// Error is an engine result code. The numeric values are stable and may be
// handed across a native boundary unchanged.
type Error uint32

const (
	ErrorNone                   Error = 0x20000000
	ErrInvalidEngineHandle      Error = 0xE0000001
	ErrCreateThreadFailed       Error = 0xE0000002
	ErrEngineAllocationFailed   Error = 0xE0000003
	ErrEngineAlreadyAllocated   Error = 0xE0000004
	ErrInvalidModuleHandle      Error = 0xE0000005
	ErrReferenceIncrementFailed Error = 0xE0000006
	ErrContextAllocationFailed  Error = 0xE0000007
	ErrCreateEventFailed        Error = 0xE0000008
)

// ErrDestroyFromEvent is returned, under ErrInvalidEngineHandle, when
// Destroy is called from the Hooked event. The worker running the event
// cannot wait for itself.
var ErrDestroyFromEvent = errors.New("engine: destroy called from the hooked event")

var errorNames = map[Error]string{
	ErrorNone:                   "none",
	ErrInvalidEngineHandle:      "invalid engine handle",
	ErrCreateThreadFailed:       "create thread failed",
	ErrEngineAllocationFailed:   "engine allocation failed",
	ErrEngineAlreadyAllocated:   "engine already allocated",
	ErrInvalidModuleHandle:      "invalid module handle",
	ErrReferenceIncrementFailed: "reference increment failed",
	ErrContextAllocationFailed:  "context allocation failed",
	ErrCreateEventFailed:        "create event failed",
}

func (e Error) Error() string {
	if name, ok := errorNames[e]; ok {
		return "engine: " + name
	}
	return fmt.Sprintf("engine: error %#08x", uint32(e))
}

// failure attaches the underlying cause to a code.
type failure struct {
	code  Error
	cause error
}

func (f *failure) Error() string   { return f.code.Error() + ": " + f.cause.Error() }
func (f *failure) Unwrap() []error { return []error{f.code, f.cause} }

func fail(code Error, cause error) error {
	if cause == nil {
		return code
	}
	return &failure{code: code, cause: cause}
}

// Code maps err to its result code. nil maps to ErrorNone; an error that
// carries no code maps to ErrEngineAllocationFailed.
func Code(err error) Error {
	if err == nil {
		return ErrorNone
	}
	var code Error
	if errors.As(err, &code) {
		return code
	}
	return ErrEngineAllocationFailed
}
