// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package trampoline describes native call signatures and the capability to
// create native-callable entry points that run Go handlers, and to call
// native function pointers back.
package trampoline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned when no native capability exists on the platform.
var ErrUnsupported = errors.New("trampoline: native calls unsupported")

// Kind is the native type of one argument or of the return value.
type Kind uint8

const (
	Pointer Kind = iota
	Uint32
	Int32
	Void
)

func (k Kind) String() string {
	switch k {
	case Pointer:
		return "ptr"
	case Uint32:
		return "u32"
	case Int32:
		return "i32"
	case Void:
		return "void"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Signature is a native calling signature. Args includes the receiver of
// an interface method as its first element.
type Signature struct {
	Return Kind
	Args   []Kind
}

// Sig builds a Signature.
func Sig(ret Kind, args ...Kind) Signature {
	return Signature{Return: ret, Args: args}
}

// Key returns a stable textual form, usable as a map key.
func (s Signature) Key() string {
	parts := make([]string, len(s.Args))
	for i, a := range s.Args {
		parts[i] = a.String()
	}
	return s.Return.String() + "(" + strings.Join(parts, ",") + ")"
}

// Handler receives the arguments of a native call widened to uintptr and
// returns the result. 32-bit values occupy the low bits.
type Handler func(args []uintptr) uintptr

// Native creates trampolines and performs calls through native pointers.
type Native interface {
	// NewTrampoline returns the address of a native-callable function with
	// signature sig that runs h. Trampolines are never freed.
	NewTrampoline(sig Signature, h Handler) (uintptr, error)
	// Call invokes the native function at fn.
	Call(fn uintptr, sig Signature, args []uintptr) uintptr
}

// Unsupported is the Native used where no implementation exists.
type Unsupported struct {
	Reason string
}

var _ Native = Unsupported{}

func (u Unsupported) NewTrampoline(Signature, Handler) (uintptr, error) {
	return 0, fmt.Errorf("%w: %s", ErrUnsupported, u.Reason)
}

func (u Unsupported) Call(uintptr, Signature, []uintptr) uintptr {
	return 0
}
