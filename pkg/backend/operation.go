// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package backend

import "fmt"

// Operation is an interceptable native operation.
type Operation int

const (
	OpPresent Operation = iota
	OpReset
	OpEndScene
	OpPresentEx
	OpResetEx
	OpResizeTarget
	OpResizeBuffers
	OpExecuteCommandLists
	OpGetBuffer
	OpReleaseBuffer
	OpRelease
	OpCreateSwapChain
	OpCreateSwapChainForHwnd
	OpCreateSwapChainForCoreWindow
	OpCreateSwapChainForComposition

	numOperations
)

// NumOperations is the number of Operation values.
const NumOperations = int(numOperations)

var opNames = [...]string{
	OpPresent:             "Present",
	OpReset:               "Reset",
	OpEndScene:            "EndScene",
	OpPresentEx:           "PresentEx",
	OpResetEx:             "ResetEx",
	OpResizeTarget:        "ResizeTarget",
	OpResizeBuffers:       "ResizeBuffers",
	OpExecuteCommandLists: "ExecuteCommandLists",
	OpGetBuffer:           "GetBuffer",
	OpReleaseBuffer:       "ReleaseBuffer",
	OpRelease:             "Release",

	OpCreateSwapChain:               "CreateSwapChain",
	OpCreateSwapChainForHwnd:        "CreateSwapChainForHwnd",
	OpCreateSwapChainForCoreWindow:  "CreateSwapChainForCoreWindow",
	OpCreateSwapChainForComposition: "CreateSwapChainForComposition",
}

func (o Operation) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}
