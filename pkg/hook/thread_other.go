// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows && !linux

package hook

// Without a thread id, reentrant calls run their handlers again.
func currentThread() (uint64, bool) {
	return 0, false
}
