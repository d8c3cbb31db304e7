// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package backend

import "sync"

// Factory creates a Backend.
type Factory func() Backend

var (
	registryMu sync.RWMutex
	factories  = make(map[Kind]Factory)
	// Probe order: newest graphics API first, since newer runtimes expose
	// entry points that supersede the older ones. Audio is independent.
	priority = []Kind{D3D12, D3D11, D3D10, D3D9, CoreAudio}
)

// Register registers the factory for a single family. It is typically
// called from init functions. A later registration replaces an earlier one.
func Register(kind Kind, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[kind] = f
}

// Unregister removes a family. Useful for tests.
func Unregister(kind Kind) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, kind)
}

// Registered returns the registered families.
func Registered() Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var k Kind
	for kind := range factories {
		k |= kind
	}
	return k
}

// Priority returns the probe order.
func Priority() []Kind {
	return append([]Kind(nil), priority...)
}

// Ordered returns backends for the eligible families in probe order.
func Ordered(eligible Kind) []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var out []Backend
	for _, kind := range priority {
		if eligible&kind == 0 {
			continue
		}
		if f, ok := factories[kind]; ok {
			if b := f(); b != nil {
				out = append(out, b)
			}
		}
	}
	return out
}
