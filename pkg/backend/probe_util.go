// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package backend

import (
	"fmt"

	"github.com/mbeema/hydrahook/pkg/vtable"
)

// vtableOf resolves the dispatch table of obj as described by def.
func vtableOf(obj uintptr, def TableDef) (vtable.Table, error) {
	if err := def.Validate(); err != nil {
		return vtable.Table{}, err
	}
	t, err := vtable.FromObject(obj, def.Size)
	if err != nil {
		return vtable.Table{}, fmt.Errorf("%s: %w", def.Interface, err)
	}
	return t, nil
}

// TargetOf returns the Target that def describes on obj.
func TargetOf(obj uintptr, def TableDef) (Target, error) {
	t, err := vtableOf(obj, def)
	if err != nil {
		return Target{}, err
	}
	return Target{Def: def, Table: t}, nil
}
