// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package backend

import "strings"

// Kind is a set of backend families. The graphics families are mutually
// exclusive for a bound engine; CoreAudio may accompany any of them.
type Kind uint32

const (
	Unknown   Kind = 0
	D3D9      Kind = 1 << 0
	D3D10     Kind = 1 << 1
	D3D11     Kind = 1 << 2
	D3D12     Kind = 1 << 3
	CoreAudio Kind = 1 << 4

	Graphics = D3D9 | D3D10 | D3D11 | D3D12
	All      = Graphics | CoreAudio
)

var kindNames = []struct {
	k    Kind
	name string
}{
	{D3D9, "Direct3D9"},
	{D3D10, "Direct3D10"},
	{D3D11, "Direct3D11"},
	{D3D12, "Direct3D12"},
	{CoreAudio, "CoreAudio"},
}

func (k Kind) String() string {
	if k == Unknown {
		return "Unknown"
	}
	var parts []string
	for _, n := range kindNames {
		if k&n.k != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := k &^ All; rest != 0 {
		parts = append(parts, "Invalid")
	}
	return strings.Join(parts, "|")
}

// Has reports whether k contains every family in f.
func (k Kind) Has(f Kind) bool { return f != 0 && k&f == f }

// Graphics returns the graphics families in k.
func (k Kind) Graphics() Kind { return k & Graphics }

// Families splits k into single families, in declaration order.
func (k Kind) Families() []Kind {
	var out []Kind
	for _, n := range kindNames {
		if k&n.k != 0 {
			out = append(out, n.k)
		}
	}
	return out
}

// ParseKind maps a family name such as "direct3d11", "d3d11" or
// "core_audio" to its Kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "d3d9", "direct3d9":
		return D3D9, true
	case "d3d10", "direct3d10":
		return D3D10, true
	case "d3d11", "direct3d11":
		return D3D11, true
	case "d3d12", "direct3d12":
		return D3D12, true
	case "coreaudio", "core_audio", "audio":
		return CoreAudio, true
	}
	return Unknown, false
}
