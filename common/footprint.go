// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"fmt"
	"slices"
	"strings"
)

// MemoryFootprintProvider is implemented by all components reporting their
// memory usage.
type MemoryFootprintProvider interface {
	GetMemoryFootprint() *MemoryFootprint
}

// MemoryFootprint describes the memory consumption of a component as a tree
// of sub-components.
type MemoryFootprint struct {
	value    uintptr
	children map[string]*MemoryFootprint
	note     string
}

// NewMemoryFootprint creates a footprint node for a component owning the
// given number of bytes, excluding its sub-components.
func NewMemoryFootprint(value uintptr) *MemoryFootprint {
	return &MemoryFootprint{
		value:    value,
		children: map[string]*MemoryFootprint{},
	}
}

// AddChild attaches the footprint of a named sub-component.
func (mf *MemoryFootprint) AddChild(name string, child *MemoryFootprint) {
	mf.children[name] = child
}

// GetChild returns the footprint of a named sub-component, nil if unknown.
func (mf *MemoryFootprint) GetChild(name string) *MemoryFootprint {
	return mf.children[name]
}

// SetNote attaches a free-form note, e.g. the number of items, printed with
// this node.
func (mf *MemoryFootprint) SetNote(note string) {
	mf.note = note
}

// Value is the number of bytes owned by this node alone.
func (mf *MemoryFootprint) Value() uintptr {
	return mf.value
}

// Total is the number of bytes owned by this node and all sub-components.
// Shared sub-components are only counted once.
func (mf *MemoryFootprint) Total() uintptr {
	return mf.total(map[*MemoryFootprint]struct{}{})
}

func (mf *MemoryFootprint) total(seen map[*MemoryFootprint]struct{}) uintptr {
	if _, found := seen[mf]; found {
		return 0
	}
	seen[mf] = struct{}{}
	res := mf.value
	for _, child := range mf.children {
		res += child.total(seen)
	}
	return res
}

func (mf *MemoryFootprint) String() string {
	var sb strings.Builder
	mf.print(&sb, ".")
	return sb.String()
}

func (mf *MemoryFootprint) print(sb *strings.Builder, path string) {
	sb.WriteString(formatBytes(mf.Total()))
	sb.WriteRune(' ')
	sb.WriteString(path)
	if mf.note != "" {
		sb.WriteRune(' ')
		sb.WriteString(mf.note)
	}
	sb.WriteRune('\n')
	names := make([]string, 0, len(mf.children))
	for name := range mf.children {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		mf.children[name].print(sb, path+"/"+name)
	}
}

func formatBytes(bytes uintptr) string {
	const unit = 1024
	const prefixes = "KMGTPE"
	div, exp := uint64(unit), 0
	for n := uint64(bytes) / unit; n >= unit && exp+1 < len(prefixes); n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), prefixes[exp])
}
