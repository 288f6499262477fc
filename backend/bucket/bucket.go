// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package bucket

import (
	"encoding/binary"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/common"
	"golang.org/x/exp/constraints"
)

//go:generate mockgen -source bucket.go -destination bucket_mocks.go -package bucket -exclude_interfaces Index

// Store is a slab of fixed-size serialized values, each addressed by a cell
// ID controlled by the store. It hosts the cold tier of one index shard:
// entries evicted from memory are written to cells and read back on demand.
//
// Cell IDs are allocated by New and freed by Delete; freed IDs may be
// reused. The life-cycle of IDs is managed by the client. Stores are not
// safe for concurrent use; each store is owned by a single shard which
// serializes all accesses.
//
// I ... the type used to address cells
// V ... the type of values stored in cells
type Store[I Index, V any] interface {
	// New allocates a cell. The content of a new cell is undefined until
	// it is set.
	New() (I, error)

	// Get retrieves the value stored in the given cell.
	Get(I) (V, error)

	// Set updates the value of an allocated cell.
	Set(I, V) error

	// Delete frees the given cell. Cells may only be deleted once.
	Delete(I) error

	// Len is the number of allocated cells.
	Len() int

	common.MemoryFootprintProvider
	common.FlushAndCloser
}

// Index defines the type constraints on cell IDs.
type Index interface {
	constraints.Unsigned
}

const (
	ErrInvalidCell = common.ConstError("invalid cell")
	ErrLayout      = common.ConstError("incompatible bucket layout")
)

// ValueEncoder handles the marshaling of values stored in cells. Each value
// is encoded into a fixed number of bytes.
type ValueEncoder[V any] interface {
	// GetEncodedSize is the number of bytes required for encoding a value.
	GetEncodedSize() int
	// Store encodes the given value into the given byte slice.
	Store([]byte, *V) error
	// Load restores the value encoded in the given byte slice.
	Load([]byte, *V) error
}

// EncodeIndex encodes a cell ID into its big-endian binary form.
func EncodeIndex[I Index](index I, trg []byte) {
	switch unsafe.Sizeof(index) {
	case 1:
		trg[0] = byte(index)
	case 2:
		binary.BigEndian.PutUint16(trg, uint16(index))
	case 4:
		binary.BigEndian.PutUint32(trg, uint32(index))
	default:
		binary.BigEndian.PutUint64(trg, uint64(index))
	}
}

// DecodeIndex decodes a cell ID from its big-endian binary form.
func DecodeIndex[I Index](src []byte) I {
	var index I
	switch unsafe.Sizeof(index) {
	case 1:
		return I(src[0])
	case 2:
		return I(binary.BigEndian.Uint16(src))
	case 4:
		return I(binary.BigEndian.Uint32(src))
	default:
		return I(binary.BigEndian.Uint64(src))
	}
}

// IndexSize is the number of bytes of an encoded cell ID.
func IndexSize[I Index]() int {
	var index I
	return int(unsafe.Sizeof(index))
}
