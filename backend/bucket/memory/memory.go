// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package memory

import (
	"fmt"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
	"github.com/Fantom-foundation/accountsdb/common"
)

// Store is a bucket.Store keeping all cells on the heap.
type Store[I bucket.Index, V any] struct {
	values   []V
	freeList []I
}

// NewStore creates an empty in-memory store.
func NewStore[I bucket.Index, V any]() *Store[I, V] {
	return &Store[I, V]{}
}

func (s *Store[I, V]) New() (I, error) {
	if n := len(s.freeList); n > 0 {
		res := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		return res, nil
	}
	var zero V
	s.values = append(s.values, zero)
	return I(len(s.values) - 1), nil
}

func (s *Store[I, V]) Get(cell I) (V, error) {
	if uint64(cell) >= uint64(len(s.values)) {
		var zero V
		return zero, fmt.Errorf("%w: %d", bucket.ErrInvalidCell, cell)
	}
	return s.values[cell], nil
}

func (s *Store[I, V]) Set(cell I, value V) error {
	if uint64(cell) >= uint64(len(s.values)) {
		return fmt.Errorf("%w: %d", bucket.ErrInvalidCell, cell)
	}
	s.values[cell] = value
	return nil
}

func (s *Store[I, V]) Delete(cell I) error {
	if uint64(cell) >= uint64(len(s.values)) {
		return fmt.Errorf("%w: %d", bucket.ErrInvalidCell, cell)
	}
	var zero V
	s.values[cell] = zero
	s.freeList = append(s.freeList, cell)
	return nil
}

func (s *Store[I, V]) Len() int {
	return len(s.values) - len(s.freeList)
}

func (s *Store[I, V]) GetMemoryFootprint() *common.MemoryFootprint {
	var value V
	var index I
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*s))
	mf.AddChild("values", common.NewMemoryFootprint(uintptr(cap(s.values))*unsafe.Sizeof(value)))
	mf.AddChild("freeList", common.NewMemoryFootprint(uintptr(cap(s.freeList))*unsafe.Sizeof(index)))
	return mf
}

func (s *Store[I, V]) Flush() error {
	return nil
}

func (s *Store[I, V]) Close() error {
	return nil
}
