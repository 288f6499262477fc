// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
	"github.com/Fantom-foundation/accountsdb/common"
)

// Store is a bucket.Store keeping its cells in a single slab file of
// fixed-size cells. Freed cells are tracked in a file-backed stack and
// reused by later allocations.
//
// A store directory contains
//
//	meta.json     layout information and the number of cells
//	cells.dat     the slab, cell i is located at i*encodedSize
//	freelist.dat  the stack of freed cell IDs
type Store[I bucket.Index, V any] struct {
	directory string
	encoder   bucket.ValueEncoder[V]
	cells     *os.File
	freeList  *stack[I]
	numCells  I
	buffer    []byte
}

const layoutVersion = 1

type metadata struct {
	Version        int
	IndexTypeSize  int
	ValueTypeSize  int
	NumCells       uint64
	FreeListLength int
}

// OpenStore opens the store in the given directory, creating an empty one
// if the directory holds none.
func OpenStore[I bucket.Index, V any](encoder bucket.ValueEncoder[V], directory string) (*Store[I, V], error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, err
	}
	metaFile := filepath.Join(directory, "meta.json")
	cellFile := filepath.Join(directory, "cells.dat")
	freeListFile := filepath.Join(directory, "freelist.dat")
	indexSize := bucket.IndexSize[I]()
	valueSize := encoder.GetEncodedSize()

	numCells := uint64(0)
	if data, err := os.ReadFile(metaFile); err == nil {
		var meta metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrCorrupt, err)
		}
		if meta.Version != layoutVersion || meta.IndexTypeSize != indexSize || meta.ValueTypeSize != valueSize {
			return nil, fmt.Errorf("%w: found version %d with %d byte IDs and %d byte values, wanted version %d with %d byte IDs and %d byte values",
				bucket.ErrLayout, meta.Version, meta.IndexTypeSize, meta.ValueTypeSize, layoutVersion, indexSize, valueSize)
		}
		stats, err := os.Stat(cellFile)
		if err != nil {
			return nil, err
		}
		if got, want := stats.Size(), int64(meta.NumCells)*int64(valueSize); got < want {
			return nil, fmt.Errorf("%w: cell file too short, got %d bytes, wanted %d", common.ErrCorrupt, got, want)
		}
		numCells = meta.NumCells
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cells, err := os.OpenFile(cellFile, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	freeList, err := openStack[I](freeListFile)
	if err != nil {
		return nil, errors.Join(err, cells.Close())
	}
	return &Store[I, V]{
		directory: directory,
		encoder:   encoder,
		cells:     cells,
		freeList:  freeList,
		numCells:  I(numCells),
		buffer:    make([]byte, valueSize),
	}, nil
}

func (s *Store[I, V]) New() (I, error) {
	if !s.freeList.Empty() {
		return s.freeList.Pop()
	}
	res := s.numCells
	clear(s.buffer)
	if _, err := s.cells.WriteAt(s.buffer, s.offset(res)); err != nil {
		return 0, err
	}
	s.numCells++
	return res, nil
}

func (s *Store[I, V]) Get(cell I) (V, error) {
	var res V
	if cell >= s.numCells {
		return res, fmt.Errorf("%w: %d, range [0,%d)", bucket.ErrInvalidCell, cell, s.numCells)
	}
	if _, err := s.cells.ReadAt(s.buffer, s.offset(cell)); err != nil {
		return res, err
	}
	if err := s.encoder.Load(s.buffer, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Store[I, V]) Set(cell I, value V) error {
	if cell >= s.numCells {
		return fmt.Errorf("%w: %d, range [0,%d)", bucket.ErrInvalidCell, cell, s.numCells)
	}
	if err := s.encoder.Store(s.buffer, &value); err != nil {
		return err
	}
	_, err := s.cells.WriteAt(s.buffer, s.offset(cell))
	return err
}

func (s *Store[I, V]) Delete(cell I) error {
	if cell >= s.numCells {
		return fmt.Errorf("%w: %d, range [0,%d)", bucket.ErrInvalidCell, cell, s.numCells)
	}
	return s.freeList.Push(cell)
}

func (s *Store[I, V]) Len() int {
	return int(s.numCells) - s.freeList.Size()
}

func (s *Store[I, V]) offset(cell I) int64 {
	return int64(cell) * int64(len(s.buffer))
}

func (s *Store[I, V]) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*s) + uintptr(cap(s.buffer)))
	mf.AddChild("freeList", s.freeList.GetMemoryFootprint())
	return mf
}

func (s *Store[I, V]) Flush() error {
	meta, err := json.Marshal(metadata{
		Version:        layoutVersion,
		IndexTypeSize:  bucket.IndexSize[I](),
		ValueTypeSize:  len(s.buffer),
		NumCells:       uint64(s.numCells),
		FreeListLength: s.freeList.Size(),
	})
	if err != nil {
		return err
	}
	return errors.Join(
		s.freeList.Flush(),
		s.cells.Sync(),
		os.WriteFile(filepath.Join(s.directory, "meta.json"), meta, 0600),
	)
}

func (s *Store[I, V]) Close() error {
	return errors.Join(
		s.Flush(),
		s.freeList.Close(),
		s.cells.Close(),
	)
}
