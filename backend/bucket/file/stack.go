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
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
	"github.com/Fantom-foundation/accountsdb/common"
)

// stackBatchSize is the number of elements buffered in memory before they
// are written to the stack file.
const stackBatchSize = 1024

// stack is a file-backed stack of cell IDs. Only the top-most partial batch
// is kept in memory.
type stack[I bucket.Index] struct {
	file   *os.File
	size   int
	buffer []I
	// base is the position of the first buffered element in the file.
	base int
}

func openStack[I bucket.Index](path string) (*stack[I], error) {
	elementSize := bucket.IndexSize[I]()
	size := 0
	if stats, err := os.Stat(path); err == nil {
		if stats.Size()%int64(elementSize) != 0 {
			return nil, fmt.Errorf("%w: invalid stack file size %d", common.ErrCorrupt, stats.Size())
		}
		size = int(stats.Size()) / elementSize
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	res := &stack[I]{
		file:   file,
		size:   size,
		buffer: make([]I, 0, stackBatchSize),
		base:   size - size%stackBatchSize,
	}
	if err := res.load(size - res.base); err != nil {
		return nil, err
	}
	return res, nil
}

// load reads n elements starting at the base position into the buffer.
func (s *stack[I]) load(n int) error {
	if n == 0 {
		return nil
	}
	elementSize := bucket.IndexSize[I]()
	data := make([]byte, n*elementSize)
	if _, err := s.file.ReadAt(data, int64(s.base*elementSize)); err != nil && err != io.EOF {
		return err
	}
	for i := 0; i < n; i++ {
		s.buffer = append(s.buffer, bucket.DecodeIndex[I](data[i*elementSize:]))
	}
	return nil
}

func (s *stack[I]) Size() int {
	return s.size
}

func (s *stack[I]) Empty() bool {
	return s.size == 0
}

func (s *stack[I]) Push(value I) error {
	s.buffer = append(s.buffer, value)
	s.size++
	if len(s.buffer) == cap(s.buffer) {
		if err := s.writeBuffer(); err != nil {
			return err
		}
		s.base += len(s.buffer)
		s.buffer = s.buffer[:0]
	}
	return nil
}

func (s *stack[I]) Pop() (I, error) {
	if s.size == 0 {
		return 0, fmt.Errorf("cannot pop from empty stack")
	}
	if len(s.buffer) == 0 {
		s.base -= cap(s.buffer)
		if err := s.load(cap(s.buffer)); err != nil {
			return 0, err
		}
	}
	last := len(s.buffer) - 1
	res := s.buffer[last]
	s.buffer = s.buffer[:last]
	s.size--
	return res, nil
}

func (s *stack[I]) writeBuffer() error {
	elementSize := bucket.IndexSize[I]()
	data := make([]byte, len(s.buffer)*elementSize)
	for i, value := range s.buffer {
		bucket.EncodeIndex(value, data[i*elementSize:])
	}
	_, err := s.file.WriteAt(data, int64(s.base*elementSize))
	return err
}

func (s *stack[I]) Flush() error {
	if err := s.writeBuffer(); err != nil {
		return err
	}
	if err := s.file.Truncate(int64(s.size * bucket.IndexSize[I]())); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *stack[I]) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

func (s *stack[I]) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*s))
	mf.AddChild("buffer", common.NewMemoryFootprint(uintptr(cap(s.buffer)*bucket.IndexSize[I]())))
	return mf
}
