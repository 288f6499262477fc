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

	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
)

// Factory creates storage files kept entirely on the heap. They are used by
// in-memory databases and tests; their content is lost on Close.
type Factory struct{}

// NewFactory creates a factory of in-memory storage files.
func NewFactory() Factory {
	return Factory{}
}

func (Factory) Create(id storage.FileID, slot common.Slot, capacity uint64) (storage.File, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("invalid capacity of storage file %d: %d", id, capacity)
	}
	return storage.NewFile(id, slot, &backing{data: make([]byte, capacity)}), nil
}

func (Factory) Import(id storage.FileID, slot common.Slot, raw []byte) (storage.File, error) {
	data := make([]byte, len(raw))
	copy(data, raw)
	return storage.ImportFile(id, slot, &backing{data: data}, uint64(len(raw)))
}

type backing struct {
	data []byte
}

func (b *backing) Bytes() []byte {
	return b.data
}

func (b *backing) Sync() error {
	return nil
}

func (b *backing) Release() error {
	b.data = nil
	return nil
}

func (b *backing) Close() error {
	return b.Release()
}

func (b *backing) GetMemoryFootprint() *common.MemoryFootprint {
	return common.NewMemoryFootprint(uintptr(cap(b.data)))
}
