// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package accountsdb

import (
	"sync"
	"sync/atomic"

	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/google/btree"
)

type fileRef struct {
	slot common.Slot
	id   storage.FileID
	file storage.File
}

func lessFileRef(a, b fileRef) bool {
	if a.slot != b.slot {
		return a.slot < b.slot
	}
	return a.id < b.id
}

// registry tracks the storage files that have not been reclaimed, ordered
// by slot for maintenance and addressable by ID for reads.
type registry struct {
	mutex  sync.RWMutex
	bySlot *btree.BTreeG[fileRef]
	byID   map[storage.FileID]storage.File
	nextID atomic.Uint32
}

func newRegistry() *registry {
	return &registry{
		bySlot: btree.NewG(16, lessFileRef),
		byID:   map[storage.FileID]storage.File{},
	}
}

// newID allocates an ID not used by any registered file.
func (r *registry) newID() storage.FileID {
	return storage.FileID(r.nextID.Add(1) - 1)
}

func (r *registry) add(file storage.File) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.bySlot.ReplaceOrInsert(fileRef{slot: file.Slot(), id: file.ID(), file: file})
	r.byID[file.ID()] = file
	for {
		next := r.nextID.Load()
		if uint32(file.ID()) < next || r.nextID.CompareAndSwap(next, uint32(file.ID())+1) {
			break
		}
	}
}

func (r *registry) remove(file storage.File) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.bySlot.Delete(fileRef{slot: file.Slot(), id: file.ID()})
	delete(r.byID, file.ID())
}

func (r *registry) get(id storage.FileID) (storage.File, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	file, found := r.byID[id]
	return file, found
}

// upTo lists the files of all slots not exceeding the given slot, in slot
// order.
func (r *registry) upTo(slot common.Slot) []storage.File {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var res []storage.File
	r.bySlot.Ascend(func(ref fileRef) bool {
		if ref.slot > slot {
			return false
		}
		res = append(res, ref.file)
		return true
	})
	return res
}

func (r *registry) all() []storage.File {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	res := make([]storage.File, 0, r.bySlot.Len())
	r.bySlot.Ascend(func(ref fileRef) bool {
		res = append(res, ref.file)
		return true
	})
	return res
}

func (r *registry) len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.bySlot.Len()
}
