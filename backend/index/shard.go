// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package index

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
	"github.com/Fantom-foundation/accountsdb/common"
)

// shard is an independent part of the index. The hot and the cold tier are
// disjoint: a key is either resident in memory or in a cold cell.
type shard struct {
	mutex    sync.RWMutex
	hot      map[common.Pubkey]*entry
	cold     map[common.Pubkey]uint32
	store    bucket.Store[uint32, ColdEntry]
	lru      lruList
	hotBytes uint64
	budget   uint64

	spills     atomic.Uint64
	promotions atomic.Uint64
	coldReads  atomic.Uint64
}

func newShard(store bucket.Store[uint32, ColdEntry], budget uint64) *shard {
	return &shard{
		hot:    map[common.Pubkey]*entry{},
		cold:   map[common.Pubkey]uint32{},
		store:  store,
		budget: budget,
	}
}

func coldTierError(err error) error {
	return fmt.Errorf("%w: cold tier: %w", common.ErrIO, err)
}

// search locates the position of the given slot in an ordered slot list.
func search(slots []SlotInfo, slot common.Slot) (int, bool) {
	return slices.BinarySearchFunc(slots, slot, func(info SlotInfo, slot common.Slot) int {
		switch {
		case info.Slot < slot:
			return -1
		case info.Slot > slot:
			return 1
		}
		return 0
	})
}

// visibleAt returns the version with the highest slot not exceeding asOf.
func visibleAt(slots []SlotInfo, asOf common.Slot) (SlotInfo, bool) {
	pos, found := search(slots, asOf)
	if found {
		return slots[pos], true
	}
	if pos == 0 {
		return SlotInfo{}, false
	}
	return slots[pos-1], true
}

func (s *shard) get(key common.Pubkey, pick func([]SlotInfo) (SlotInfo, bool)) (SlotInfo, error) {
	s.mutex.RLock()
	if e, found := s.hot[key]; found {
		e.referenced.Store(true)
		res, found := pick(e.slots)
		s.mutex.RUnlock()
		if !found {
			return SlotInfo{}, ErrNotFound
		}
		return res, nil
	}
	_, isCold := s.cold[key]
	s.mutex.RUnlock()
	if !isCold {
		return SlotInfo{}, ErrNotFound
	}

	// Cold stores are not safe for concurrent use; the entry may also have
	// been promoted in the meantime.
	s.mutex.Lock()
	defer s.mutex.Unlock()
	slots, err := s.lookupLocked(key)
	if err != nil {
		return SlotInfo{}, err
	}
	res, found := pick(slots)
	if !found {
		return SlotInfo{}, ErrNotFound
	}
	return res, nil
}

func (s *shard) getAll(key common.Pubkey) ([]SlotInfo, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	slots, err := s.lookupLocked(key)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, ErrNotFound
	}
	return slices.Clone(slots), nil
}

// lookupLocked returns the versions of a key from either tier without
// changing its residency. The result must not be modified.
func (s *shard) lookupLocked(key common.Pubkey) ([]SlotInfo, error) {
	if e, found := s.hot[key]; found {
		return e.slots, nil
	}
	cell, found := s.cold[key]
	if !found {
		return nil, nil
	}
	s.coldReads.Add(1)
	value, err := s.store.Get(cell)
	if err != nil {
		return nil, coldTierError(err)
	}
	if value.Key != key {
		return nil, fmt.Errorf("%w: cold cell %d holds key %v, expected %v", common.ErrCorrupt, cell, value.Key, key)
	}
	return value.slots(), nil
}

// promoteLocked returns the hot entry of the given key, moving it from the
// cold tier if needed. If the key is unknown, nil is returned.
func (s *shard) promoteLocked(key common.Pubkey) (*entry, error) {
	if e, found := s.hot[key]; found {
		return e, nil
	}
	cell, found := s.cold[key]
	if !found {
		return nil, nil
	}
	value, err := s.store.Get(cell)
	if err != nil {
		return nil, coldTierError(err)
	}
	if err := s.store.Delete(cell); err != nil {
		return nil, coldTierError(err)
	}
	delete(s.cold, key)
	e := &entry{key: key, slots: value.slots()}
	s.hot[key] = e
	s.hotBytes += e.footprint()
	s.lru.touch(e)
	s.promotions.Add(1)
	return e, nil
}

func (s *shard) upsert(key common.Pubkey, info SlotInfo) (UpsertResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, err := s.promoteLocked(key)
	if err != nil {
		return UpsertResult{}, err
	}
	if e == nil {
		e = &entry{key: key}
		s.hot[key] = e
		s.hotBytes += e.footprint()
	}

	res := UpsertResult{}
	before := e.footprint()
	pos, found := search(e.slots, info.Slot)
	if found {
		res = UpsertResult{Previous: e.slots[pos], HasPrevious: true, Replaced: true}
		e.slots[pos] = info
	} else {
		if pos > 0 {
			res = UpsertResult{Previous: e.slots[pos-1], HasPrevious: true}
		}
		e.slots = slices.Insert(e.slots, pos, info)
	}
	s.hotBytes = s.hotBytes - before + e.footprint()
	s.lru.touch(e)
	return res, s.evictLocked(e)
}

func (s *shard) remove(key common.Pubkey, slot common.Slot) (SlotInfo, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, err := s.promoteLocked(key)
	if err != nil || e == nil {
		return SlotInfo{}, false, err
	}
	pos, found := search(e.slots, slot)
	if !found {
		return SlotInfo{}, false, nil
	}
	res := e.slots[pos]
	e.slots = slices.Delete(e.slots, pos, pos+1)
	if len(e.slots) == 0 {
		s.dropLocked(e)
	}
	return res, true, s.evictLocked(nil)
}

func (s *shard) dropLocked(e *entry) {
	s.hotBytes -= e.footprint()
	s.lru.remove(e)
	delete(s.hot, e.key)
}

// updateLocked applies the given modification to the versions of a key in
// whatever tier the key resides. Cold entries are rewritten in place. The
// modification returns the new slot list; an empty list drops the key.
func (s *shard) updateLocked(key common.Pubkey, modify func([]SlotInfo) []SlotInfo) error {
	if e, found := s.hot[key]; found {
		before := e.footprint()
		e.slots = modify(e.slots)
		if len(e.slots) == 0 {
			s.hotBytes -= before
			s.lru.remove(e)
			delete(s.hot, key)
			return nil
		}
		s.hotBytes = s.hotBytes - before + e.footprint()
		return nil
	}
	cell, found := s.cold[key]
	if !found {
		modify(nil)
		return nil
	}
	s.coldReads.Add(1)
	value, err := s.store.Get(cell)
	if err != nil {
		return coldTierError(err)
	}
	slots := modify(value.slots())
	if len(slots) == 0 {
		delete(s.cold, key)
		if err := s.store.Delete(cell); err != nil {
			return coldTierError(err)
		}
		return nil
	}
	if err := s.store.Set(cell, newColdEntry(key, slots)); err != nil {
		return coldTierError(err)
	}
	return nil
}

func (s *shard) relocate(key common.Pubkey, slot common.Slot, from, to Location) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	moved := false
	err := s.updateLocked(key, func(slots []SlotInfo) []SlotInfo {
		if pos, found := search(slots, slot); found && slots[pos].Location == from {
			slots[pos].Location = to
			moved = true
		}
		return slots
	})
	return moved, err
}

func (s *shard) clean(key common.Pubkey, request *CleanRequest) (CleanResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	res := CleanResult{}
	err := s.updateLocked(key, func(slots []SlotInfo) []SlotInfo {
		if len(slots) == 0 {
			return slots
		}
		var kept []SlotInfo
		kept, res = request.apply(slots)
		return kept
	})
	return res, err
}

// evictLocked moves entries to the cold tier until the shard is within its
// budget or no more entries qualify. The given entry is kept in memory.
func (s *shard) evictLocked(keep *entry) error {
	if s.budget == 0 {
		return nil
	}
	for s.hotBytes > s.budget {
		victim := s.lru.victim(keep, func(e *entry) bool {
			return len(e.slots) <= ColdSlotCapacity
		}, 2*len(s.hot))
		if victim == nil {
			return nil
		}
		cell, err := s.store.New()
		if err != nil {
			return coldTierError(err)
		}
		if err := s.store.Set(cell, newColdEntry(victim.key, victim.slots)); err != nil {
			return errors.Join(coldTierError(err), s.store.Delete(cell))
		}
		s.dropLocked(victim)
		s.cold[victim.key] = cell
		s.spills.Add(1)
	}
	return nil
}

type exportedEntry struct {
	key   common.Pubkey
	slots []SlotInfo
}

func (s *shard) export() ([]exportedEntry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	res := make([]exportedEntry, 0, len(s.hot)+len(s.cold))
	for key, e := range s.hot {
		res = append(res, exportedEntry{key: key, slots: slices.Clone(e.slots)})
	}
	for key := range s.cold {
		slots, err := s.lookupLocked(key)
		if err != nil {
			return nil, err
		}
		res = append(res, exportedEntry{key: key, slots: slots})
	}
	return res, nil
}

func (s *shard) len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.hot) + len(s.cold)
}

func (s *shard) flush() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.store.Flush()
}

func (s *shard) close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.store.Close()
}

func (s *shard) getMemoryFootprint() *common.MemoryFootprint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*s))
	mf.AddChild("hot", common.NewMemoryFootprint(uintptr(s.hotBytes)))
	mf.AddChild("coldKeys", common.NewMemoryFootprint(uintptr(uint64(len(s.cold))*ColdKeyBytes)))
	mf.AddChild("store", s.store.GetMemoryFootprint())
	return mf
}
