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
	"errors"
	"fmt"

	"github.com/Fantom-foundation/accountsdb/backend/index"
	"github.com/Fantom-foundation/accountsdb/backend/lthash"
	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
)

// AccountUpdate is a new version of an account. Accounts without lamports
// are stored as tombstones.
type AccountUpdate struct {
	Key     common.Pubkey
	Account common.Account
}

// Store writes the given account versions in the given slot. Slots must be
// written in non-decreasing order and must not be rooted yet.
//
// Every update is appended to storage, registered in the index, and
// accounted for in the lattice hash of the slot. A failure in any of these
// steps halts the database, since the three can no longer be kept
// consistent.
func (db *DB) Store(slot common.Slot, updates []AccountUpdate) error {
	if err := db.checkUsable(); err != nil {
		return err
	}
	for i := range updates {
		if length := len(updates[i].Account.Data); length > common.MaxAccountDataLength {
			return fmt.Errorf("%w: account %v has %d bytes", storage.ErrDataTooLarge, updates[i].Key, length)
		}
	}

	db.writeMutex.Lock()
	defer db.writeMutex.Unlock()
	db.stateMutex.Lock()
	rooted := db.hasRoot && slot <= db.maxRoot
	db.stateMutex.Unlock()
	if rooted {
		return fmt.Errorf("%w: %d", ErrSlotRooted, slot)
	}
	if db.written && slot < db.highest {
		return fmt.Errorf("%w: %d < %d", ErrSlotRegression, slot, db.highest)
	}
	db.highest, db.written = slot, true

	for i := range updates {
		if err := db.store(slot, &updates[i]); err != nil {
			return db.halt(err)
		}
	}
	storeMeter.Mark(int64(len(updates)))
	return nil
}

func (db *DB) store(slot common.Slot, update *AccountUpdate) error {
	record := &common.StoredAccount{
		Key:          update.Key,
		Slot:         slot,
		WriteVersion: db.writeVersion,
		Account:      update.Account,
	}
	db.writeVersion++
	hash := lthash.AccountHash(record)

	file, offset, err := db.append(record)
	if err != nil {
		return err
	}
	size := storage.RecordSize(len(record.Account.Data))
	file.AddAlive(size)
	res, err := db.publish(record.Key, index.SlotInfo{
		Slot:      slot,
		Location:  index.Location{File: file.ID(), Offset: offset},
		Size:      uint32(size),
		Tombstone: record.Account.IsTombstone(),
	})
	if err != nil {
		return err
	}

	var previous lthash.LtHash
	if res.HasPrevious {
		old, err := db.readVersion(record.Key, res.Previous)
		if err != nil {
			return fmt.Errorf("failed to read previous version of %v: %w", record.Key, err)
		}
		previous = lthash.AccountHash(old)
		if res.Replaced {
			if file, found := db.files.get(res.Previous.Location.File); found {
				file.RemoveAlive(int(res.Previous.Size))
			}
		}
	}

	db.stateMutex.Lock()
	defer db.stateMutex.Unlock()
	delta, found := db.deltas[slot]
	if !found {
		delta = new(lthash.LtHash)
		db.deltas[slot] = delta
	}
	delta.Sub(&previous)
	delta.Add(&hash)
	keys, found := db.dirty[slot]
	if !found {
		keys = map[common.Pubkey]struct{}{}
		db.dirty[slot] = keys
	}
	keys[record.Key] = struct{}{}
	return nil
}

// publish makes a new version visible in the index. Cached versions of the
// key are dropped and readers can not cache any version while the index is
// modified.
func (db *DB) publish(key common.Pubkey, info index.SlotInfo) (index.UpsertResult, error) {
	if db.cache == nil {
		return db.index.Upsert(key, info)
	}
	db.cache.BeginUpdate(key)
	defer db.cache.EndUpdate(key)
	return db.index.Upsert(key, info)
}

// append writes the record to the active file of its slot, rolling over to
// a new file if the active one is full.
func (db *DB) append(record *common.StoredAccount) (storage.File, storage.Offset, error) {
	if db.active != nil && db.active.Slot() == record.Slot {
		offset, err := db.active.Append(record)
		if err == nil {
			return db.active, offset, nil
		}
		if !errors.Is(err, storage.ErrFileFull) {
			return nil, 0, err
		}
	}
	if db.active != nil {
		if err := db.active.Seal(); err != nil {
			return nil, 0, err
		}
		db.active = nil
	}
	capacity := max(db.config.Storage.FileCapacity, uint64(storage.RecordSize(len(record.Account.Data))))
	file, err := db.createFile(record.Slot, capacity)
	if err != nil {
		return nil, 0, err
	}
	db.active = file
	offset, err := file.Append(record)
	return file, offset, err
}

func (db *DB) createFile(slot common.Slot, capacity uint64) (storage.File, error) {
	file, err := db.factory.Create(db.files.newID(), slot, capacity)
	if err != nil {
		return nil, err
	}
	db.files.add(file)
	return file, nil
}

// Load returns the version of the given account visible at the given slot.
// Tombstones are returned as such; accounts without any version visible at
// the slot are reported as not found.
func (db *DB) Load(key common.Pubkey, asOf common.Slot) (*common.StoredAccount, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrClosed
	}
	var epoch uint64
	if db.cache != nil {
		epoch = db.cache.Epoch(key)
	}
	info, err := db.index.Get(key, asOf)
	if errors.Is(err, index.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, db.fail(err)
	}
	if db.cache != nil {
		if record, found := db.cache.Get(key, info.Slot); found {
			cacheHitMeter.Mark(1)
			return record, true, nil
		}
		cacheMissMeter.Mark(1)
	}
	record, err := db.readVersion(key, info)
	if errors.Is(err, index.ErrNotFound) {
		// purged while being read
		return nil, false, nil
	}
	if err != nil {
		return nil, false, db.fail(err)
	}
	if db.cache != nil {
		db.cache.InsertAt(record, epoch)
	}
	loadMeter.Mark(1)
	return record, true, nil
}

// readVersion reads the record of the given version. If the record was
// moved by a shrink while being read, the new location is looked up and
// read instead.
func (db *DB) readVersion(key common.Pubkey, info index.SlotInfo) (*common.StoredAccount, error) {
	for {
		record, err := db.readAt(info.Location)
		if err == nil {
			if record.Key != key {
				return nil, fmt.Errorf("%w: found %v at %v, wanted %v", common.ErrCorrupt, record.Key, info.Location, key)
			}
			return record, nil
		}
		if !errors.Is(err, storage.ErrReclaimed) {
			return nil, err
		}
		moved, err := db.index.GetExact(key, info.Slot)
		if err != nil {
			return nil, err
		}
		if moved.Location == info.Location {
			return nil, fmt.Errorf("%w: version of %v in slot %d refers to reclaimed file %d", common.ErrCorrupt, key, info.Slot, info.Location.File)
		}
		info = moved
	}
}

func (db *DB) readAt(location index.Location) (*common.StoredAccount, error) {
	file, found := db.files.get(location.File)
	if !found {
		return nil, fmt.Errorf("%w: file %d", storage.ErrReclaimed, location.File)
	}
	record, _, err := file.Read(location.Offset)
	return record, err
}

// visibleAt returns the newest of the given versions, ordered by slot, not
// exceeding the given slot.
func visibleAt(slots []index.SlotInfo, slot common.Slot) (index.SlotInfo, bool) {
	for i := len(slots) - 1; i >= 0; i-- {
		if slots[i].Slot <= slot {
			return slots[i], true
		}
	}
	return index.SlotInfo{}, false
}
