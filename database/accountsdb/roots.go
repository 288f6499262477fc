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
	"fmt"
	"maps"
	"slices"

	"github.com/Fantom-foundation/accountsdb/backend/lthash"
	"github.com/Fantom-foundation/accountsdb/common"
)

// Root marks the given slot, and all earlier written slots, as part of the
// canonical history. The lattice hash deltas of these slots are folded into
// the rooted aggregate, their storage files are sealed, and they become
// subject to cleaning.
func (db *DB) Root(slot common.Slot) error {
	if err := db.checkUsable(); err != nil {
		return err
	}
	db.writeMutex.Lock()
	defer db.writeMutex.Unlock()
	db.stateMutex.Lock()
	defer db.stateMutex.Unlock()
	if db.hasRoot && slot <= db.maxRoot {
		if slot == db.maxRoot {
			return nil
		}
		return fmt.Errorf("%w: %d, latest root is %d", ErrSlotRooted, slot, db.maxRoot)
	}

	for _, s := range slices.Sorted(maps.Keys(db.deltas)) {
		if s > slot {
			break
		}
		db.aggregate.Add(db.deltas[s])
		delete(db.deltas, s)
		db.rooted.Add(uint64(s))
		if len(db.dirty[s]) > 0 {
			db.uncleaned.Add(uint64(s))
		}
	}
	db.rooted.Add(uint64(slot))
	db.maxRoot, db.hasRoot = slot, true

	if db.active != nil && db.active.Slot() <= slot {
		if err := db.active.Seal(); err != nil {
			return db.halt(err)
		}
		db.active = nil
	}
	logger.Debug("Rooted slot", "slot", slot, "checksum", db.aggregate.Checksum())
	return nil
}

// MaxRoot returns the latest rooted slot.
func (db *DB) MaxRoot() (common.Slot, bool) {
	db.stateMutex.Lock()
	defer db.stateMutex.Unlock()
	return db.maxRoot, db.hasRoot
}

func (db *DB) IsRooted(slot common.Slot) bool {
	db.stateMutex.Lock()
	defer db.stateMutex.Unlock()
	return db.rooted.Contains(uint64(slot))
}

// Aggregate returns the lattice hash of the account state visible at the
// given slot. Only the latest root and later slots are available.
func (db *DB) Aggregate(slot common.Slot) (lthash.LtHash, error) {
	db.stateMutex.Lock()
	defer db.stateMutex.Unlock()
	if db.hasRoot && slot < db.maxRoot {
		return lthash.LtHash{}, fmt.Errorf("%w: %d, latest root is %d", ErrSlotUnavailable, slot, db.maxRoot)
	}
	res := db.aggregate
	for s, delta := range db.deltas {
		if s <= slot {
			res.Add(delta)
		}
	}
	return res, nil
}

// Checksum is the compact form of Aggregate.
func (db *DB) Checksum(slot common.Slot) (common.Hash, error) {
	aggregate, err := db.Aggregate(slot)
	if err != nil {
		return common.Hash{}, err
	}
	return aggregate.Checksum(), nil
}
