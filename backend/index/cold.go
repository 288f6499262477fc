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
	"encoding/binary"
	"fmt"

	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
)

// ColdSlotCapacity is the maximum number of versions a cold cell can hold.
// Entries with more versions are never moved to the cold tier.
const ColdSlotCapacity = 4

// ColdEntry is the representation of an index entry in a cold store cell.
type ColdEntry struct {
	Key   common.Pubkey
	Count uint8
	Slots [ColdSlotCapacity]SlotInfo
}

func newColdEntry(key common.Pubkey, slots []SlotInfo) ColdEntry {
	res := ColdEntry{Key: key, Count: uint8(len(slots))}
	copy(res.Slots[:], slots)
	return res
}

func (e *ColdEntry) slots() []SlotInfo {
	res := make([]SlotInfo, e.Count)
	copy(res, e.Slots[:e.Count])
	return res
}

const slotInfoEncodedSize = 8 + 4 + 8 + 4 + 1

// ColdEntryEncoder is the bucket.ValueEncoder for cold entries.
type ColdEntryEncoder struct{}

func (ColdEntryEncoder) GetEncodedSize() int {
	return 32 + 1 + ColdSlotCapacity*slotInfoEncodedSize
}

func (ColdEntryEncoder) Store(trg []byte, entry *ColdEntry) error {
	if entry.Count > ColdSlotCapacity {
		return fmt.Errorf("too many versions for cold cell: %d", entry.Count)
	}
	copy(trg, entry.Key[:])
	trg[32] = entry.Count
	pos := trg[33:]
	for i := range entry.Slots {
		info := &entry.Slots[i]
		binary.BigEndian.PutUint64(pos[0:], uint64(info.Slot))
		binary.BigEndian.PutUint32(pos[8:], uint32(info.Location.File))
		binary.BigEndian.PutUint64(pos[12:], uint64(info.Location.Offset))
		binary.BigEndian.PutUint32(pos[20:], info.Size)
		pos[24] = 0
		if info.Tombstone {
			pos[24] = 1
		}
		pos = pos[slotInfoEncodedSize:]
	}
	return nil
}

func (ColdEntryEncoder) Load(src []byte, entry *ColdEntry) error {
	copy(entry.Key[:], src)
	entry.Count = src[32]
	if entry.Count > ColdSlotCapacity {
		return fmt.Errorf("%w: invalid number of versions in cold cell: %d", common.ErrCorrupt, entry.Count)
	}
	pos := src[33:]
	for i := range entry.Slots {
		entry.Slots[i] = SlotInfo{
			Slot: common.Slot(binary.BigEndian.Uint64(pos[0:])),
			Location: Location{
				File:   storage.FileID(binary.BigEndian.Uint32(pos[8:])),
				Offset: storage.Offset(binary.BigEndian.Uint64(pos[12:])),
			},
			Size:      binary.BigEndian.Uint32(pos[20:]),
			Tombstone: pos[24] == 1,
		}
		pos = pos[slotInfoEncodedSize:]
	}
	return nil
}
