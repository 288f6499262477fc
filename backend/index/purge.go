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
	"slices"
	"sort"

	"github.com/Fantom-foundation/accountsdb/common"
)

// CleanRequest describes the state the purge policy is evaluated against.
//
// A version at a rooted slot w is purgeable if there is a newer version at a
// rooted slot v <= MaxRoot and no pinned snapshot slot lies in [w, v). The
// newest rooted version is removable if it is a tombstone, no version at a
// later slot exists, all older versions are purgeable, and no pinned
// snapshot slot is >= w. Versions at slots
// that are not rooted are never purged.
type CleanRequest struct {
	MaxRoot  common.Slot
	IsRooted func(common.Slot) bool
	// Pinned lists the slots of live snapshots in ascending order.
	Pinned []common.Slot
}

// CleanResult reports the effect of cleaning a key.
type CleanResult struct {
	// Purged lists the removed versions.
	Purged []SlotInfo
	// RetainedTombstone is set if a removable tombstone was kept because a
	// pinned snapshot still references it.
	RetainedTombstone bool
	// Pinned is set if a superseded version was kept because a pinned
	// snapshot still sees it.
	Pinned bool
	// Dead is set if the newest version, a tombstone, has been removed along
	// with all other versions of the key.
	Dead bool
}

// firstPinAtOrAbove returns the smallest pinned slot >= slot.
func (r *CleanRequest) firstPinAtOrAbove(slot common.Slot) (common.Slot, bool) {
	pos := sort.Search(len(r.Pinned), func(i int) bool {
		return r.Pinned[i] >= slot
	})
	if pos == len(r.Pinned) {
		return 0, false
	}
	return r.Pinned[pos], true
}

func (r *CleanRequest) isRooted(slot common.Slot) bool {
	return slot <= r.MaxRoot && r.IsRooted(slot)
}

// apply evaluates the purge policy on an ordered list of versions. It
// returns the retained versions, reusing the given slice.
func (r *CleanRequest) apply(slots []SlotInfo) ([]SlotInfo, CleanResult) {
	res := CleanResult{}
	purge := make([]bool, len(slots))
	last := -1
	for i := range slots {
		if !r.isRooted(slots[i].Slot) {
			continue
		}
		if last >= 0 {
			pin, found := r.firstPinAtOrAbove(slots[last].Slot)
			if !found || pin >= slots[i].Slot {
				purge[last] = true
			} else {
				res.Pinned = true
			}
		}
		last = i
	}
	if last >= 0 && last == len(slots)-1 && slots[last].Tombstone {
		// Older versions kept for a pinned snapshot must not become visible
		// again, so the tombstone has to outlive them.
		_, pinned := r.firstPinAtOrAbove(slots[last].Slot)
		if pinned || slices.Contains(purge[:last], false) {
			res.RetainedTombstone = true
		} else {
			purge[last] = true
			res.Dead = true
		}
	}

	kept := slots[:0]
	for i, info := range slots {
		if purge[i] {
			res.Purged = append(res.Purged, info)
		} else {
			kept = append(kept, info)
		}
	}
	clear(slots[len(kept):])
	return kept, res
}
