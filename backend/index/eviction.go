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
	"sync/atomic"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/common"
)

// entry is the in-memory representation of the versions of a key. Entries
// are linked into a recency list: the head is the most recently mutated
// entry, the tail the next candidate for eviction.
type entry struct {
	key   common.Pubkey
	slots []SlotInfo // ordered by slot
	pred  *entry
	succ  *entry
	// referenced is set by lookups, which only hold a read lock and may not
	// reorder the list. Eviction gives referenced entries a second chance.
	referenced atomic.Bool
}

// entryOverhead approximates the memory used per hot key beyond its slot
// list, including the hash map slot.
const entryOverhead = uint64(unsafe.Sizeof(entry{})) + 48

// ColdKeyBytes approximates the memory kept per cold key: shards retain the
// key and its cold cell in memory to route lookups without reading the cold
// store.
const ColdKeyBytes = uint64(unsafe.Sizeof(common.Pubkey{})) + 4 + 16

const slotInfoSize = uint64(unsafe.Sizeof(SlotInfo{}))

func (e *entry) footprint() uint64 {
	return entryOverhead + uint64(cap(e.slots))*slotInfoSize
}

// lruList is an intrusive doubly-linked recency list of entries.
type lruList struct {
	head *entry
	tail *entry
}

// touch moves the given entry to the head of the list, adding it if needed.
func (l *lruList) touch(e *entry) {
	if l.head == e {
		return
	}
	if e.pred != nil || l.tail == e {
		l.unlink(e)
	}
	e.pred = nil
	e.succ = l.head
	if l.head != nil {
		l.head.pred = e
	} else {
		l.tail = e
	}
	l.head = e
}

// remove drops the given entry from the list.
func (l *lruList) remove(e *entry) {
	l.unlink(e)
	e.pred = nil
	e.succ = nil
}

func (l *lruList) unlink(e *entry) {
	if e.pred != nil {
		e.pred.succ = e.succ
	} else if l.head == e {
		l.head = e.succ
	}
	if e.succ != nil {
		e.succ.pred = e.pred
	} else if l.tail == e {
		l.tail = e.pred
	}
}

// victim selects the least-recently used entry that can be moved to the
// cold tier, skipping the given entry. Referenced entries are moved to the
// head of the list once before becoming eligible. It returns nil if no
// entry qualifies.
func (l *lruList) victim(skip *entry, eligible func(*entry) bool, limit int) *entry {
	cur := l.tail
	for steps := 0; cur != nil && steps < limit; steps++ {
		pred := cur.pred
		if cur != skip {
			if cur.referenced.Swap(false) {
				l.touch(cur)
			} else if eligible(cur) {
				return cur
			}
		}
		cur = pred
	}
	return nil
}
