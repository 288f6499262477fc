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
	"testing"

	"github.com/Fantom-foundation/accountsdb/common"
)

func newEntries(n int) []*entry {
	res := make([]*entry, n)
	for i := range res {
		res[i] = &entry{key: common.PubkeyFromUint64(uint64(i))}
	}
	return res
}

func checkOrder(t *testing.T, list *lruList, want ...*entry) {
	t.Helper()
	i := 0
	for cur := list.head; cur != nil; cur = cur.succ {
		if i >= len(want) || cur != want[i] {
			t.Fatalf("unexpected list order at position %d", i)
		}
		i++
	}
	if i != len(want) {
		t.Fatalf("list has %d elements, wanted %d", i, len(want))
	}
	if len(want) > 0 && list.tail != want[len(want)-1] {
		t.Fatalf("invalid tail")
	}
}

func TestLruList_TouchMovesToHead(t *testing.T) {
	e := newEntries(3)
	list := lruList{}
	list.touch(e[0])
	list.touch(e[1])
	list.touch(e[2])
	checkOrder(t, &list, e[2], e[1], e[0])

	list.touch(e[0])
	checkOrder(t, &list, e[0], e[2], e[1])

	list.touch(e[2])
	checkOrder(t, &list, e[2], e[0], e[1])
}

func TestLruList_RemoveUnlinksEntries(t *testing.T) {
	e := newEntries(3)
	list := lruList{}
	for _, cur := range e {
		list.touch(cur)
	}
	list.remove(e[1])
	checkOrder(t, &list, e[2], e[0])
	list.remove(e[0])
	checkOrder(t, &list, e[2])
	list.remove(e[2])
	checkOrder(t, &list)
	if list.head != nil || list.tail != nil {
		t.Errorf("empty list should have no head or tail")
	}
}

func TestLruList_VictimIsLeastRecentlyUsedEligibleEntry(t *testing.T) {
	e := newEntries(4)
	list := lruList{}
	for _, cur := range e {
		list.touch(cur)
	}
	all := func(*entry) bool { return true }
	if got := list.victim(nil, all, 8); got != e[0] {
		t.Errorf("unexpected victim")
	}
	if got := list.victim(e[0], all, 8); got != e[1] {
		t.Errorf("skipped entry was selected")
	}
	notFirstTwo := func(cur *entry) bool { return cur != e[0] && cur != e[1] }
	if got := list.victim(nil, notFirstTwo, 8); got != e[2] {
		t.Errorf("ineligible entry was selected")
	}
	if got := list.victim(nil, func(*entry) bool { return false }, 8); got != nil {
		t.Errorf("victim selected although none is eligible")
	}
}
