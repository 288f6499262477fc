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
	"path/filepath"
	"sync"
	"testing"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
	"github.com/Fantom-foundation/accountsdb/backend/bucket/file"
	"github.com/Fantom-foundation/accountsdb/backend/bucket/ldb"
	"github.com/Fantom-foundation/accountsdb/backend/bucket/memory"
	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
	"go.uber.org/mock/gomock"
)

type namedColdStoreFactory struct {
	name    string
	factory func(t *testing.T) ColdStoreFactory
}

var coldStoreFactories = []namedColdStoreFactory{
	{"memory", func(*testing.T) ColdStoreFactory {
		return func(int) (bucket.Store[uint32, ColdEntry], error) {
			return memory.NewStore[uint32, ColdEntry](), nil
		}
	}},
	{"file", func(t *testing.T) ColdStoreFactory {
		dir := t.TempDir()
		return func(shard int) (bucket.Store[uint32, ColdEntry], error) {
			return file.OpenStore[uint32, ColdEntry](ColdEntryEncoder{}, filepath.Join(dir, fmt.Sprintf("shard-%d", shard)))
		}
	}},
	{"ldb", func(t *testing.T) ColdStoreFactory {
		dir := t.TempDir()
		return func(shard int) (bucket.Store[uint32, ColdEntry], error) {
			return ldb.OpenStore[uint32, ColdEntry](ColdEntryEncoder{}, filepath.Join(dir, fmt.Sprintf("shard-%d", shard)), nil)
		}
	}},
}

func newIndex(t *testing.T, config Config, factory ColdStoreFactory) *Index {
	t.Helper()
	index, err := New(config, factory)
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	t.Cleanup(func() {
		if err := index.Close(); err != nil {
			t.Errorf("failed to close index: %v", err)
		}
	})
	return index
}

func newMemoryIndex(t *testing.T) *Index {
	return newIndex(t, Config{Shards: 4}, coldStoreFactories[0].factory(t))
}

func loc(file, offset int) Location {
	return Location{File: storage.FileID(file), Offset: storage.Offset(offset)}
}

func info(slot int, location Location) SlotInfo {
	return SlotInfo{Slot: common.Slot(slot), Location: location, Size: 128}
}

func TestIndex_InvalidShardCountIsRejected(t *testing.T) {
	for _, shards := range []int{0, 3, -2} {
		if _, err := New(Config{Shards: shards}, coldStoreFactories[0].factory(t)); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected configuration error for %d shards, got %v", shards, err)
		}
	}
}

func TestIndex_GetReturnsVersionVisibleAtSlot(t *testing.T) {
	index := newMemoryIndex(t)
	key := common.PubkeyFromUint64(1)
	locA, locB := loc(1, 0), loc(2, 64)

	if _, err := index.Upsert(key, info(5, locA)); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if _, err := index.Upsert(key, info(3, locB)); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	tests := []struct {
		asOf  common.Slot
		want  Location
		found bool
	}{
		{2, Location{}, false},
		{3, locB, true},
		{4, locB, true},
		{5, locA, true},
		{10, locA, true},
	}
	for _, test := range tests {
		got, err := index.Get(key, test.asOf)
		if !test.found {
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected not found as of %d, got %v, %v", test.asOf, got, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("failed to get as of %d: %v", test.asOf, err)
		}
		if got.Location != test.want {
			t.Errorf("unexpected location as of %d, wanted %v, got %v", test.asOf, test.want, got.Location)
		}
	}
}

func TestIndex_UnknownKeysAreNotFound(t *testing.T) {
	index := newMemoryIndex(t)
	if _, err := index.Get(common.PubkeyFromUint64(1), 100); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := index.GetExact(common.PubkeyFromUint64(1), 100); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := index.GetAll(common.PubkeyFromUint64(1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestIndex_UpsertIsIdempotentPerSlot(t *testing.T) {
	index := newMemoryIndex(t)
	key := common.PubkeyFromUint64(1)

	res, err := index.Upsert(key, info(4, loc(1, 0)))
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if res.HasPrevious || res.Replaced {
		t.Errorf("first upsert should not report a previous version: %+v", res)
	}

	res, err = index.Upsert(key, info(4, loc(1, 128)))
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if !res.HasPrevious || !res.Replaced || res.Previous.Location != loc(1, 0) {
		t.Errorf("same-slot upsert should replace the previous version: %+v", res)
	}

	res, err = index.Upsert(key, info(6, loc(2, 0)))
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if !res.HasPrevious || res.Replaced || res.Previous.Location != loc(1, 128) {
		t.Errorf("upsert should report version visible before: %+v", res)
	}

	all, err := index.GetAll(key)
	if err != nil {
		t.Fatalf("failed to get versions: %v", err)
	}
	if len(all) != 2 || all[0].Slot != 4 || all[1].Slot != 6 {
		t.Errorf("unexpected versions: %v", all)
	}
}

func TestIndex_RemoveDropsSingleVersion(t *testing.T) {
	index := newMemoryIndex(t)
	key := common.PubkeyFromUint64(1)
	for _, slot := range []int{1, 2, 3} {
		if _, err := index.Upsert(key, info(slot, loc(slot, 0))); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
	}
	removed, found, err := index.Remove(key, 2)
	if err != nil || !found || removed.Location != loc(2, 0) {
		t.Fatalf("failed to remove version: %v, %t, %v", removed, found, err)
	}
	if _, found, err := index.Remove(key, 2); err != nil || found {
		t.Errorf("removing twice should not find anything: %t, %v", found, err)
	}
	got, err := index.Get(key, 2)
	if err != nil || got.Slot != 1 {
		t.Errorf("unexpected visible version after removal: %v, %v", got, err)
	}
	for _, slot := range []common.Slot{1, 3} {
		if _, _, err := index.Remove(key, slot); err != nil {
			t.Fatalf("failed to remove: %v", err)
		}
	}
	if got := index.Len(); got != 0 {
		t.Errorf("key without versions should be dropped, have %d keys", got)
	}
}

func TestIndex_RelocateIsCompareAndSwap(t *testing.T) {
	index := newMemoryIndex(t)
	key := common.PubkeyFromUint64(1)
	if _, err := index.Upsert(key, info(1, loc(1, 0))); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if moved, err := index.Relocate(key, 1, loc(1, 8), loc(2, 0)); err != nil || moved {
		t.Errorf("relocation from wrong location should fail: %t, %v", moved, err)
	}
	if moved, err := index.Relocate(key, 1, loc(1, 0), loc(2, 0)); err != nil || !moved {
		t.Errorf("relocation should succeed: %t, %v", moved, err)
	}
	got, err := index.GetExact(key, 1)
	if err != nil || got.Location != loc(2, 0) {
		t.Errorf("unexpected location after relocation: %v, %v", got, err)
	}
	if moved, err := index.Relocate(common.PubkeyFromUint64(2), 1, loc(1, 0), loc(2, 0)); err != nil || moved {
		t.Errorf("relocating unknown key should fail: %t, %v", moved, err)
	}
}

func TestIndex_RangeVisitsAllKeys(t *testing.T) {
	index := newMemoryIndex(t)
	const N = 100
	for i := 0; i < N; i++ {
		if _, err := index.Upsert(common.PubkeyFromUint64(uint64(i)), info(i, loc(i, 0))); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
	}
	seen := map[common.Pubkey]bool{}
	if err := index.Range(func(key common.Pubkey, slots []SlotInfo) bool {
		seen[key] = true
		if len(slots) != 1 {
			t.Errorf("unexpected versions of %v: %v", key, slots)
		}
		return true
	}); err != nil {
		t.Fatalf("failed to range: %v", err)
	}
	if len(seen) != N {
		t.Errorf("range visited %d keys, wanted %d", len(seen), N)
	}
	visited := 0
	if err := index.Range(func(common.Pubkey, []SlotInfo) bool {
		visited++
		return false
	}); err != nil {
		t.Fatalf("failed to range: %v", err)
	}
	if visited != 1 {
		t.Errorf("range did not stop, visited %d", visited)
	}
}

func TestIndex_ColdTierKeepsContentAccessible(t *testing.T) {
	for _, factory := range coldStoreFactories {
		t.Run(factory.name, func(t *testing.T) {
			index := newIndex(t, Config{Shards: 2, HotBudgetBytes: 8 * entryOverhead}, factory.factory(t))
			const N = 200
			for i := 0; i < N; i++ {
				key := common.PubkeyFromUint64(uint64(i))
				if _, err := index.Upsert(key, info(1, loc(1, i*8))); err != nil {
					t.Fatalf("failed to upsert: %v", err)
				}
				if _, err := index.Upsert(key, info(2, loc(2, i*8))); err != nil {
					t.Fatalf("failed to upsert: %v", err)
				}
			}
			stats := index.Stats()
			if stats.ColdKeys == 0 || stats.Spills == 0 {
				t.Fatalf("expected entries to be spilled, got %+v", stats)
			}
			if want := uint64(stats.ColdKeys) * ColdKeyBytes; stats.ColdKeyBytes != want {
				t.Errorf("unexpected memory of cold keys, wanted %d, got %d", want, stats.ColdKeyBytes)
			}
			if mf := index.GetMemoryFootprint(); uint64(mf.Total()) < stats.HotBytes+stats.ColdKeyBytes {
				t.Errorf("footprint does not cover cold keys: %v", mf)
			}
			if got := stats.HotKeys + stats.ColdKeys; got != N {
				t.Errorf("unexpected number of keys, wanted %d, got %d", N, got)
			}
			for i := 0; i < N; i++ {
				key := common.PubkeyFromUint64(uint64(i))
				got, err := index.Get(key, 1)
				if err != nil || got.Location != loc(1, i*8) {
					t.Fatalf("unexpected version of key %d: %v, %v", i, got, err)
				}
				got, err = index.Get(key, 5)
				if err != nil || got.Location != loc(2, i*8) {
					t.Fatalf("unexpected version of key %d: %v, %v", i, got, err)
				}
			}
			if got := index.Len(); got != N {
				t.Errorf("unexpected number of keys, wanted %d, got %d", N, got)
			}
		})
	}
}

func findColdKey(t *testing.T, index *Index) common.Pubkey {
	t.Helper()
	for _, s := range index.shards {
		for key := range s.cold {
			return key
		}
	}
	t.Fatalf("no cold key found")
	return common.Pubkey{}
}

func isCold(index *Index, key common.Pubkey) bool {
	s := index.shardOf(&key)
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, found := s.cold[key]
	return found
}

func fillBeyondBudget(t *testing.T, index *Index) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if _, err := index.Upsert(common.PubkeyFromUint64(uint64(i)), info(1, loc(1, i*8))); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
	}
}

func TestIndex_ColdLookupsDoNotPromote(t *testing.T) {
	index := newIndex(t, Config{Shards: 1, HotBudgetBytes: 4 * entryOverhead}, coldStoreFactories[0].factory(t))
	fillBeyondBudget(t, index)
	key := findColdKey(t, index)
	if _, err := index.Get(key, 1); err != nil {
		t.Fatalf("failed to get cold key: %v", err)
	}
	if !isCold(index, key) {
		t.Errorf("lookup promoted cold key")
	}
	if got := index.Stats().ColdReads; got == 0 {
		t.Errorf("cold read not counted")
	}
}

func TestIndex_UpsertPromotesColdEntries(t *testing.T) {
	index := newIndex(t, Config{Shards: 1, HotBudgetBytes: 4 * entryOverhead}, coldStoreFactories[0].factory(t))
	fillBeyondBudget(t, index)
	key := findColdKey(t, index)
	res, err := index.Upsert(key, info(2, loc(2, 0)))
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if !res.HasPrevious || res.Previous.Slot != 1 {
		t.Errorf("previous version of cold entry not reported: %+v", res)
	}
	if isCold(index, key) {
		t.Errorf("mutated key should be hot")
	}
	if got := index.Stats().Promotions; got == 0 {
		t.Errorf("promotion not counted")
	}
	all, err := index.GetAll(key)
	if err != nil || len(all) != 2 {
		t.Errorf("unexpected versions after promotion: %v, %v", all, err)
	}
}

func TestIndex_RelocateUpdatesColdEntriesInPlace(t *testing.T) {
	index := newIndex(t, Config{Shards: 1, HotBudgetBytes: 4 * entryOverhead}, coldStoreFactories[0].factory(t))
	fillBeyondBudget(t, index)
	key := findColdKey(t, index)
	current, err := index.GetExact(key, 1)
	if err != nil {
		t.Fatalf("failed to get cold key: %v", err)
	}
	if moved, err := index.Relocate(key, 1, current.Location, loc(9, 0)); err != nil || !moved {
		t.Fatalf("failed to relocate cold key: %t, %v", moved, err)
	}
	if !isCold(index, key) {
		t.Errorf("relocation promoted cold key")
	}
	got, err := index.GetExact(key, 1)
	if err != nil || got.Location != loc(9, 0) {
		t.Errorf("unexpected location after relocation: %v, %v", got, err)
	}
}

func TestIndex_LongSlotListsStayHot(t *testing.T) {
	index := newIndex(t, Config{Shards: 1, HotBudgetBytes: 2 * entryOverhead}, coldStoreFactories[0].factory(t))
	long := common.PubkeyFromUint64(1000)
	for slot := 1; slot <= ColdSlotCapacity+1; slot++ {
		if _, err := index.Upsert(long, info(slot, loc(slot, 0))); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
	}
	fillBeyondBudget(t, index)
	if isCold(index, long) {
		t.Errorf("entry with more versions than a cold cell holds was spilled")
	}
}

func TestIndex_ReferencedEntriesGetSecondChance(t *testing.T) {
	index := newIndex(t, Config{Shards: 1}, coldStoreFactories[0].factory(t))
	for i := 0; i < 3; i++ {
		if _, err := index.Upsert(common.PubkeyFromUint64(uint64(i)), info(1, loc(1, 0))); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
	}
	// Key 0 is the least recently mutated one, but it is read.
	if _, err := index.Get(common.PubkeyFromUint64(0), 1); err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	s := index.shards[0]
	victim := s.lru.victim(nil, func(*entry) bool { return true }, 2*len(s.hot))
	if victim == nil || victim.key != common.PubkeyFromUint64(1) {
		t.Errorf("unexpected eviction victim: %v", victim)
	}
}

func TestIndex_ColdTierFailuresAreFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := bucket.NewMockStore[uint32, ColdEntry](ctrl)
	store.EXPECT().New().Return(uint32(0), errors.New("disk full")).AnyTimes()
	store.EXPECT().Close().Return(nil)

	index := newIndex(t, Config{Shards: 1, HotBudgetBytes: 1}, func(int) (bucket.Store[uint32, ColdEntry], error) {
		return store, nil
	})
	if _, err := index.Upsert(common.PubkeyFromUint64(1), info(1, loc(1, 0))); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	_, err := index.Upsert(common.PubkeyFromUint64(2), info(1, loc(1, 0)))
	if !common.IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
}

func TestIndex_ConcurrentAccessesAreSafe(t *testing.T) {
	index := newIndex(t, Config{Shards: 4, HotBudgetBytes: 64 * entryOverhead}, coldStoreFactories[0].factory(t))
	const (
		N    = 8
		Keys = 200
	)
	var wg sync.WaitGroup
	wg.Add(N)
	for g := 0; g < N; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < Keys; i++ {
				key := common.PubkeyFromUint64(uint64(i))
				if g%2 == 0 {
					if _, err := index.Upsert(key, info(g, loc(g, i*8))); err != nil {
						t.Errorf("failed to upsert: %v", err)
					}
				} else if _, err := index.Get(key, common.Slot(g)); err != nil && !errors.Is(err, ErrNotFound) {
					t.Errorf("failed to get: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	if got := index.Len(); got != Keys {
		t.Errorf("unexpected number of keys, wanted %d, got %d", Keys, got)
	}
}

func TestIndex_ProvidesMemoryFootprint(t *testing.T) {
	index := newMemoryIndex(t)
	fillBeyondBudget(t, index)
	mf := index.GetMemoryFootprint()
	if mf.Total() < 100*uintptr(entryOverhead) {
		t.Errorf("footprint does not cover entries: %v", mf)
	}
	if err := index.Flush(); err != nil {
		t.Errorf("failed to flush: %v", err)
	}
}
