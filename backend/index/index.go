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
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
)

const (
	ErrNotFound      = common.ConstError("account not found")
	ErrInvalidConfig = common.ConstError("invalid index configuration")
)

// Location addresses a record in the storage layer.
type Location struct {
	File   storage.FileID
	Offset storage.Offset
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d", l.File, l.Offset)
}

// SlotInfo describes the version of an account written in a slot.
type SlotInfo struct {
	Slot     common.Slot
	Location Location
	// Size is the number of storage bytes occupied by the record.
	Size      uint32
	Tombstone bool
}

// UpsertResult describes the effect of an Upsert.
type UpsertResult struct {
	// Previous is the version that was visible at the upserted slot before
	// the update; only valid if HasPrevious is set.
	Previous    SlotInfo
	HasPrevious bool
	// Replaced is set if Previous was written in the same slot and has been
	// overwritten by the update.
	Replaced bool
}

// Config defines the layout of an index.
type Config struct {
	// Shards is the number of independent shards; must be a power of two.
	Shards int
	// HotBudgetBytes bounds the memory used by the hot tiers of all shards
	// together. Zero disables spilling to the cold tier. Keys moved to the
	// cold tier are not covered: each keeps ColdKeyBytes of memory, reported
	// by Stats.ColdKeyBytes.
	HotBudgetBytes uint64
}

// ColdStoreFactory creates the cold-tier store of a shard.
type ColdStoreFactory func(shard int) (bucket.Store[uint32, ColdEntry], error)

// Index maps account keys to the storage locations of their versions,
// one location per slot. Keys are distributed among shards, each guarded by
// its own lock; no operation holds more than one shard lock at a time.
//
// Each shard keeps recently used entries in memory. If the memory used by a
// shard exceeds its share of the budget, least-recently used entries are
// moved to the shard's cold store.
type Index struct {
	shards []*shard
}

// New creates an empty index. Cold stores are created for every shard using
// the given factory.
func New(config Config, coldStores ColdStoreFactory) (*Index, error) {
	if !common.IsPowerOfTwo(config.Shards) {
		return nil, fmt.Errorf("%w: number of shards must be a power of two, got %d", ErrInvalidConfig, config.Shards)
	}
	budget := config.HotBudgetBytes / uint64(config.Shards)
	if config.HotBudgetBytes > 0 && budget == 0 {
		budget = 1
	}
	res := &Index{shards: make([]*shard, config.Shards)}
	for i := range res.shards {
		store, err := coldStores(i)
		if err != nil {
			return nil, errors.Join(err, res.Close())
		}
		res.shards[i] = newShard(store, budget)
	}
	return res, nil
}

func (i *Index) shardOf(key *common.Pubkey) *shard {
	return i.shards[common.ShardOf(key, len(i.shards))]
}

// Upsert registers the version of the given key written in info.Slot. An
// existing version of the same slot is replaced.
func (i *Index) Upsert(key common.Pubkey, info SlotInfo) (UpsertResult, error) {
	return i.shardOf(&key).upsert(key, info)
}

// Get returns the version of the key with the highest slot not exceeding
// asOf. ErrNotFound is returned if there is none.
func (i *Index) Get(key common.Pubkey, asOf common.Slot) (SlotInfo, error) {
	return i.shardOf(&key).get(key, func(slots []SlotInfo) (SlotInfo, bool) {
		return visibleAt(slots, asOf)
	})
}

// GetExact returns the version of the key written in the given slot.
func (i *Index) GetExact(key common.Pubkey, slot common.Slot) (SlotInfo, error) {
	return i.shardOf(&key).get(key, func(slots []SlotInfo) (SlotInfo, bool) {
		pos, found := search(slots, slot)
		if !found {
			return SlotInfo{}, false
		}
		return slots[pos], true
	})
}

// GetAll returns all versions of the given key ordered by slot.
func (i *Index) GetAll(key common.Pubkey) ([]SlotInfo, error) {
	return i.shardOf(&key).getAll(key)
}

// Remove drops the version of the key written in the given slot. It returns
// the removed version, if there was one.
func (i *Index) Remove(key common.Pubkey, slot common.Slot) (SlotInfo, bool, error) {
	return i.shardOf(&key).remove(key, slot)
}

// Relocate atomically moves the version of the key in the given slot from
// one location to another. Nothing is changed, and false is returned, if
// the version is no longer located at from.
func (i *Index) Relocate(key common.Pubkey, slot common.Slot, from, to Location) (bool, error) {
	return i.shardOf(&key).relocate(key, slot, from, to)
}

// Clean applies the purge policy to the versions of the given key.
func (i *Index) Clean(key common.Pubkey, request *CleanRequest) (CleanResult, error) {
	return i.shardOf(&key).clean(key, request)
}

// Range visits all keys and their versions, one shard at a time and in no
// particular order. The content of a shard is copied before visiting it, so
// the visitor may access the index. Returning false stops the iteration.
func (i *Index) Range(visit func(common.Pubkey, []SlotInfo) bool) error {
	for _, s := range i.shards {
		entries, err := s.export()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !visit(e.key, e.slots) {
				return nil
			}
		}
	}
	return nil
}

// Len is the number of keys with at least one version.
func (i *Index) Len() int {
	res := 0
	for _, s := range i.shards {
		res += s.len()
	}
	return res
}

// Stats summarizes the tiering activity of an index.
type Stats struct {
	HotKeys  int
	ColdKeys int
	HotBytes uint64
	// ColdKeyBytes is the memory retained for the keys of the cold tier.
	ColdKeyBytes uint64
	// Spills counts entries moved to the cold tier.
	Spills uint64
	// Promotions counts entries moved back to the hot tier.
	Promotions uint64
	// ColdReads counts lookups served by the cold tier.
	ColdReads uint64
}

func (i *Index) Stats() Stats {
	res := Stats{}
	for _, s := range i.shards {
		s.mutex.RLock()
		res.HotKeys += len(s.hot)
		res.ColdKeys += len(s.cold)
		res.HotBytes += s.hotBytes
		s.mutex.RUnlock()
		res.ColdKeyBytes = uint64(res.ColdKeys) * ColdKeyBytes
		res.Spills += s.spills.Load()
		res.Promotions += s.promotions.Load()
		res.ColdReads += s.coldReads.Load()
	}
	return res
}

func (i *Index) Flush() error {
	var errs []error
	for _, s := range i.shards {
		errs = append(errs, s.flush())
	}
	return errors.Join(errs...)
}

func (i *Index) Close() error {
	var errs []error
	for _, s := range i.shards {
		if s != nil {
			errs = append(errs, s.close())
		}
	}
	return errors.Join(errs...)
}

func (i *Index) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*i))
	for n, s := range i.shards {
		mf.AddChild(fmt.Sprintf("shard%d", n), s.getMemoryFootprint())
	}
	mf.SetNote(fmt.Sprintf("(keys: %d)", i.Len()))
	return mf
}
