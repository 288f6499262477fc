// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package cache

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/hashicorp/golang-lru/simplelru"
)

const ErrInvalidConfig = common.ConstError("invalid cache configuration")

// itemOverhead approximates the bytes used per cached record beyond the
// account content, covering the list element, the map slot, and the record
// metadata.
const itemOverhead = 176

// DefaultPromoteEvery is the default number of hits after which an entry is
// moved to the front of its shard's recency list.
const DefaultPromoteEvery = 4

// Cache is a bounded cache of deserialized account records. It holds at
// most one version per key; a lookup only hits if the cached version was
// written in exactly the requested slot.
//
// The cache is split into shards, each with its own lock and byte budget.
// Eviction removes the least-recently used entries of a shard until it is
// within its budget. Recency is approximate: hits only reorder the recency
// list every promoteEvery hits of a shard, keeping most lookups free of
// list manipulation.
type Cache struct {
	shards       []*shard
	promoteEvery uint32

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type shard struct {
	mutex  sync.Mutex
	lru    *simplelru.LRU
	bytes  uint64
	budget uint64
	hits   uint32
	epoch  uint64 // incremented by every invalidation
	// updates is the number of keys of the shard with a pending update.
	updates int
}

type item struct {
	record *common.StoredAccount
	size   uint64
}

// New creates a cache bounded to the given number of bytes. The number of
// shards must be a power of two.
func New(maxBytes uint64, shards int) (*Cache, error) {
	return NewWithPromotion(maxBytes, shards, DefaultPromoteEvery)
}

// NewWithPromotion creates a cache promoting entries every promoteEvery hits
// per shard. A value of 1 yields an exact LRU policy.
func NewWithPromotion(maxBytes uint64, shards int, promoteEvery int) (*Cache, error) {
	if !common.IsPowerOfTwo(shards) {
		return nil, fmt.Errorf("%w: number of shards must be a power of two, got %d", ErrInvalidConfig, shards)
	}
	if promoteEvery < 1 {
		return nil, fmt.Errorf("%w: promotion interval must be positive, got %d", ErrInvalidConfig, promoteEvery)
	}
	res := &Cache{
		shards:       make([]*shard, shards),
		promoteEvery: uint32(promoteEvery),
	}
	for i := range res.shards {
		// The entry count is not limited; the byte budget governs eviction.
		lru, err := simplelru.NewLRU(math.MaxInt32, nil)
		if err != nil {
			return nil, err
		}
		res.shards[i] = &shard{lru: lru, budget: maxBytes / uint64(shards)}
	}
	return res, nil
}

func (c *Cache) shardOf(key *common.Pubkey) *shard {
	return c.shards[common.ShardOf(key, len(c.shards))]
}

// Get returns a copy of the cached record of the key written in the given
// slot, if present.
func (c *Cache) Get(key common.Pubkey, slot common.Slot) (*common.StoredAccount, bool) {
	s := c.shardOf(&key)
	s.mutex.Lock()
	value, found := s.lru.Peek(key)
	if !found || value.(*item).record.Slot != slot {
		s.mutex.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	s.hits++
	if s.hits%c.promoteEvery == 0 {
		s.lru.Get(key)
	}
	record := value.(*item).record
	s.mutex.Unlock()
	c.hits.Add(1)
	return clone(record), true
}

// Insert caches the given record, replacing any other version of the same
// key. Records exceeding the shard budget are not cached.
func (c *Cache) Insert(record *common.StoredAccount) {
	c.insert(record, 0, false)
}

// Epoch returns the invalidation epoch of the shard holding the given key.
// Readers obtain it before resolving a record they intend to cache.
func (c *Cache) Epoch(key common.Pubkey) uint64 {
	s := c.shardOf(&key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.epoch
}

// InsertAt caches the given record unless an invalidation happened in its
// shard since the given epoch or an update of the shard is pending, in
// which case the record may be outdated. It reports whether the record has
// been cached.
func (c *Cache) InsertAt(record *common.StoredAccount, epoch uint64) bool {
	return c.insert(record, epoch, true)
}

func (c *Cache) insert(record *common.StoredAccount, epoch uint64, checkEpoch bool) bool {
	key := record.Key
	size := uint64(record.Account.Size()) + itemOverhead
	s := c.shardOf(&key)
	if size > s.budget {
		c.Invalidate(key)
		return false
	}
	value := &item{record: clone(record), size: size}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if checkEpoch && (s.epoch != epoch || s.updates > 0) {
		return false
	}
	if old, found := s.lru.Peek(key); found {
		s.bytes -= old.(*item).size
	}
	s.lru.Add(key, value)
	s.bytes += size
	for s.bytes > s.budget {
		_, evicted, ok := s.lru.RemoveOldest()
		if !ok {
			break
		}
		s.bytes -= evicted.(*item).size
		c.evictions.Add(1)
	}
	return true
}

// Invalidate drops any cached version of the given key.
func (c *Cache) Invalidate(key common.Pubkey) {
	s := c.shardOf(&key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.invalidate(key)
}

// BeginUpdate drops any cached version of the given key and rejects all
// InsertAt calls of its shard until the matching EndUpdate. Writers bracket
// the publication of a new version with these calls, so no reader can cache
// a version resolved before the publication.
func (c *Cache) BeginUpdate(key common.Pubkey) {
	s := c.shardOf(&key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.invalidate(key)
	s.updates++
}

// EndUpdate completes an update started by BeginUpdate.
func (c *Cache) EndUpdate(key common.Pubkey) {
	s := c.shardOf(&key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.invalidate(key)
	if s.updates > 0 {
		s.updates--
	}
}

func (s *shard) invalidate(key common.Pubkey) {
	s.epoch++
	if old, found := s.lru.Peek(key); found {
		s.bytes -= old.(*item).size
		s.lru.Remove(key)
	}
}

// Len is the number of cached accounts.
func (c *Cache) Len() int {
	res := 0
	for _, s := range c.shards {
		s.mutex.Lock()
		res += s.lru.Len()
		s.mutex.Unlock()
	}
	return res
}

// Bytes is the approximate number of bytes occupied by cached accounts.
func (c *Cache) Bytes() uint64 {
	res := uint64(0)
	for _, s := range c.shards {
		s.mutex.Lock()
		res += s.bytes
		s.mutex.Unlock()
	}
	return res
}

// Stats summarizes the effectiveness of a cache.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRatio is the share of lookups served by the cache.
func (s Stats) HitRatio() float64 {
	if lookups := s.Hits + s.Misses; lookups > 0 {
		return float64(s.Hits) / float64(lookups)
	}
	return 0
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func clone(record *common.StoredAccount) *common.StoredAccount {
	res := *record
	res.Account = *record.Account.Clone()
	return &res
}

func (c *Cache) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*c))
	mf.AddChild("entries", common.NewMemoryFootprint(uintptr(c.Bytes())))
	mf.SetNote(fmt.Sprintf("(accounts: %d)", c.Len()))
	return mf
}
