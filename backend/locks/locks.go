// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package locks provides non-blocking, all-or-nothing acquisition of
// account locks for batches of transactions.
package locks

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/common"
)

const ErrNotHeld = common.ConstError("lock not held")

type Mode uint8

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Request asks for one account to be locked in the given mode.
type Request struct {
	Key  common.Pubkey
	Mode Mode
}

// Batch is a normalized set of lock requests: every key occurs at most
// once, in ascending order, and a key requested for both reading and writing
// is requested for writing.
type Batch struct {
	requests []Request
}

func NewBatch(requests ...Request) Batch {
	sorted := slices.Clone(requests)
	slices.SortFunc(sorted, func(a, b Request) int {
		if c := bytes.Compare(a.Key[:], b.Key[:]); c != 0 {
			return c
		}
		return int(b.Mode) - int(a.Mode)
	})
	// after sorting, the strongest mode of each key comes first
	return Batch{requests: slices.CompactFunc(sorted, func(a, b Request) bool {
		return a.Key == b.Key
	})}
}

func (b Batch) Requests() []Request {
	return slices.Clone(b.requests)
}

func (b Batch) Len() int {
	return len(b.requests)
}

type holders struct {
	readers int
	writer  bool
}

// Manager tracks the locks held on accounts. All methods are safe for
// concurrent use and never block on a held lock.
type Manager struct {
	mutex sync.Mutex
	locks map[common.Pubkey]holders

	granted   atomic.Uint64
	conflicts atomic.Uint64
}

func NewManager() *Manager {
	return &Manager{locks: map[common.Pubkey]holders{}}
}

// TryLock acquires all locks of the batch or none of them. If any request
// conflicts with a held lock, the keys causing conflicts are returned and
// no lock is taken. A write request conflicts with any holder, a read
// request only with a writer.
func (m *Manager) TryLock(batch Batch) (blocking []common.Pubkey, ok bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, r := range batch.requests {
		h := m.locks[r.Key]
		if h.writer || (r.Mode == Write && h.readers > 0) {
			blocking = append(blocking, r.Key)
		}
	}
	if len(blocking) > 0 {
		m.conflicts.Add(1)
		return blocking, false
	}
	for _, r := range batch.requests {
		h := m.locks[r.Key]
		if r.Mode == Write {
			h.writer = true
		} else {
			h.readers++
		}
		m.locks[r.Key] = h
	}
	m.granted.Add(1)
	return nil, true
}

// Unlock releases the locks of a previously granted batch. If any of the
// batch's locks is not held, nothing is released and ErrNotHeld is returned.
func (m *Manager) Unlock(batch Batch) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, r := range batch.requests {
		h := m.locks[r.Key]
		if (r.Mode == Write && !h.writer) || (r.Mode == Read && h.readers == 0) {
			return fmt.Errorf("%w: %s lock on %v", ErrNotHeld, r.Mode, r.Key)
		}
	}
	for _, r := range batch.requests {
		h := m.locks[r.Key]
		if r.Mode == Write {
			h.writer = false
		} else {
			h.readers--
		}
		if h.readers == 0 && !h.writer {
			delete(m.locks, r.Key)
		} else {
			m.locks[r.Key] = h
		}
	}
	return nil
}

// IsLocked reports the holders of the given key.
func (m *Manager) IsLocked(key common.Pubkey) (readers int, writer bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	h := m.locks[key]
	return h.readers, h.writer
}

// Len is the number of accounts currently locked.
func (m *Manager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.locks)
}

type Stats struct {
	Granted   uint64
	Conflicts uint64
}

// ConflictRate is the share of batches rejected due to conflicts.
func (s Stats) ConflictRate() float64 {
	if total := s.Granted + s.Conflicts; total > 0 {
		return float64(s.Conflicts) / float64(total)
	}
	return 0
}

func (m *Manager) Stats() Stats {
	return Stats{Granted: m.granted.Load(), Conflicts: m.conflicts.Load()}
}

func (m *Manager) GetMemoryFootprint() *common.MemoryFootprint {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var key common.Pubkey
	var h holders
	return common.NewMemoryFootprint(unsafe.Sizeof(*m) + uintptr(len(m.locks))*(unsafe.Sizeof(key)+unsafe.Sizeof(h)))
}
