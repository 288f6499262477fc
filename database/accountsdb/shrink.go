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
	"sync"

	"github.com/Fantom-foundation/accountsdb/backend/index"
	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
	"golang.org/x/sync/errgroup"
)

// ShrinkStats summarizes the effect of a Shrink run.
type ShrinkStats struct {
	Files          int // files rewritten or retired
	Moved          int // live records relocated
	Corrupt        int // records skipped due to corruption
	Obsolete       int // files marked obsolete
	ReclaimedBytes uint64
}

func (s *ShrinkStats) add(other ShrinkStats) {
	s.Files += other.Files
	s.Moved += other.Moved
	s.Corrupt += other.Corrupt
	s.Obsolete += other.Obsolete
	s.ReclaimedBytes += other.ReclaimedBytes
}

// Shrink rewrites sealed storage files of rooted slots whose share of live
// bytes dropped below the configured ratio. Live records are copied into a
// new file of the same slot and the index is redirected to the copies.
// Files without any live record are retired directly.
func (db *DB) Shrink() (ShrinkStats, error) {
	total := ShrinkStats{}
	if err := db.checkUsable(); err != nil {
		return total, err
	}
	db.maintenance.Lock()
	defer db.maintenance.Unlock()

	db.stateMutex.Lock()
	maxRoot, hasRoot := db.maxRoot, db.hasRoot
	db.stateMutex.Unlock()
	if !hasRoot {
		return total, nil
	}

	var candidates []storage.File
	for _, file := range db.files.upTo(maxRoot) {
		if db.shouldShrink(file) {
			candidates = append(candidates, file)
		}
	}
	if len(candidates) == 0 {
		return total, nil
	}

	var mutex sync.Mutex
	group := errgroup.Group{}
	group.SetLimit(db.config.Shrink.Workers)
	for _, file := range candidates {
		group.Go(func() error {
			stats, err := db.shrinkFile(file)
			mutex.Lock()
			total.add(stats)
			mutex.Unlock()
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return total, db.fail(err)
	}
	shrunkCounter.Inc(int64(total.Files))
	corruptCounter.Inc(int64(total.Corrupt))
	logger.Debug("Shrunk storage files", "files", total.Files, "moved", total.Moved, "corrupt", total.Corrupt, "reclaimed", total.ReclaimedBytes)
	return total, nil
}

func (db *DB) shouldShrink(file storage.File) bool {
	if file.Status() != storage.Full {
		return false
	}
	if file.AliveCount() == 0 {
		return true
	}
	return float64(file.AliveBytes()) < db.config.Shrink.AliveRatio*float64(file.Len())
}

type liveRecord struct {
	record *common.StoredAccount
	offset storage.Offset
	size   int
}

func (db *DB) shrinkFile(file storage.File) (ShrinkStats, error) {
	stats := ShrinkStats{}
	var live []liveRecord
	needed := 0
	if file.AliveCount() > 0 {
		var lookupErr error
		err := file.Scan(func(offset storage.Offset, record *common.StoredAccount, length int, err error) bool {
			if err != nil {
				logger.Warn("Skipping corrupted record", "file", file.ID(), "offset", offset, "err", err)
				stats.Corrupt++
				return true
			}
			info, err := db.index.GetExact(record.Key, record.Slot)
			if errors.Is(err, index.ErrNotFound) {
				return true
			}
			if err != nil {
				lookupErr = err
				return false
			}
			if info.Location == (index.Location{File: file.ID(), Offset: offset}) {
				live = append(live, liveRecord{record: record, offset: offset, size: length})
				needed += length
			}
			return true
		})
		if lookupErr != nil {
			return stats, lookupErr
		}
		if errors.Is(err, storage.ErrCorrupt) {
			logger.Warn("Skipping unreadable storage file", "file", file.ID(), "slot", file.Slot(), "err", err)
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
	}

	if len(live) > 0 {
		target, err := db.createFile(file.Slot(), uint64(needed))
		if err != nil {
			return stats, err
		}
		from := index.Location{File: file.ID()}
		to := index.Location{File: target.ID()}
		for _, entry := range live {
			offset, err := target.Append(entry.record)
			if err != nil {
				return stats, err
			}
			from.Offset, to.Offset = entry.offset, offset
			moved, err := db.index.Relocate(entry.record.Key, entry.record.Slot, from, to)
			if err != nil {
				return stats, err
			}
			if moved {
				target.AddAlive(entry.size)
				file.RemoveAlive(entry.size)
				stats.Moved++
			}
		}
		if err := target.Seal(); err != nil {
			return stats, err
		}
		if target.AliveCount() == 0 {
			if err := db.retire(target); err != nil {
				return stats, err
			}
			stats.Obsolete++
		}
	}

	if file.AliveCount() > 0 {
		// Referenced records could not be read; keep the file for the
		// readers that are able to.
		logger.Warn("Storage file still referenced after shrinking", "file", file.ID(), "alive", file.AliveCount())
		return stats, nil
	}
	stats.Files++
	stats.Obsolete++
	stats.ReclaimedBytes += file.Len()
	return stats, db.retire(file)
}
