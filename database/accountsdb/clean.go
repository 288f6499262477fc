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
	"maps"
	"slices"

	"github.com/Fantom-foundation/accountsdb/backend/index"
	"github.com/Fantom-foundation/accountsdb/backend/lthash"
	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
)

// CleanStats summarizes the effect of a Clean run.
type CleanStats struct {
	Slots    int // rooted slots cleaned
	Keys     int // keys examined
	Purged   int // versions removed from the index
	Dead     int // keys removed entirely
	Retained int // keys with versions kept for pinned snapshots
	Obsolete int // storage files without live records
}

// Clean removes index entries made obsolete by rooted slots: versions
// superseded by a newer rooted version, and tombstones without any other
// version. Versions still visible to a pinned snapshot are kept. Storage
// files left without live records are marked obsolete and reclaimed.
func (db *DB) Clean() (CleanStats, error) {
	stats := CleanStats{}
	if err := db.checkUsable(); err != nil {
		return stats, err
	}
	db.maintenance.Lock()
	defer db.maintenance.Unlock()

	db.stateMutex.Lock()
	if !db.hasRoot {
		db.stateMutex.Unlock()
		return stats, nil
	}
	keys := map[common.Pubkey]struct{}{}
	for it := db.uncleaned.Iterator(); it.HasNext(); {
		slot := common.Slot(it.Next())
		maps.Copy(keys, db.dirty[slot])
		delete(db.dirty, slot)
		stats.Slots++
	}
	db.uncleaned.Clear()
	maps.Copy(keys, db.retained)
	clear(db.retained)
	rooted := db.rooted.Clone()
	request := &index.CleanRequest{
		MaxRoot:  db.maxRoot,
		IsRooted: func(slot common.Slot) bool { return rooted.Contains(uint64(slot)) },
		Pinned:   slices.Sorted(maps.Keys(db.pins)),
	}
	db.stateMutex.Unlock()

	touched := map[storage.FileID]storage.File{}
	for key := range keys {
		stats.Keys++
		res, err := db.index.Clean(key, request)
		if err != nil {
			return stats, db.fail(err)
		}
		for _, info := range res.Purged {
			if file, found := db.files.get(info.Location.File); found {
				file.RemoveAlive(int(info.Size))
				touched[file.ID()] = file
			}
		}
		stats.Purged += len(res.Purged)
		purgedCounter.Inc(int64(len(res.Purged)))

		if res.Dead {
			// The removed tombstone leaves the rooted state.
			tombstone := res.Purged[len(res.Purged)-1]
			record, err := db.readAt(tombstone.Location)
			if err != nil {
				return stats, db.halt(err)
			}
			hash := lthash.AccountHash(record)
			db.stateMutex.Lock()
			db.aggregate.Sub(&hash)
			db.stateMutex.Unlock()
			if db.cache != nil {
				db.cache.Invalidate(key)
			}
			stats.Dead++
			deadCounter.Inc(1)
		}
		if res.RetainedTombstone || res.Pinned {
			// revisited once the snapshots are released
			db.stateMutex.Lock()
			db.retained[key] = struct{}{}
			db.stateMutex.Unlock()
			stats.Retained++
		}
	}

	var errs []error
	for _, file := range touched {
		if file.AliveCount() == 0 && file.Status() == storage.Full {
			errs = append(errs, db.retire(file))
			stats.Obsolete++
		}
	}
	if err := errors.Join(errs...); err != nil {
		return stats, db.fail(err)
	}
	logger.Debug("Cleaned rooted slots", "slots", stats.Slots, "keys", stats.Keys, "purged", stats.Purged, "dead", stats.Dead, "obsolete", stats.Obsolete)
	return stats, nil
}

// retire marks a file obsolete and reclaims it, or defers reclaiming while
// snapshots are pinned. Must be called holding the maintenance lock.
func (db *DB) retire(file storage.File) error {
	if err := file.MarkObsolete(); err != nil {
		return err
	}
	db.stateMutex.Lock()
	pinned := len(db.pins) > 0
	if pinned {
		db.pending = append(db.pending, file)
	}
	db.stateMutex.Unlock()
	if pinned {
		return nil
	}
	return db.reclaim(file)
}

// reclaim frees the storage of an obsolete file. Reads in flight complete
// before the storage is released; later reads re-resolve through the index.
func (db *DB) reclaim(file storage.File) error {
	db.files.remove(file)
	if err := file.Reclaim(); err != nil {
		return err
	}
	reclaimedCounter.Inc(1)
	return nil
}
