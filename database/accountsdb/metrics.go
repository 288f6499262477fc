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

import "github.com/ethereum/go-ethereum/metrics"

var (
	storeMeter = metrics.NewRegisteredMeter("accountsdb/store/accounts", nil)
	loadMeter  = metrics.NewRegisteredMeter("accountsdb/load/accounts", nil)

	cacheHitMeter  = metrics.NewRegisteredMeter("accountsdb/cache/hit", nil)
	cacheMissMeter = metrics.NewRegisteredMeter("accountsdb/cache/miss", nil)
	cacheBytes     = metrics.NewRegisteredGauge("accountsdb/cache/bytes", nil)
	cacheEvictions = metrics.NewRegisteredGauge("accountsdb/cache/evictions", nil)

	indexHotKeys    = metrics.NewRegisteredGauge("accountsdb/index/hot", nil)
	indexColdKeys   = metrics.NewRegisteredGauge("accountsdb/index/cold", nil)
	indexColdBytes  = metrics.NewRegisteredGauge("accountsdb/index/coldbytes", nil)
	indexSpills     = metrics.NewRegisteredGauge("accountsdb/index/spills", nil)
	indexColdReads  = metrics.NewRegisteredGauge("accountsdb/index/coldreads", nil)
	indexPromotions = metrics.NewRegisteredGauge("accountsdb/index/promotions", nil)

	purgedCounter    = metrics.NewRegisteredCounter("accountsdb/clean/purged", nil)
	deadCounter      = metrics.NewRegisteredCounter("accountsdb/clean/dead", nil)
	shrunkCounter    = metrics.NewRegisteredCounter("accountsdb/shrink/files", nil)
	corruptCounter   = metrics.NewRegisteredCounter("accountsdb/shrink/corrupt", nil)
	reclaimedCounter = metrics.NewRegisteredCounter("accountsdb/reclaim/files", nil)

	lockGranted   = metrics.NewRegisteredGauge("accountsdb/locks/granted", nil)
	lockConflicts = metrics.NewRegisteredGauge("accountsdb/locks/conflicts", nil)

	fatalCounter = metrics.NewRegisteredCounter("accountsdb/fatal", nil)
)

// reportMetrics publishes the statistics collected by the components.
func (db *DB) reportMetrics() {
	if db.cache != nil {
		stats := db.cache.Stats()
		cacheBytes.Update(int64(db.cache.Bytes()))
		cacheEvictions.Update(int64(stats.Evictions))
	}
	stats := db.index.Stats()
	indexHotKeys.Update(int64(stats.HotKeys))
	indexColdKeys.Update(int64(stats.ColdKeys))
	indexColdBytes.Update(int64(stats.ColdKeyBytes))
	indexSpills.Update(int64(stats.Spills))
	indexColdReads.Update(int64(stats.ColdReads))
	indexPromotions.Update(int64(stats.Promotions))

	lockStats := db.locks.Stats()
	lockGranted.Update(int64(lockStats.Granted))
	lockConflicts.Update(int64(lockStats.Conflicts))
}
