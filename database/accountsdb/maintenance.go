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
	"context"

	"github.com/Fantom-foundation/accountsdb/common/ticker"
)

// StartMaintenance runs Clean and Shrink on every tick of the given ticker
// until the context is canceled or the database halts. The returned channel
// is closed once the background worker stopped.
func (db *DB) StartMaintenance(ctx context.Context, t ticker.Ticker) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C():
				if !db.maintain() {
					return
				}
			}
		}
	}()
	return done
}

// RunMaintenance starts maintenance at the configured interval.
func (db *DB) RunMaintenance(ctx context.Context) <-chan struct{} {
	return db.StartMaintenance(ctx, ticker.NewTimeTicker(db.config.Maintenance.Interval))
}

// maintain performs one maintenance cycle. It reports false if the database
// is no longer usable.
func (db *DB) maintain() bool {
	if err := db.checkUsable(); err != nil {
		return false
	}
	if _, err := db.Clean(); err != nil {
		logger.Warn("Failed to clean accounts", "err", err)
	}
	if _, err := db.Shrink(); err != nil {
		logger.Warn("Failed to shrink storage", "err", err)
	}
	db.reportMetrics()
	return db.checkUsable() == nil
}
