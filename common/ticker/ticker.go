// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package ticker

import "time"

//go:generate mockgen -source ticker.go -destination ticker_mocks.go -package ticker

// Ticker produces ticks driving periodic background work, such as the
// clean and shrink cycles of a database. Once stopped, no more ticks are
// delivered.
type Ticker interface {
	// C returns the channel on which the ticks are delivered.
	C() <-chan time.Time

	// Stop turns off a ticker. After Stop, no more ticks will be sent.
	Stop()
}

// TimeTicker is a Ticker firing at fixed wall-clock intervals.
type TimeTicker struct {
	ticker *time.Ticker
}

// NewTimeTicker creates a ticker firing every d.
func NewTimeTicker(d time.Duration) TimeTicker {
	return TimeTicker{time.NewTicker(d)}
}

func (t TimeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t TimeTicker) Stop() {
	t.ticker.Stop()
}

// ManualTicker is a Ticker firing only when Tick is called. It allows
// callers, mostly tests, to trigger periodic work deterministically.
type ManualTicker struct {
	c chan time.Time
}

// NewManualTicker creates a ticker that fires on demand.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{c: make(chan time.Time)}
}

// Tick delivers a single tick, blocking until it has been received.
func (t *ManualTicker) Tick() {
	t.c <- time.Now()
}

func (t *ManualTicker) C() <-chan time.Time {
	return t.c
}

func (t *ManualTicker) Stop() {}
