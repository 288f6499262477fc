// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package locks

import (
	"context"
	"fmt"

	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/ethereum/go-ethereum/log"
)

var logger = log.New("pkg", "locks")

type Kind uint8

const (
	Acquire Kind = iota
	Release
)

// Message is a lock request sent to an Arbiter by a scheduler.
type Message struct {
	ID    uint64
	Kind  Kind
	Batch Batch
}

// Response answers the message with the same ID. For Acquire messages,
// Granted reports whether all locks were taken and Blocking lists the keys
// preventing it otherwise. Release messages report errors in Err.
type Response struct {
	ID       uint64
	Kind     Kind
	Granted  bool
	Blocking []common.Pubkey
	Err      error
}

// Arbiter is a message-passing front end of a Manager. Schedulers submit
// acquire and release messages and receive one response per message; a
// message is answered without ever waiting for a lock to become free.
type Arbiter struct {
	manager   *Manager
	requests  chan Message
	responses chan Response
}

func NewArbiter(manager *Manager, buffer int) *Arbiter {
	return &Arbiter{
		manager:   manager,
		requests:  make(chan Message, buffer),
		responses: make(chan Response, buffer),
	}
}

// Submit enqueues a message. It blocks only while the request queue is
// full, and fails if the context is cancelled first.
func (a *Arbiter) Submit(ctx context.Context, msg Message) error {
	select {
	case a.requests <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Responses delivers the answers to submitted messages in submission order.
// The channel is closed when Run returns.
func (a *Arbiter) Responses() <-chan Response {
	return a.responses
}

// Run processes messages until the context is cancelled. It must be
// called at most once.
func (a *Arbiter) Run(ctx context.Context) error {
	defer close(a.responses)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-a.requests:
			res := a.handle(msg)
			select {
			case a.responses <- res:
			case <-ctx.Done():
				a.revoke(res, msg.Batch)
				return ctx.Err()
			}
		}
	}
}

// revoke undoes a grant whose response can no longer be delivered.
func (a *Arbiter) revoke(res Response, batch Batch) {
	if res.Kind != Acquire || !res.Granted {
		return
	}
	if err := a.manager.Unlock(batch); err != nil {
		logger.Warn("Failed to revoke undelivered grant", "id", res.ID, "err", err)
	}
}

func (a *Arbiter) handle(msg Message) Response {
	res := Response{ID: msg.ID, Kind: msg.Kind}
	switch msg.Kind {
	case Acquire:
		res.Blocking, res.Granted = a.manager.TryLock(msg.Batch)
	case Release:
		if res.Err = a.manager.Unlock(msg.Batch); res.Err != nil {
			logger.Warn("Failed to release locks", "id", msg.ID, "err", res.Err)
		}
	default:
		res.Err = fmt.Errorf("unknown message kind %d", msg.Kind)
	}
	return res
}
