// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package lthash

import (
	"context"

	"github.com/Fantom-foundation/accountsdb/common"
	"golang.org/x/sync/errgroup"
)

// Producer feeds the accounts of a set into the given channel. It must stop
// and return the context's error once the context is cancelled.
type Producer func(ctx context.Context, out chan<- *common.StoredAccount) error

// Compute computes the aggregate lattice hash of all accounts emitted by
// the producer from scratch, hashing accounts on the given number of
// workers. The first error of the producer is returned.
func Compute(ctx context.Context, workers int, produce Producer) (LtHash, error) {
	if workers < 1 {
		workers = 1
	}
	group, ctx := errgroup.WithContext(ctx)
	accounts := make(chan *common.StoredAccount, 4*workers)
	partial := make([]LtHash, workers)

	group.Go(func() error {
		defer close(accounts)
		return produce(ctx, accounts)
	})
	for i := range partial {
		group.Go(func() error {
			for account := range accounts {
				hash := AccountHash(account)
				partial[i].Add(&hash)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Identity(), err
	}

	res := Identity()
	for i := range partial {
		res.Add(&partial[i])
	}
	return res, nil
}

// FromSlice is a producer emitting the given accounts.
func FromSlice(accounts []*common.StoredAccount) Producer {
	return func(ctx context.Context, out chan<- *common.StoredAccount) error {
		for _, account := range accounts {
			select {
			case out <- account:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}
