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
	"errors"
	"math/rand"
	"testing"

	"github.com/Fantom-foundation/accountsdb/common"
)

func newAccount(seed uint64, lamports uint64) *common.StoredAccount {
	return &common.StoredAccount{
		Key:          common.PubkeyFromUint64(seed),
		Slot:         common.Slot(seed),
		WriteVersion: seed,
		Account: common.Account{
			Lamports:  lamports,
			Owner:     common.PubkeyFromUint64(seed + 7),
			RentEpoch: seed,
			Data:      []byte{byte(seed), byte(seed >> 8), 1, 2, 3},
		},
	}
}

func TestLtHash_IdentityIsNeutral(t *testing.T) {
	h := AccountHash(newAccount(1, 10))
	sum := h
	id := Identity()
	sum.Add(&id)
	if !sum.Equal(&h) {
		t.Errorf("adding the identity changed the hash")
	}
	if !id.IsIdentity() || h.IsIdentity() {
		t.Errorf("unexpected identity classification")
	}
}

func TestLtHash_SubIsInverseOfAdd(t *testing.T) {
	for seed := uint64(0); seed < 20; seed++ {
		a := AccountHash(newAccount(seed, 100))
		h := AccountHash(newAccount(seed+100, 5))
		res := a
		res.Add(&h)
		res.Sub(&h)
		if !res.Equal(&a) {
			t.Fatalf("remove(add(a, h), h) != a for seed %d", seed)
		}
	}
}

func TestLtHash_AggregateIsOrderIndependent(t *testing.T) {
	type op struct {
		remove bool
		hash   LtHash
	}
	ops := []op{}
	for i := uint64(0); i < 30; i++ {
		ops = append(ops, op{hash: AccountHash(newAccount(i, i+1))})
		if i%3 == 0 {
			ops = append(ops, op{remove: true, hash: AccountHash(newAccount(i, i+1))})
		}
	}
	apply := func(ops []op) LtHash {
		res := Identity()
		for _, o := range ops {
			if o.remove {
				res.Sub(&o.hash)
			} else {
				res.Add(&o.hash)
			}
		}
		return res
	}
	want := apply(ops)
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		r.Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })
		if got := apply(ops); !got.Equal(&want) {
			t.Fatalf("permutation %d produced a different aggregate", i)
		}
	}
}

func TestLtHash_IncrementalUpdatesMatchFromScratch(t *testing.T) {
	live := map[common.Pubkey]*common.StoredAccount{}
	aggregate := Identity()
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		account := newAccount(uint64(r.Intn(40)), uint64(r.Intn(5)))
		if old, found := live[account.Key]; found {
			h := AccountHash(old)
			aggregate.Sub(&h)
		}
		h := AccountHash(account)
		aggregate.Add(&h)
		live[account.Key] = account

		// purge some tombstones
		if account.Account.IsTombstone() && r.Intn(2) == 0 {
			aggregate.Sub(&h)
			delete(live, account.Key)
		}
	}

	set := make([]*common.StoredAccount, 0, len(live))
	for _, account := range live {
		set = append(set, account)
	}
	want, err := Compute(context.Background(), 4, FromSlice(set))
	if err != nil {
		t.Fatalf("failed to compute hash: %v", err)
	}
	if !aggregate.Equal(&want) {
		t.Errorf("incremental aggregate %v differs from recomputed %v", aggregate, want)
	}
}

func TestAccountHash_IgnoresSlotAndWriteVersion(t *testing.T) {
	a := newAccount(1, 10)
	b := newAccount(1, 10)
	b.Slot = 1000
	b.WriteVersion = 77
	ha, hb := AccountHash(a), AccountHash(b)
	if !ha.Equal(&hb) {
		t.Errorf("hash depends on slot or write version")
	}
}

func TestAccountHash_DependsOnEveryField(t *testing.T) {
	base := newAccount(1, 10)
	variants := map[string]func(*common.StoredAccount){
		"key":        func(a *common.StoredAccount) { a.Key[0]++ },
		"lamports":   func(a *common.StoredAccount) { a.Account.Lamports++ },
		"owner":      func(a *common.StoredAccount) { a.Account.Owner[5]++ },
		"executable": func(a *common.StoredAccount) { a.Account.Executable = !a.Account.Executable },
		"rent epoch": func(a *common.StoredAccount) { a.Account.RentEpoch++ },
		"data":       func(a *common.StoredAccount) { a.Account.Data[0]++ },
		"data length": func(a *common.StoredAccount) {
			a.Account.Data = append(a.Account.Data, 0)
		},
	}
	want := AccountHash(base)
	for name, modify := range variants {
		t.Run(name, func(t *testing.T) {
			account := *base
			account.Account = *base.Account.Clone()
			modify(&account)
			if got := AccountHash(&account); got.Equal(&want) {
				t.Errorf("hash does not depend on %s", name)
			}
		})
	}
}

func TestLtHash_BytesRoundTrip(t *testing.T) {
	h := AccountHash(newAccount(3, 4))
	restored, err := FromBytes(h.Bytes())
	if err != nil {
		t.Fatalf("failed to parse hash: %v", err)
	}
	if !restored.Equal(&h) {
		t.Errorf("restored hash differs")
	}
	if _, err := FromBytes(make([]byte, Size-1)); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("expected invalid length error, got %v", err)
	}
}

func TestLtHash_ChecksumDistinguishesValues(t *testing.T) {
	a, b := AccountHash(newAccount(1, 1)), AccountHash(newAccount(2, 1))
	if a.Checksum() == b.Checksum() {
		t.Errorf("distinct hashes share a checksum")
	}
	id := Identity()
	if id.Checksum() == (common.Hash{}) {
		t.Errorf("checksum of identity should not be all zeros")
	}
}

func TestCompute_EmptySetIsIdentity(t *testing.T) {
	got, err := Compute(context.Background(), 3, FromSlice(nil))
	if err != nil {
		t.Fatalf("failed to compute hash: %v", err)
	}
	if !got.IsIdentity() {
		t.Errorf("hash of empty set is not the identity")
	}
}

func TestCompute_ReportsProducerErrors(t *testing.T) {
	injected := errors.New("injected")
	_, err := Compute(context.Background(), 2, func(ctx context.Context, out chan<- *common.StoredAccount) error {
		out <- newAccount(1, 1)
		return injected
	})
	if !errors.Is(err, injected) {
		t.Errorf("expected injected error, got %v", err)
	}
}
