// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package ldb

import (
	"errors"
	"testing"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
)

func openTestStore(_ *testing.T, directory string) (bucket.Store[uint32, bucket.TestValue], error) {
	return OpenStore[uint32, bucket.TestValue](bucket.TestValueEncoder{}, directory, nil)
}

func TestLevelDbStore(t *testing.T) {
	bucket.RunStoreTests(t, bucket.NamedStoreFactory{
		ImplementationName: "ldb",
		Open:               openTestStore,
		Persistent:         true,
	})
}

func TestLevelDbStore_IncompatibleLayoutIsRejected(t *testing.T) {
	dir := t.TempDir()
	store, err := openTestStore(t, dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
	if _, err := OpenStore[uint64, bucket.TestValue](bucket.TestValueEncoder{}, dir, nil); !errors.Is(err, bucket.ErrLayout) {
		t.Errorf("opening with different index size should fail, got %v", err)
	}
}

func TestLevelDbStore_UnsetCellsAreZero(t *testing.T) {
	store, err := openTestStore(t, t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	cell, err := store.New()
	if err != nil {
		t.Fatalf("failed to allocate cell: %v", err)
	}
	got, err := store.Get(cell)
	if err != nil {
		t.Fatalf("failed to read cell: %v", err)
	}
	if got != (bucket.TestValue{}) {
		t.Errorf("fresh cell should be zero, got %v", got)
	}
}
