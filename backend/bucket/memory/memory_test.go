// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package memory

import (
	"testing"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
)

func TestInMemoryStore(t *testing.T) {
	bucket.RunStoreTests(t, bucket.NamedStoreFactory{
		ImplementationName: "memory",
		Open: func(*testing.T, string) (bucket.Store[uint32, bucket.TestValue], error) {
			return NewStore[uint32, bucket.TestValue](), nil
		},
	})
}

func TestInMemoryStore_MemoryReporting(t *testing.T) {
	store := NewStore[uint32, bucket.TestValue]()
	for i := 0; i < 10; i++ {
		if _, err := store.New(); err != nil {
			t.Fatalf("failed to allocate cell: %v", err)
		}
	}
	want := unsafe.Sizeof(*store) + uintptr(cap(store.values))*unsafe.Sizeof(bucket.TestValue{})
	if got := store.GetMemoryFootprint().Total(); got != want {
		t.Errorf("invalid size reported, wanted %d, got %d", want, got)
	}
}
