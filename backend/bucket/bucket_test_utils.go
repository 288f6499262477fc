// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package bucket

import (
	"encoding/binary"
	"errors"
	"testing"
)

// TestValue is a fixed-size value used by compliance tests.
type TestValue struct {
	A uint64
	B uint32
}

// TestValueEncoder encodes TestValues into 12 bytes.
type TestValueEncoder struct{}

func (TestValueEncoder) GetEncodedSize() int {
	return 12
}

func (TestValueEncoder) Store(trg []byte, value *TestValue) error {
	binary.BigEndian.PutUint64(trg, value.A)
	binary.BigEndian.PutUint32(trg[8:], value.B)
	return nil
}

func (TestValueEncoder) Load(src []byte, value *TestValue) error {
	value.A = binary.BigEndian.Uint64(src)
	value.B = binary.BigEndian.Uint32(src[8:])
	return nil
}

type NamedStoreFactory struct {
	ImplementationName string
	Open               func(t *testing.T, directory string) (Store[uint32, TestValue], error)
	// Persistent is set if content survives closing and reopening a store.
	Persistent bool
}

// RunStoreTests runs a set of black-box unit tests against a Store
// implementation defined by the given factory. It is intended to be used
// in implementation specific unit test packages to cover the compliance
// properties imposed by the Store interface.
func RunStoreTests(t *testing.T, factory NamedStoreFactory) {
	wrap := func(test func(*testing.T, NamedStoreFactory)) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			test(t, factory)
		}
	}
	t.Run("NewCreatesFreshCells", wrap(testNewCreatesFreshCells))
	t.Run("LookUpsRetrieveTheSameValue", wrap(testLookUpsRetrieveTheSameValue))
	t.Run("DeletedCellsAreReused", wrap(testDeletedCellsAreReused))
	t.Run("AccessToUnallocatedCellsFails", wrap(testAccessToUnallocatedCellsFails))
	t.Run("LargeNumberOfCells", wrap(testLargeNumberOfCells))
	t.Run("ProvidesMemoryFootprint", wrap(testProvidesMemoryFootprint))
	t.Run("CanBeFlushed", wrap(testCanBeFlushed))
	if factory.Persistent {
		t.Run("CanBeClosedAndReopened", wrap(testCanBeClosedAndReopened))
	}
}

func openStore(t *testing.T, factory NamedStoreFactory, directory string) Store[uint32, TestValue] {
	t.Helper()
	store, err := factory.Open(t, directory)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return store
}

func testNewCreatesFreshCells(t *testing.T, factory NamedStoreFactory) {
	store := openStore(t, factory, t.TempDir())
	defer store.Close()
	a, err := store.New()
	if err != nil {
		t.Fatalf("failed to allocate cell: %v", err)
	}
	b, err := store.New()
	if err != nil {
		t.Fatalf("failed to allocate cell: %v", err)
	}
	if a == b {
		t.Errorf("expected different cells, got %d and %d", a, b)
	}
	if got, want := store.Len(), 2; got != want {
		t.Errorf("unexpected number of cells, wanted %d, got %d", want, got)
	}
}

func testLookUpsRetrieveTheSameValue(t *testing.T, factory NamedStoreFactory) {
	store := openStore(t, factory, t.TempDir())
	defer store.Close()
	cells := map[uint32]TestValue{}
	for i := 0; i < 10; i++ {
		cell, err := store.New()
		if err != nil {
			t.Fatalf("failed to allocate cell: %v", err)
		}
		value := TestValue{A: uint64(i) * 1000, B: uint32(i)}
		if err := store.Set(cell, value); err != nil {
			t.Fatalf("failed to set cell: %v", err)
		}
		cells[cell] = value
	}
	for cell, want := range cells {
		got, err := store.Get(cell)
		if err != nil {
			t.Fatalf("failed to get cell: %v", err)
		}
		if got != want {
			t.Errorf("unexpected value in cell %d, wanted %v, got %v", cell, want, got)
		}
	}
}

func testDeletedCellsAreReused(t *testing.T, factory NamedStoreFactory) {
	store := openStore(t, factory, t.TempDir())
	defer store.Close()
	a, _ := store.New()
	b, _ := store.New()
	if err := store.Delete(a); err != nil {
		t.Fatalf("failed to delete cell: %v", err)
	}
	if got, want := store.Len(), 1; got != want {
		t.Errorf("unexpected number of cells, wanted %d, got %d", want, got)
	}
	c, err := store.New()
	if err != nil {
		t.Fatalf("failed to allocate cell: %v", err)
	}
	if c != a {
		t.Errorf("deleted cell %d was not reused, got %d", a, c)
	}
	if c == b {
		t.Errorf("live cell was handed out twice")
	}
}

func testAccessToUnallocatedCellsFails(t *testing.T, factory NamedStoreFactory) {
	store := openStore(t, factory, t.TempDir())
	defer store.Close()
	if _, err := store.Get(12); !errors.Is(err, ErrInvalidCell) {
		t.Errorf("expected invalid cell error, got %v", err)
	}
	if err := store.Set(12, TestValue{}); !errors.Is(err, ErrInvalidCell) {
		t.Errorf("expected invalid cell error, got %v", err)
	}
}

func testLargeNumberOfCells(t *testing.T, factory NamedStoreFactory) {
	const N = 5000
	store := openStore(t, factory, t.TempDir())
	defer store.Close()
	cells := make([]uint32, 0, N)
	for i := 0; i < N; i++ {
		cell, err := store.New()
		if err != nil {
			t.Fatalf("failed to allocate cell: %v", err)
		}
		if err := store.Set(cell, TestValue{A: uint64(i)}); err != nil {
			t.Fatalf("failed to set cell: %v", err)
		}
		cells = append(cells, cell)
	}
	for i := 0; i < N; i += 2 {
		if err := store.Delete(cells[i]); err != nil {
			t.Fatalf("failed to delete cell: %v", err)
		}
	}
	for i := 1; i < N; i += 2 {
		got, err := store.Get(cells[i])
		if err != nil {
			t.Fatalf("failed to get cell: %v", err)
		}
		if got.A != uint64(i) {
			t.Errorf("unexpected value in cell %d, wanted %d, got %d", cells[i], i, got.A)
		}
	}
	if got, want := store.Len(), N/2; got != want {
		t.Errorf("unexpected number of cells, wanted %d, got %d", want, got)
	}
}

func testProvidesMemoryFootprint(t *testing.T, factory NamedStoreFactory) {
	store := openStore(t, factory, t.TempDir())
	defer store.Close()
	if mf := store.GetMemoryFootprint(); mf == nil || mf.Total() == 0 {
		t.Errorf("invalid memory footprint: %v", mf)
	}
}

func testCanBeFlushed(t *testing.T, factory NamedStoreFactory) {
	store := openStore(t, factory, t.TempDir())
	defer store.Close()
	cell, _ := store.New()
	if err := store.Set(cell, TestValue{A: 1}); err != nil {
		t.Fatalf("failed to set cell: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Errorf("failed to flush store: %v", err)
	}
}

func testCanBeClosedAndReopened(t *testing.T, factory NamedStoreFactory) {
	dir := t.TempDir()
	store := openStore(t, factory, dir)
	a, _ := store.New()
	b, _ := store.New()
	if err := store.Set(a, TestValue{A: 1, B: 2}); err != nil {
		t.Fatalf("failed to set cell: %v", err)
	}
	if err := store.Set(b, TestValue{A: 3, B: 4}); err != nil {
		t.Fatalf("failed to set cell: %v", err)
	}
	if err := store.Delete(a); err != nil {
		t.Fatalf("failed to delete cell: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	store = openStore(t, factory, dir)
	defer store.Close()
	if got, want := store.Len(), 1; got != want {
		t.Errorf("unexpected number of cells after reopening, wanted %d, got %d", want, got)
	}
	got, err := store.Get(b)
	if err != nil {
		t.Fatalf("failed to get cell: %v", err)
	}
	if want := (TestValue{A: 3, B: 4}); got != want {
		t.Errorf("unexpected value after reopening, wanted %v, got %v", want, got)
	}
	c, err := store.New()
	if err != nil {
		t.Fatalf("failed to allocate cell: %v", err)
	}
	if c != a {
		t.Errorf("free list was not restored, wanted cell %d, got %d", a, c)
	}
}
