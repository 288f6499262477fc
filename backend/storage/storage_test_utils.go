// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package storage

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/Fantom-foundation/accountsdb/common"
)

type NamedFactory struct {
	ImplementationName string
	Open               func(t *testing.T, directory string) (Factory, error)
}

// RunFileTests runs a set of black-box unit tests against a File
// implementation produced by the given factory. It is intended to be used
// in implementation specific unit test packages to cover the compliance
// properties imposed by the File interface.
func RunFileTests(t *testing.T, factory NamedFactory) {
	wrap := func(test func(*testing.T, NamedFactory)) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			test(t, factory)
		}
	}
	t.Run("AppendedRecordsCanBeRead", wrap(testAppendedRecordsCanBeRead))
	t.Run("OffsetsAreAlignedAndIncreasing", wrap(testOffsetsAreAlignedAndIncreasing))
	t.Run("FullFileRejectsAppends", wrap(testFullFileRejectsAppends))
	t.Run("TooLargeDataIsRejected", wrap(testTooLargeDataIsRejected))
	t.Run("SealedFileRejectsAppends", wrap(testSealedFileRejectsAppends))
	t.Run("StatusTransitions", wrap(testStatusTransitions))
	t.Run("ReclaimedFileRejectsReads", wrap(testReclaimedFileRejectsReads))
	t.Run("InvalidOffsetsAreRejected", wrap(testInvalidOffsetsAreRejected))
	t.Run("ScanVisitsAllRecords", wrap(testScanVisitsAllRecords))
	t.Run("ScanSkipsCorruptRecords", wrap(testScanSkipsCorruptRecords))
	t.Run("ImportReproducesContent", wrap(testImportReproducesContent))
	t.Run("AliveAccounting", wrap(testAliveAccounting))
	t.Run("ConcurrentReadsDuringAppends", wrap(testConcurrentReadsDuringAppends))
	t.Run("ProvidesMemoryFootprint", wrap(testProvidesMemoryFootprint))
	t.Run("CanBeFlushedAndClosed", wrap(testCanBeFlushedAndClosed))
}

// NewTestAccount creates an account version with content derived from the
// given seed and the given number of data bytes.
func NewTestAccount(seed uint64, dataLength int) *common.StoredAccount {
	data := make([]byte, dataLength)
	for i := range data {
		data[i] = byte(seed + uint64(i))
	}
	return &common.StoredAccount{
		Key:          common.PubkeyFromUint64(seed),
		WriteVersion: seed * 7,
		Account: common.Account{
			Lamports:   seed + 1,
			Owner:      common.PubkeyFromUint64(seed + 1000),
			Executable: seed%2 == 0,
			RentEpoch:  seed * 3,
			Data:       data,
		},
	}
}

func createFile(t *testing.T, factory NamedFactory, capacity uint64) File {
	t.Helper()
	f, err := factory.Open(t, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	file, err := f.Create(1, 12, capacity)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	t.Cleanup(func() {
		_ = file.Close()
	})
	return file
}

func checkSameAccount(t *testing.T, want, got *common.StoredAccount) {
	t.Helper()
	if want.Key != got.Key || want.WriteVersion != got.WriteVersion || !want.Account.Equal(&got.Account) {
		t.Errorf("unexpected account, wanted %v, got %v", want, got)
	}
}

func testAppendedRecordsCanBeRead(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	if got, want := file.Slot(), common.Slot(12); got != want {
		t.Errorf("unexpected slot, wanted %d, got %d", want, got)
	}
	accounts := []*common.StoredAccount{
		NewTestAccount(1, 0),
		NewTestAccount(2, 1),
		NewTestAccount(3, 100),
		NewTestAccount(4, 4097),
	}
	offsets := []Offset{}
	for _, account := range accounts {
		offset, err := file.Append(account)
		if err != nil {
			t.Fatalf("failed to append account: %v", err)
		}
		offsets = append(offsets, offset)
	}
	for i, account := range accounts {
		got, size, err := file.Read(offsets[i])
		if err != nil {
			t.Fatalf("failed to read account: %v", err)
		}
		if want := RecordSize(len(account.Account.Data)); size != want {
			t.Errorf("unexpected record size, wanted %d, got %d", want, size)
		}
		if got.Slot != 12 {
			t.Errorf("read account not bound to file slot, got %d", got.Slot)
		}
		checkSameAccount(t, account, got)
	}
	if got, want := file.Count(), len(accounts); got != want {
		t.Errorf("unexpected number of records, wanted %d, got %d", want, got)
	}
}

func testOffsetsAreAlignedAndIncreasing(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<20)
	last := Offset(0)
	for i := 0; i < 100; i++ {
		offset, err := file.Append(NewTestAccount(uint64(i), i*13))
		if err != nil {
			t.Fatalf("failed to append account: %v", err)
		}
		if offset%8 != 0 {
			t.Errorf("offset %d is not aligned", offset)
		}
		if i > 0 && offset <= last {
			t.Errorf("offsets are not increasing: %d after %d", offset, last)
		}
		last = offset
	}
	if got := file.Len(); uint64(last) >= got {
		t.Errorf("length %d does not cover last offset %d", got, last)
	}
}

func testFullFileRejectsAppends(t *testing.T, factory NamedFactory) {
	capacity := uint64(3 * RecordSize(10))
	file := createFile(t, factory, capacity)
	for i := 0; i < 3; i++ {
		if _, err := file.Append(NewTestAccount(uint64(i), 10)); err != nil {
			t.Fatalf("failed to append account: %v", err)
		}
	}
	if _, err := file.Append(NewTestAccount(5, 10)); !errors.Is(err, ErrFileFull) {
		t.Errorf("expected full file error, got %v", err)
	}
	if got, want := file.Len(), capacity; got != want {
		t.Errorf("failed append modified the file, wanted length %d, got %d", want, got)
	}
	if got, want := file.Capacity(), capacity; got != want {
		t.Errorf("unexpected capacity, wanted %d, got %d", want, got)
	}
}

func testTooLargeDataIsRejected(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	if _, err := file.Append(NewTestAccount(1, common.MaxAccountDataLength+1)); !errors.Is(err, ErrDataTooLarge) {
		t.Errorf("expected data length error, got %v", err)
	}
}

func testSealedFileRejectsAppends(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	offset, err := file.Append(NewTestAccount(1, 10))
	if err != nil {
		t.Fatalf("failed to append account: %v", err)
	}
	if err := file.Seal(); err != nil {
		t.Fatalf("failed to seal file: %v", err)
	}
	if _, err := file.Append(NewTestAccount(2, 10)); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected inactive file error, got %v", err)
	}
	if _, _, err := file.Read(offset); err != nil {
		t.Errorf("sealed file should remain readable: %v", err)
	}
}

func testStatusTransitions(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	if got := file.Status(); got != Active {
		t.Errorf("new file should be active, got %v", got)
	}
	if err := file.Reclaim(); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("active file must not be reclaimable, got %v", err)
	}
	if err := file.Seal(); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}
	if err := file.Seal(); err != nil {
		t.Errorf("sealing should be idempotent: %v", err)
	}
	if got := file.Status(); got != Full {
		t.Errorf("sealed file should be full, got %v", got)
	}
	if err := file.MarkObsolete(); err != nil {
		t.Fatalf("failed to mark obsolete: %v", err)
	}
	if err := file.Seal(); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("obsolete file must not be sealable, got %v", err)
	}
	if err := file.Reclaim(); err != nil {
		t.Fatalf("failed to reclaim: %v", err)
	}
	if got := file.Status(); got != Reclaimed {
		t.Errorf("unexpected status, wanted reclaimed, got %v", got)
	}
	if err := file.MarkObsolete(); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("reclaimed file must not become obsolete again, got %v", err)
	}
}

func testReclaimedFileRejectsReads(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	offset, err := file.Append(NewTestAccount(1, 10))
	if err != nil {
		t.Fatalf("failed to append account: %v", err)
	}
	if err := file.MarkObsolete(); err != nil {
		t.Fatalf("failed to mark obsolete: %v", err)
	}
	if _, _, err := file.Read(offset); err != nil {
		t.Errorf("obsolete files should remain readable: %v", err)
	}
	if err := file.Reclaim(); err != nil {
		t.Fatalf("failed to reclaim: %v", err)
	}
	if _, _, err := file.Read(offset); !errors.Is(err, ErrReclaimed) {
		t.Errorf("expected reclaimed error, got %v", err)
	}
	if _, err := file.ReadRaw(offset, 8); !errors.Is(err, ErrReclaimed) {
		t.Errorf("expected reclaimed error, got %v", err)
	}
	if err := file.Scan(func(Offset, *common.StoredAccount, int, error) bool { return true }); !errors.Is(err, ErrReclaimed) {
		t.Errorf("expected reclaimed error, got %v", err)
	}
}

func testInvalidOffsetsAreRejected(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	if _, err := file.Append(NewTestAccount(1, 10)); err != nil {
		t.Fatalf("failed to append account: %v", err)
	}
	for _, offset := range []Offset{3, Offset(file.Len()), 1 << 15} {
		if _, _, err := file.Read(offset); !errors.Is(err, ErrInvalidOffset) {
			t.Errorf("expected invalid offset error for %d, got %v", offset, err)
		}
	}
	if _, err := file.ReadRaw(0, int(file.Len())+1); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("expected invalid offset error, got %v", err)
	}
	raw, err := file.ReadRaw(0, int(file.Len()))
	if err != nil {
		t.Fatalf("failed to read raw record: %v", err)
	}
	if got, want := len(raw), RecordSize(10); got != want {
		t.Errorf("unexpected raw length, wanted %d, got %d", want, got)
	}
}

func testScanVisitsAllRecords(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	want := map[Offset]*common.StoredAccount{}
	for i := 0; i < 20; i++ {
		account := NewTestAccount(uint64(i), i)
		offset, err := file.Append(account)
		if err != nil {
			t.Fatalf("failed to append account: %v", err)
		}
		want[offset] = account
	}
	seen := 0
	err := file.Scan(func(offset Offset, account *common.StoredAccount, _ int, err error) bool {
		if err != nil {
			t.Errorf("unexpected error at offset %d: %v", offset, err)
			return false
		}
		expected, found := want[offset]
		if !found {
			t.Errorf("unexpected offset %d", offset)
			return false
		}
		checkSameAccount(t, expected, account)
		seen++
		return true
	})
	if err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	if seen != len(want) {
		t.Errorf("scan visited %d records, wanted %d", seen, len(want))
	}

	stopped := 0
	if err := file.Scan(func(Offset, *common.StoredAccount, int, error) bool {
		stopped++
		return stopped < 5
	}); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	if stopped != 5 {
		t.Errorf("scan did not stop when requested, visited %d", stopped)
	}
}

func testScanSkipsCorruptRecords(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	offsets := []Offset{}
	for i := 0; i < 3; i++ {
		offset, err := file.Append(NewTestAccount(uint64(i), 16))
		if err != nil {
			t.Fatalf("failed to append account: %v", err)
		}
		offsets = append(offsets, offset)
	}
	var raw bytes.Buffer
	if _, err := file.WriteTo(&raw); err != nil {
		t.Fatalf("failed to export file: %v", err)
	}
	content := raw.Bytes()
	content[int(offsets[1])+HeaderSize+3] ^= 0xFF // damage data of second record

	f, err := factory.Open(t, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	damaged, err := f.Import(2, 12, content)
	if err != nil {
		t.Fatalf("failed to import damaged file: %v", err)
	}
	defer damaged.Close()

	valid, corrupt := 0, 0
	err = damaged.Scan(func(offset Offset, account *common.StoredAccount, _ int, err error) bool {
		if err != nil {
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("unexpected error type: %v", err)
			}
			if offset != offsets[1] {
				t.Errorf("corruption reported at wrong offset %d", offset)
			}
			corrupt++
		} else {
			valid++
		}
		return true
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if valid != 2 || corrupt != 1 {
		t.Errorf("unexpected scan result, valid %d, corrupt %d", valid, corrupt)
	}
	if _, _, err := damaged.Read(offsets[1]); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected corruption error on read, got %v", err)
	}
}

func testImportReproducesContent(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	offsets := []Offset{}
	for i := 0; i < 10; i++ {
		offset, err := file.Append(NewTestAccount(uint64(i), i*7))
		if err != nil {
			t.Fatalf("failed to append account: %v", err)
		}
		offsets = append(offsets, offset)
	}
	var raw bytes.Buffer
	if _, err := file.WriteTo(&raw); err != nil {
		t.Fatalf("failed to export file: %v", err)
	}
	if got, want := uint64(raw.Len()), file.Len(); got != want {
		t.Fatalf("export has wrong size, wanted %d, got %d", want, got)
	}

	f, err := factory.Open(t, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	imported, err := f.Import(7, 12, raw.Bytes())
	if err != nil {
		t.Fatalf("failed to import file: %v", err)
	}
	defer imported.Close()
	if got := imported.Status(); got != Full {
		t.Errorf("imported file should be full, got %v", got)
	}
	if got, want := imported.Count(), 10; got != want {
		t.Errorf("unexpected number of records, wanted %d, got %d", want, got)
	}
	for i, offset := range offsets {
		got, _, err := imported.Read(offset)
		if err != nil {
			t.Fatalf("failed to read imported record: %v", err)
		}
		checkSameAccount(t, NewTestAccount(uint64(i), i*7), got)
	}
	var again bytes.Buffer
	if _, err := imported.WriteTo(&again); err != nil {
		t.Fatalf("failed to export imported file: %v", err)
	}
	if !bytes.Equal(raw.Bytes(), again.Bytes()) {
		t.Errorf("re-exported content differs")
	}
	if _, err := f.Import(8, 12, raw.Bytes()[:raw.Len()-8]); !errors.Is(err, ErrCorrupt) {
		t.Errorf("truncated import should fail, got %v", err)
	}
}

func testAliveAccounting(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	file.AddAlive(100)
	file.AddAlive(50)
	file.RemoveAlive(100)
	if got, want := file.AliveCount(), 1; got != want {
		t.Errorf("unexpected alive count, wanted %d, got %d", want, got)
	}
	if got, want := file.AliveBytes(), uint64(50); got != want {
		t.Errorf("unexpected alive bytes, wanted %d, got %d", want, got)
	}
}

func testConcurrentReadsDuringAppends(t *testing.T, factory NamedFactory) {
	const N = 500
	file := createFile(t, factory, 1<<20)
	offsets := make(chan Offset, N)
	var wg sync.WaitGroup
	wg.Add(4)
	for r := 0; r < 4; r++ {
		go func() {
			defer wg.Done()
			for offset := range offsets {
				if _, _, err := file.Read(offset); err != nil {
					t.Errorf("failed to read published record: %v", err)
				}
			}
		}()
	}
	for i := 0; i < N; i++ {
		offset, err := file.Append(NewTestAccount(uint64(i), i%64))
		if err != nil {
			t.Fatalf("failed to append account: %v", err)
		}
		offsets <- offset
	}
	close(offsets)
	wg.Wait()
}

func testProvidesMemoryFootprint(t *testing.T, factory NamedFactory) {
	file := createFile(t, factory, 1<<16)
	mf := file.GetMemoryFootprint()
	if mf == nil || mf.Total() == 0 {
		t.Errorf("invalid memory footprint: %v", mf)
	}
}

func testCanBeFlushedAndClosed(t *testing.T, factory NamedFactory) {
	f, err := factory.Open(t, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	file, err := f.Create(3, 4, 1<<12)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	if _, err := file.Append(NewTestAccount(1, 10)); err != nil {
		t.Fatalf("failed to append account: %v", err)
	}
	if err := file.Flush(); err != nil {
		t.Errorf("failed to flush: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Errorf("failed to close: %v", err)
	}
}
