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
	"bytes"
	"errors"
	"testing"

	"github.com/Fantom-foundation/accountsdb/backend/index"
	"github.com/Fantom-foundation/accountsdb/backend/lthash"
	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/Fantom-foundation/accountsdb/database/snapshot"
)

// populate writes a history of 30 accounts over 6 slots, deleting some of
// them, and roots all slots. It returns the expected balances.
func populate(t *testing.T, db *DB) map[int]uint64 {
	t.Helper()
	want := map[int]uint64{}
	for slot := common.Slot(1); slot <= 6; slot++ {
		updates := []AccountUpdate{}
		for k := 0; k < 30; k++ {
			if k%int(slot) != 0 {
				continue
			}
			lamports := uint64(slot)*100 + uint64(k)
			if k%7 == 3 && slot > 1 {
				lamports = 0
			}
			updates = append(updates, update(k, lamports, make([]byte, k)...))
			want[k] = lamports
		}
		store(t, db, slot, updates...)
		root(t, db, slot)
	}
	return want
}

func writeSnapshot(t *testing.T, db *DB) []byte {
	t.Helper()
	snap, err := db.TakeSnapshot()
	if err != nil {
		t.Fatalf("failed to take snapshot: %v", err)
	}
	defer snap.Release()
	buffer := bytes.Buffer{}
	n, err := snap.WriteTo(&buffer)
	if err != nil {
		t.Fatalf("failed to write snapshot: %v", err)
	}
	if n != int64(buffer.Len()) {
		t.Errorf("reported %d written bytes, got %d", n, buffer.Len())
	}
	return buffer.Bytes()
}

func loadSnapshot(t *testing.T, config Config, data []byte) *DB {
	t.Helper()
	db, err := LoadSnapshot(config, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close database: %v", err)
		}
	})
	return db
}

func TestSnapshot_RequiresRootedSlot(t *testing.T) {
	db := openDB(t, testConfig())
	store(t, db, 1, update(1, 1))
	if _, err := db.TakeSnapshot(); !errors.Is(err, ErrNoRoot) {
		t.Errorf("snapshot without root should fail with %v, got %v", ErrNoRoot, err)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	for _, version := range []uint16{snapshot.VersionRaw, snapshot.VersionSnappy} {
		for _, rescan := range []bool{false, true} {
			config := testConfig()
			config.Snapshot.Version = version
			config.Snapshot.VerifyRescan = rescan
			db := openDB(t, config)
			want := populate(t, db)
			data := writeSnapshot(t, db)

			restored := loadSnapshot(t, config, data)
			if slot, found := restored.MaxRoot(); !found || slot != 6 {
				t.Errorf("unexpected latest root, wanted 6, got %d, %t", slot, found)
			}
			for k, lamports := range want {
				if got := lamportsAt(t, restored, k, 6); got != lamports {
					t.Errorf("account %d: wanted %d lamports, got %d", k, lamports, got)
				}
			}
			original, _ := db.Aggregate(6)
			if got, _ := restored.Aggregate(6); !got.Equal(&original) {
				t.Errorf("restored aggregate differs")
			}
			verifyHash(t, restored)

			// retained tombstones are purged by the restored database
			stats := clean(t, restored)
			if stats.Dead == 0 {
				t.Errorf("restored tombstones should be cleaned, got %+v", stats)
			}
			verifyHash(t, restored)

			store(t, restored, 7, update(1, 4242))
			if got := lamportsAt(t, restored, 1, 7); got != 4242 {
				t.Errorf("restored database should accept writes, got %d lamports", got)
			}
		}
	}
}

func TestSnapshot_CoversOnlyItsSlot(t *testing.T) {
	db := openDB(t, testConfig())
	store(t, db, 1, update(1, 10), update(2, 20))
	root(t, db, 1)
	snap, err := db.TakeSnapshot()
	if err != nil {
		t.Fatalf("failed to take snapshot: %v", err)
	}
	defer snap.Release()
	store(t, db, 2, update(1, 11), update(3, 30))
	root(t, db, 2)
	clean(t, db)

	buffer := bytes.Buffer{}
	if _, err := snap.WriteTo(&buffer); err != nil {
		t.Fatalf("failed to write snapshot: %v", err)
	}
	restored := loadSnapshot(t, testConfig(), buffer.Bytes())
	if slot, _ := restored.MaxRoot(); slot != 1 {
		t.Errorf("unexpected root, wanted 1, got %d", slot)
	}
	for k, want := range map[int]uint64{1: 10, 2: 20, 3: 0} {
		if got := lamportsAt(t, restored, k, 5); got != want {
			t.Errorf("account %d: wanted %d lamports, got %d", k, want, got)
		}
	}
	want := snap.Aggregate()
	if got, _ := restored.Aggregate(1); !got.Equal(&want) {
		t.Errorf("restored aggregate differs from snapshot aggregate")
	}
}

func TestSnapshot_EncodingIsDeterministic(t *testing.T) {
	db := openDB(t, testConfig())
	populate(t, db)
	first := writeSnapshot(t, db)
	second := writeSnapshot(t, db)
	if !bytes.Equal(first, second) {
		t.Errorf("snapshots of the same state differ")
	}
	restored := loadSnapshot(t, testConfig(), first)
	if third := writeSnapshot(t, restored); !bytes.Equal(first, third) {
		t.Errorf("snapshot of restored state differs from original")
	}
}

func TestSnapshot_ReleasedSnapshotsCanNotBeWritten(t *testing.T) {
	db := openDB(t, testConfig())
	store(t, db, 1, update(1, 1))
	root(t, db, 1)
	snap, err := db.TakeSnapshot()
	if err != nil {
		t.Fatalf("failed to take snapshot: %v", err)
	}
	if err := snap.Release(); err != nil {
		t.Fatalf("failed to release snapshot: %v", err)
	}
	if _, err := snap.WriteTo(&bytes.Buffer{}); err == nil {
		t.Errorf("writing a released snapshot should fail")
	}
}

func TestLoadSnapshot_RejectsDamagedStreams(t *testing.T) {
	config := testConfig()
	config.Snapshot.Version = snapshot.VersionRaw
	db := openDB(t, config)
	populate(t, db)
	data := writeSnapshot(t, db)

	damaged := map[string][]byte{
		"empty":     nil,
		"truncated": data[:len(data)/2],
		"header":    flip(data, 20),
		"body":      flip(data, snapshot.HeaderSize+len(data[snapshot.HeaderSize:])/2),
	}
	for name, data := range damaged {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadSnapshot(config, bytes.NewReader(data)); !errors.Is(err, common.ErrCorrupt) {
				t.Errorf("damaged stream should be rejected as corrupt, got %v", err)
			}
		})
	}
}

func flip(data []byte, pos int) []byte {
	res := bytes.Clone(data)
	res[pos] ^= 0xff
	return res
}

func TestLoadSnapshot_DetectsHashMismatch(t *testing.T) {
	db := openDB(t, testConfig())
	populate(t, db)
	snap, err := db.TakeSnapshot()
	if err != nil {
		t.Fatalf("failed to take snapshot: %v", err)
	}
	defer snap.Release()
	image, err := snap.image()
	if err != nil {
		t.Fatalf("failed to collect snapshot content: %v", err)
	}
	extra := lthash.AccountHash(storage.NewTestAccount(99, 4))
	image.Header.Aggregate.Add(&extra)

	buffer := bytes.Buffer{}
	if err := snapshot.Encode(&buffer, image, snapshot.Options{}); err != nil {
		t.Fatalf("failed to encode snapshot: %v", err)
	}
	_, err = LoadSnapshot(testConfig(), &buffer)
	if !errors.Is(err, ErrHashMismatch) || !errors.Is(err, common.ErrCorrupt) {
		t.Errorf("snapshot with wrong aggregate should be rejected, got %v", err)
	}
}

func TestLoadSnapshot_RescanDetectsStaleIndexEntries(t *testing.T) {
	db := openDB(t, testConfig())
	store(t, db, 1, update(1, 10))
	store(t, db, 2, update(1, 11), update(2, 20))
	root(t, db, 2)

	snap, err := db.TakeSnapshot()
	if err != nil {
		t.Fatalf("failed to take snapshot: %v", err)
	}
	defer snap.Release()
	image, err := snap.image()
	if err != nil {
		t.Fatalf("failed to collect snapshot content: %v", err)
	}

	// Let the entry of account 1 refer to its outdated version, with a
	// matching aggregate.
	versions, err := db.index.GetAll(key(1))
	if err != nil || len(versions) != 2 {
		t.Fatalf("expected two versions of account 1, got %v, %v", versions, err)
	}
	stale := versions[0]
	file, _ := db.files.get(stale.Location.File)
	image.Files = append(image.Files, file)
	aggregate := lthash.Identity()
	for i := range image.Entries {
		entry := &image.Entries[i]
		if entry.Key == key(1) {
			entry.Slot, entry.File, entry.Offset = stale.Slot, stale.Location.File, stale.Location.Offset
		}
		record, err := db.readAt(index.Location{File: entry.File, Offset: entry.Offset})
		if err != nil {
			t.Fatalf("failed to read record: %v", err)
		}
		hash := lthash.AccountHash(record)
		aggregate.Add(&hash)
	}
	image.Header.Aggregate = aggregate

	buffer := bytes.Buffer{}
	if err := snapshot.Encode(&buffer, image, snapshot.Options{}); err != nil {
		t.Fatalf("failed to encode snapshot: %v", err)
	}
	data := buffer.Bytes()

	config := testConfig()
	restored := loadSnapshot(t, config, data)
	if got := lamportsAt(t, restored, 1, 2); got != 10 {
		t.Errorf("without rescan the shipped index is trusted, got %d lamports", got)
	}

	config.Snapshot.VerifyRescan = true
	if _, err := LoadSnapshot(config, bytes.NewReader(data)); !errors.Is(err, common.ErrCorrupt) {
		t.Errorf("rescan should detect the stale entry, got %v", err)
	}
}

func TestLoadSnapshot_IntoDirectorySurvivesRestart(t *testing.T) {
	source := openDB(t, testConfig())
	want := populate(t, source)
	data := writeSnapshot(t, source)

	config := testConfig()
	config.Directory = t.TempDir()
	db, err := LoadSnapshot(config, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	db = openDB(t, config)
	for k, lamports := range want {
		if got := lamportsAt(t, db, k, 6); got != lamports {
			t.Errorf("account %d: wanted %d lamports, got %d", k, lamports, got)
		}
	}
	verifyHash(t, db)
}

func TestDB_AggregateTracksUnrootedSlots(t *testing.T) {
	db := openDB(t, testConfig())
	if got, err := db.Aggregate(0); err != nil || !got.IsIdentity() {
		t.Errorf("empty database should hash to identity, got %v", err)
	}
	store(t, db, 1, update(1, 10))
	root(t, db, 1)
	store(t, db, 2, update(1, 11), update(2, 20))
	store(t, db, 3, update(2, 0))

	at1, _ := db.Aggregate(1)
	at2, _ := db.Aggregate(2)
	at3, _ := db.Aggregate(3)
	if at1.Equal(&at2) || at2.Equal(&at3) {
		t.Errorf("aggregates of different states should differ")
	}
	if _, err := db.Aggregate(0); !errors.Is(err, ErrSlotUnavailable) {
		t.Errorf("aggregate below latest root should be unavailable, got %v", err)
	}

	root(t, db, 2)
	if got, _ := db.Aggregate(2); !got.Equal(&at2) {
		t.Errorf("rooting must not change the aggregate")
	}
	verifyHash(t, db)
	if checksum, err := db.Checksum(2); err != nil || checksum != at2.Checksum() {
		t.Errorf("unexpected checksum, err %v", err)
	}
	if !db.IsRooted(1) || !db.IsRooted(2) || db.IsRooted(3) {
		t.Errorf("unexpected rooted slots")
	}
}

func TestDB_RootCoversEarlierSlots(t *testing.T) {
	db := openDB(t, testConfig())
	store(t, db, 1, update(1, 1))
	store(t, db, 2, update(1, 2))
	store(t, db, 4, update(1, 4))
	root(t, db, 3)
	if !db.IsRooted(1) || !db.IsRooted(2) || !db.IsRooted(3) || db.IsRooted(4) {
		t.Errorf("root should cover all earlier written slots")
	}
	if err := db.Root(3); err != nil {
		t.Errorf("rooting the latest root again should be a no-op, got %v", err)
	}
	if err := db.Root(2); !errors.Is(err, ErrSlotRooted) {
		t.Errorf("rooting an earlier slot should fail, got %v", err)
	}
	verifyHash(t, db)
}
