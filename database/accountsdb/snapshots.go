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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Fantom-foundation/accountsdb/backend/index"
	"github.com/Fantom-foundation/accountsdb/backend/lthash"
	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/Fantom-foundation/accountsdb/database/snapshot"
)

// Snapshot is a pinned view of the rooted state at a given slot. While a
// snapshot is alive, the versions visible at its slot are neither purged
// nor reclaimed. Snapshots must be released.
type Snapshot struct {
	db        *DB
	slot      common.Slot
	aggregate lthash.LtHash
	released  atomic.Bool
}

// TakeSnapshot pins the state of the highest rooted slot.
func (db *DB) TakeSnapshot() (*Snapshot, error) {
	if err := db.checkUsable(); err != nil {
		return nil, err
	}
	return db.pin()
}

func (db *DB) pin() (*Snapshot, error) {
	db.maintenance.Lock()
	defer db.maintenance.Unlock()
	db.stateMutex.Lock()
	defer db.stateMutex.Unlock()
	if !db.hasRoot {
		return nil, ErrNoRoot
	}
	db.pins[db.maxRoot]++
	return &Snapshot{db: db, slot: db.maxRoot, aggregate: db.aggregate}, nil
}

func (s *Snapshot) Slot() common.Slot {
	return s.slot
}

// Aggregate is the lattice hash of the accounts visible at the snapshot slot.
func (s *Snapshot) Aggregate() lthash.LtHash {
	return s.aggregate
}

type versionRef struct {
	key  common.Pubkey
	info index.SlotInfo
}

// visibleVersions lists the newest version of every key at or below the
// given slot, tombstones included.
func (db *DB) visibleVersions(slot common.Slot) ([]versionRef, error) {
	var res []versionRef
	err := db.index.Range(func(key common.Pubkey, slots []index.SlotInfo) bool {
		if info, found := visibleAt(slots, slot); found {
			res = append(res, versionRef{key: key, info: info})
		}
		return true
	})
	return res, err
}

func (s *Snapshot) image() (*snapshot.Image, error) {
	if s.released.Load() {
		return nil, fmt.Errorf("snapshot of slot %d already released", s.slot)
	}
	db := s.db
	db.maintenance.Lock()
	defer db.maintenance.Unlock()

	versions, err := db.visibleVersions(s.slot)
	if err != nil {
		return nil, err
	}
	res := &snapshot.Image{
		Header:  snapshot.Header{Slot: s.slot, Aggregate: s.aggregate},
		Entries: make([]snapshot.Entry, 0, len(versions)),
		Roots:   []common.Slot{s.slot},
	}
	files := map[storage.FileID]struct{}{}
	for _, version := range versions {
		location := version.info.Location
		res.Entries = append(res.Entries, snapshot.Entry{
			Key:       version.key,
			Slot:      version.info.Slot,
			File:      location.File,
			Offset:    location.Offset,
			Tombstone: version.info.Tombstone,
		})
		if _, found := files[location.File]; found {
			continue
		}
		file, found := db.files.get(location.File)
		if !found {
			return nil, fmt.Errorf("%w: version of %v refers to unknown file %d", common.ErrCorrupt, version.key, location.File)
		}
		files[location.File] = struct{}{}
		res.Files = append(res.Files, file)
		res.Roots = append(res.Roots, file.Slot())
	}
	return res, nil
}

// WriteTo encodes the snapshot into the given stream in the configured
// format.
func (s *Snapshot) WriteTo(out io.Writer) (int64, error) {
	image, err := s.image()
	if err != nil {
		return 0, err
	}
	counter := &countingWriter{out: out}
	err = snapshot.Encode(counter, image, snapshot.Options{Version: s.db.config.Snapshot.Version})
	return counter.written, err
}

// Release unpins the snapshot. Files retired while it was alive are
// reclaimed once no snapshot is left. Releasing twice has no effect.
func (s *Snapshot) Release() error {
	if s.released.Swap(true) {
		return nil
	}
	db := s.db
	db.maintenance.Lock()
	defer db.maintenance.Unlock()

	db.stateMutex.Lock()
	db.pins[s.slot]--
	if db.pins[s.slot] == 0 {
		delete(db.pins, s.slot)
	}
	var pending []storage.File
	if len(db.pins) == 0 {
		pending, db.pending = db.pending, nil
	}
	db.stateMutex.Unlock()

	var errs []error
	for _, file := range pending {
		errs = append(errs, db.reclaim(file))
	}
	return db.fail(errors.Join(errs...))
}

type countingWriter struct {
	out     io.Writer
	written int64
}

func (w *countingWriter) Write(data []byte) (int, error) {
	n, err := w.out.Write(data)
	w.written += int64(n)
	return n, err
}

// LoadSnapshot creates a database holding the state of the given snapshot
// stream. Any content of the configured directory is replaced.
func LoadSnapshot(config Config, in io.Reader) (*DB, error) {
	db, err := open(config)
	if err != nil {
		return nil, err
	}
	if err := db.load(in); err != nil {
		return nil, errors.Join(err, db.shutdown())
	}
	return db, nil
}

func (db *DB) load(in io.Reader) error {
	if db.config.Directory != "" {
		err := os.Remove(filepath.Join(db.config.Directory, checkpointFileName))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := db.removeStaleFiles(); err != nil {
			return err
		}
	}
	image, err := snapshot.Decode(bufio.NewReader(in), db.factory)
	if err != nil {
		return err
	}
	if err := db.restore(image); err != nil {
		return err
	}
	logger.Info("Loaded snapshot", "slot", image.Header.Slot, "files", len(image.Files), "accounts", len(image.Entries))
	return nil
}

// restore installs the content of a decoded image into an empty database.
// The index is rebuilt from the image entries and the lattice hash of the
// referenced records is checked against the one of the header.
func (db *DB) restore(image *snapshot.Image) error {
	slot := image.Header.Slot
	files := make(map[storage.FileID]storage.File, len(image.Files))
	for _, file := range image.Files {
		if file.Slot() > slot {
			return errors.Join(
				fmt.Errorf("%w: file %d of slot %d beyond snapshot slot %d", common.ErrCorrupt, file.ID(), file.Slot(), slot),
				image.Discard(),
			)
		}
		files[file.ID()] = file
	}
	// From here on the database owns the files.
	for _, file := range image.Files {
		db.files.add(file)
	}

	var writeVersion uint64
	retained := map[common.Pubkey]struct{}{}
	produce := func(ctx context.Context, out chan<- *common.StoredAccount) error {
		for i := range image.Entries {
			entry := &image.Entries[i]
			file := files[entry.File]
			record, length, err := file.Read(entry.Offset)
			if err != nil {
				return fmt.Errorf("failed to read %v at %d:%d: %w", entry.Key, entry.File, entry.Offset, err)
			}
			if record.Key != entry.Key || record.Slot != entry.Slot || record.Account.IsTombstone() != entry.Tombstone {
				return fmt.Errorf("%w: record at %d:%d does not match index entry of %v", common.ErrCorrupt, entry.File, entry.Offset, entry.Key)
			}
			_, err = db.index.Upsert(entry.Key, index.SlotInfo{
				Slot:      entry.Slot,
				Location:  index.Location{File: entry.File, Offset: entry.Offset},
				Size:      uint32(length),
				Tombstone: entry.Tombstone,
			})
			if err != nil {
				return err
			}
			file.AddAlive(length)
			writeVersion = max(writeVersion, record.WriteVersion+1)
			if entry.Tombstone {
				retained[entry.Key] = struct{}{}
			}
			select {
			case out <- record:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	aggregate, err := lthash.Compute(context.Background(), db.config.Snapshot.HashWorkers, produce)
	if err != nil {
		return err
	}
	if !aggregate.Equal(&image.Header.Aggregate) {
		return fmt.Errorf("%w: %w: snapshot of slot %d hashes to %v, header claims %v",
			common.ErrCorrupt, ErrHashMismatch, slot, aggregate.Checksum(), image.Header.Aggregate.Checksum())
	}
	if db.config.Snapshot.VerifyRescan {
		if err := rescan(image); err != nil {
			return err
		}
	}

	db.stateMutex.Lock()
	for _, root := range image.Roots {
		db.rooted.Add(uint64(root))
	}
	db.rooted.Add(uint64(slot))
	db.maxRoot, db.hasRoot = slot, true
	db.aggregate = aggregate
	db.retained = retained
	db.stateMutex.Unlock()

	db.writeMutex.Lock()
	db.highest, db.written = slot, true
	db.writeVersion = writeVersion
	db.writeMutex.Unlock()

	var errs []error
	for _, file := range image.Files {
		if file.AliveCount() == 0 {
			errs = append(errs, db.retire(file))
		}
	}
	return errors.Join(errs...)
}

// rescan checks the index entries of an image against the content of its
// storage files: the newest record of every listed key found by scanning
// the files must be the one the entry points to. Records of keys without
// an entry are tolerated, they belong to purged accounts.
func rescan(image *snapshot.Image) error {
	newest := map[common.Pubkey]*common.StoredAccount{}
	for _, file := range image.Files {
		var corrupt error
		err := file.Scan(func(offset storage.Offset, record *common.StoredAccount, _ int, err error) bool {
			if err != nil {
				corrupt = fmt.Errorf("record at %d:%d: %w", file.ID(), offset, err)
				return false
			}
			if record.Slot > image.Header.Slot {
				return true
			}
			cur, found := newest[record.Key]
			if !found || record.Slot > cur.Slot || (record.Slot == cur.Slot && record.WriteVersion > cur.WriteVersion) {
				newest[record.Key] = record
			}
			return true
		})
		if err = errors.Join(err, corrupt); err != nil {
			return fmt.Errorf("rescan of file %d failed: %w", file.ID(), err)
		}
	}

	files := make(map[storage.FileID]storage.File, len(image.Files))
	for _, file := range image.Files {
		files[file.ID()] = file
	}
	for i := range image.Entries {
		entry := &image.Entries[i]
		record, _, err := files[entry.File].Read(entry.Offset)
		if err != nil {
			return err
		}
		scanned, found := newest[entry.Key]
		if !found || scanned.Slot != record.Slot || scanned.WriteVersion != record.WriteVersion || !scanned.Account.Equal(&record.Account) {
			return fmt.Errorf("%w: rescan disagrees with index entry of %v", common.ErrCorrupt, entry.Key)
		}
	}
	return nil
}

// writeCheckpoint records the rooted state in the database directory. The
// checkpoint references the storage files in place.
func (db *DB) writeCheckpoint() error {
	snap, err := db.pin()
	if errors.Is(err, ErrNoRoot) {
		return nil
	}
	if err != nil {
		return err
	}
	err = db.encodeCheckpoint(snap)
	return errors.Join(err, snap.Release())
}

func (db *DB) encodeCheckpoint(snap *Snapshot) error {
	image, err := snap.image()
	if err != nil {
		return err
	}
	var errs []error
	for _, file := range image.Files {
		errs = append(errs, file.Flush())
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	path := filepath.Join(db.config.Directory, checkpointFileName)
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	writer := bufio.NewWriter(out)
	err = snapshot.Encode(writer, image, snapshot.Options{
		Version:       db.config.Snapshot.Version,
		ExternalFiles: true,
	})
	if err == nil {
		err = writer.Flush()
	}
	if err == nil {
		err = out.Sync()
	}
	if err = errors.Join(err, out.Close()); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	logger.Info("Wrote checkpoint", "slot", snap.slot, "files", len(image.Files), "accounts", len(image.Entries))
	return nil
}

// VerifyHash recomputes the lattice hash of the state at the highest rooted
// slot from the stored records and compares it with the maintained one.
func (db *DB) VerifyHash(ctx context.Context) error {
	if err := db.checkUsable(); err != nil {
		return err
	}
	db.maintenance.Lock()
	defer db.maintenance.Unlock()
	db.stateMutex.Lock()
	slot, hasRoot, expected := db.maxRoot, db.hasRoot, db.aggregate
	db.stateMutex.Unlock()
	if !hasRoot {
		return ErrNoRoot
	}

	versions, err := db.visibleVersions(slot)
	if err != nil {
		return db.fail(err)
	}
	got, err := lthash.Compute(ctx, db.config.Snapshot.HashWorkers, func(ctx context.Context, out chan<- *common.StoredAccount) error {
		for _, version := range versions {
			record, err := db.readVersion(version.key, version.info)
			if err != nil {
				return err
			}
			select {
			case out <- record:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	if err != nil {
		return db.fail(err)
	}
	if !got.Equal(&expected) {
		return fmt.Errorf("%w: slot %d, maintained %v, recomputed %v", ErrHashMismatch, slot, expected.Checksum(), got.Checksum())
	}
	return nil
}
