// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package mmapfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sys/unix"
)

var logger = log.New("pkg", "storage/mmapfile")

// Factory creates storage files backed by memory-mapped files in a
// directory. Files are pre-sized to their capacity on creation.
type Factory struct {
	directory string
}

// NewFactory creates a factory placing its files in the given directory,
// which is created if missing.
func NewFactory(directory string) (*Factory, error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create storage directory: %w", storage.ErrIO, err)
	}
	return &Factory{directory: directory}, nil
}

// FileName returns the name of the file holding the given storage file.
func FileName(id storage.FileID, slot common.Slot) string {
	return fmt.Sprintf("%016x-%08x.acc", uint64(slot), uint32(id))
}

// ParseFileName is the inverse of FileName.
func ParseFileName(name string) (storage.FileID, common.Slot, bool) {
	var (
		slot uint64
		id   uint32
	)
	if len(name) != len(FileName(0, 0)) {
		return 0, 0, false
	}
	if n, err := fmt.Sscanf(name, "%016x-%08x.acc", &slot, &id); err != nil || n != 2 {
		return 0, 0, false
	}
	return storage.FileID(id), common.Slot(slot), true
}

func (f *Factory) Create(id storage.FileID, slot common.Slot, capacity uint64) (storage.File, error) {
	backing, err := f.create(id, slot, capacity)
	if err != nil {
		return nil, err
	}
	return storage.NewFile(id, slot, backing), nil
}

func (f *Factory) Import(id storage.FileID, slot common.Slot, raw []byte) (storage.File, error) {
	// Empty mappings are not supported by the OS.
	capacity := max(uint64(len(raw)), storage.HeaderSize)
	backing, err := f.create(id, slot, capacity)
	if err != nil {
		return nil, err
	}
	copy(backing.data, raw)
	res, err := storage.ImportFile(id, slot, backing, uint64(len(raw)))
	if err != nil {
		return nil, errors.Join(err, backing.Release())
	}
	return res, nil
}

// Open maps an existing storage file. The file is opened Full; its used
// size is recovered by scanning its records.
func (f *Factory) Open(id storage.FileID, slot common.Slot) (storage.File, error) {
	path := filepath.Join(f.directory, FileName(id, slot))
	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open storage file: %w", storage.ErrIO, err)
	}
	stat, err := file.Stat()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", storage.ErrIO, err), file.Close())
	}
	backing, err := mmap(path, file, int(stat.Size()))
	if err != nil {
		return nil, err
	}
	res := storage.OpenFile(id, slot, backing)
	logger.Debug("Opened storage file", "path", path, "records", res.Count(), "bytes", res.Len())
	return res, nil
}

// Stored lists the IDs and slots of the storage files present in the
// directory of the factory.
func (f *Factory) Stored() (map[storage.FileID]common.Slot, error) {
	entries, err := os.ReadDir(f.directory)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrIO, err)
	}
	res := map[storage.FileID]common.Slot{}
	for _, entry := range entries {
		if id, slot, ok := ParseFileName(entry.Name()); ok && entry.Type().IsRegular() {
			res[id] = slot
		}
	}
	return res, nil
}

// Remove deletes a storage file that is not open.
func (f *Factory) Remove(id storage.FileID, slot common.Slot) error {
	if err := os.Remove(filepath.Join(f.directory, FileName(id, slot))); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrIO, err)
	}
	return nil
}

func (f *Factory) create(id storage.FileID, slot common.Slot, capacity uint64) (*backing, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("invalid capacity of storage file %d: %d", id, capacity)
	}
	path := filepath.Join(f.directory, FileName(id, slot))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create storage file: %w", storage.ErrIO, err)
	}
	if err := file.Truncate(int64(capacity)); err != nil {
		return nil, errors.Join(
			fmt.Errorf("%w: failed to size storage file: %w", storage.ErrIO, err),
			file.Close(),
			os.Remove(path),
		)
	}
	return mmap(path, file, int(capacity))
}

func mmap(path string, file *os.File, size int) (*backing, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("%w: failed to map storage file %s: %w", storage.ErrIO, path, err),
			file.Close(),
		)
	}
	return &backing{path: path, file: file, data: data}, nil
}

type backing struct {
	path string
	file *os.File
	data []byte
}

func (b *backing) Bytes() []byte {
	return b.data
}

func (b *backing) Sync() error {
	if b.data == nil {
		return nil
	}
	return unix.Msync(b.data, unix.MS_SYNC)
}

func (b *backing) unmap() error {
	if b.data == nil {
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	return errors.Join(err, b.file.Close())
}

func (b *backing) Close() error {
	return b.unmap()
}

func (b *backing) Release() error {
	if err := b.unmap(); err != nil {
		return err
	}
	if err := os.Remove(b.path); err != nil {
		return err
	}
	logger.Debug("Removed storage file", "path", b.path)
	return nil
}

func (b *backing) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(0)
	mf.SetNote(fmt.Sprintf("(mapped: %d bytes)", len(b.data)))
	return mf
}
