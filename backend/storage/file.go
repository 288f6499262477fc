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
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/common"
)

// file implements the File interface on top of a fixed-size Backing region.
//
// The write cursor is published atomically after the record bytes have been
// written, so readers never observe partially appended records. The
// life-cycle lock is only held exclusively while the backing region is
// released, which lets Reclaim wait for in-flight readers.
type file struct {
	id       FileID
	slot     common.Slot
	backing  Backing
	data     []byte
	capacity uint64

	status atomic.Int32
	cursor atomic.Uint64
	count  atomic.Int64

	aliveBytes atomic.Int64
	aliveCount atomic.Int64

	appendMutex sync.Mutex
	lifecycle   sync.RWMutex
}

// NewFile creates an Active file over the given empty backing region.
func NewFile(id FileID, slot common.Slot, backing Backing) File {
	data := backing.Bytes()
	return &file{
		id:       id,
		slot:     slot,
		backing:  backing,
		data:     data,
		capacity: uint64(len(data)),
	}
}

// OpenFile creates a Full file over a backing region already holding
// records. The used size is recovered by scanning the records; the scan
// stops at the first record that cannot be decoded.
func OpenFile(id FileID, slot common.Slot, backing Backing) File {
	data := backing.Bytes()
	res := &file{
		id:       id,
		slot:     slot,
		backing:  backing,
		data:     data,
		capacity: uint64(len(data)),
	}
	used, count := recoverCursor(res.data)
	res.cursor.Store(used)
	res.count.Store(int64(count))
	res.status.Store(int32(Full))
	return res
}

// ImportFile creates a Full file over a backing region whose first length
// bytes hold records, as produced by File.WriteTo.
func ImportFile(id FileID, slot common.Slot, backing Backing, length uint64) (File, error) {
	data := backing.Bytes()
	if length > uint64(len(data)) || length%alignment != 0 {
		return nil, fmt.Errorf("%w: invalid file length %d for capacity %d", ErrCorrupt, length, len(data))
	}
	res := &file{
		id:       id,
		slot:     slot,
		backing:  backing,
		data:     data,
		capacity: uint64(len(data)),
	}
	count := 0
	for pos := 0; pos < int(length); count++ {
		_, size, _ := DecodeRecord(data[pos:length], slot)
		if size == 0 {
			return nil, fmt.Errorf("%w: undecodable record at offset %d of file %d", ErrCorrupt, pos, id)
		}
		pos += size
	}
	res.cursor.Store(length)
	res.count.Store(int64(count))
	res.status.Store(int32(Full))
	return res, nil
}

func recoverCursor(data []byte) (uint64, int) {
	pos, count := 0, 0
	for pos+HeaderSize <= len(data) {
		_, size, err := DecodeRecord(data[pos:], 0)
		if err != nil {
			break
		}
		pos += size
		count++
	}
	return uint64(pos), count
}

func (f *file) ID() FileID {
	return f.id
}

func (f *file) Slot() common.Slot {
	return f.slot
}

func (f *file) Status() Status {
	return Status(f.status.Load())
}

func (f *file) Append(account *common.StoredAccount) (Offset, error) {
	if len(account.Account.Data) > common.MaxAccountDataLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(account.Account.Data))
	}
	f.lifecycle.RLock()
	defer f.lifecycle.RUnlock()
	f.appendMutex.Lock()
	defer f.appendMutex.Unlock()
	if status := f.Status(); status != Active {
		return 0, fmt.Errorf("%w: file %d is %v", ErrNotActive, f.id, status)
	}
	pos := f.cursor.Load()
	size := uint64(RecordSize(len(account.Account.Data)))
	if pos+size > uint64(len(f.data)) {
		return 0, ErrFileFull
	}
	EncodeRecord(f.data[pos:pos+size], account)
	f.count.Add(1)
	f.cursor.Store(pos + size)
	return Offset(pos), nil
}

func (f *file) Read(offset Offset) (*common.StoredAccount, int, error) {
	f.lifecycle.RLock()
	defer f.lifecycle.RUnlock()
	if f.Status() == Reclaimed {
		return nil, 0, ErrReclaimed
	}
	end := f.cursor.Load()
	if uint64(offset)%alignment != 0 || uint64(offset)+HeaderSize > end {
		return nil, 0, fmt.Errorf("%w: %d in file %d of length %d", ErrInvalidOffset, offset, f.id, end)
	}
	account, size, err := DecodeRecord(f.data[offset:end], f.slot)
	if err != nil {
		return nil, size, fmt.Errorf("file %d, offset %d: %w", f.id, offset, err)
	}
	return account, size, nil
}

func (f *file) ReadRaw(offset Offset, length int) ([]byte, error) {
	f.lifecycle.RLock()
	defer f.lifecycle.RUnlock()
	if f.Status() == Reclaimed {
		return nil, ErrReclaimed
	}
	end := f.cursor.Load()
	if length < 0 || uint64(offset)+uint64(length) > end {
		return nil, fmt.Errorf("%w: [%d,%d) in file %d of length %d", ErrInvalidOffset, offset, uint64(offset)+uint64(length), f.id, end)
	}
	res := make([]byte, length)
	copy(res, f.data[offset:])
	return res, nil
}

func (f *file) Scan(visit func(Offset, *common.StoredAccount, int, error) bool) error {
	f.lifecycle.RLock()
	defer f.lifecycle.RUnlock()
	if f.Status() == Reclaimed {
		return ErrReclaimed
	}
	end := f.cursor.Load()
	for pos := uint64(0); pos < end; {
		account, size, err := DecodeRecord(f.data[pos:end], f.slot)
		if !visit(Offset(pos), account, size, err) {
			return nil
		}
		if size == 0 {
			return fmt.Errorf("file %d: unable to continue scan at offset %d: %w", f.id, pos, err)
		}
		pos += uint64(size)
	}
	return nil
}

func (f *file) Seal() error {
	if f.status.CompareAndSwap(int32(Active), int32(Full)) || f.Status() == Full {
		return nil
	}
	return fmt.Errorf("%w: cannot seal %v file %d", ErrInvalidStatus, f.Status(), f.id)
}

func (f *file) MarkObsolete() error {
	for {
		status := f.Status()
		if status == Obsolete {
			return nil
		}
		if status == Reclaimed {
			return fmt.Errorf("%w: file %d already reclaimed", ErrInvalidStatus, f.id)
		}
		if f.status.CompareAndSwap(int32(status), int32(Obsolete)) {
			return nil
		}
	}
}

func (f *file) Reclaim() error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()
	if status := f.Status(); status != Obsolete {
		return fmt.Errorf("%w: cannot reclaim %v file %d", ErrInvalidStatus, status, f.id)
	}
	f.status.Store(int32(Reclaimed))
	f.data = nil
	if err := f.backing.Release(); err != nil {
		return fmt.Errorf("%w: failed to release file %d: %w", ErrIO, f.id, err)
	}
	return nil
}

func (f *file) Len() uint64 {
	return f.cursor.Load()
}

func (f *file) Capacity() uint64 {
	return f.capacity
}

func (f *file) Count() int {
	return int(f.count.Load())
}

func (f *file) AddAlive(bytes int) {
	f.aliveCount.Add(1)
	f.aliveBytes.Add(int64(bytes))
}

func (f *file) RemoveAlive(bytes int) {
	f.aliveCount.Add(-1)
	f.aliveBytes.Add(-int64(bytes))
}

func (f *file) AliveBytes() uint64 {
	if res := f.aliveBytes.Load(); res > 0 {
		return uint64(res)
	}
	return 0
}

func (f *file) AliveCount() int {
	return int(f.aliveCount.Load())
}

func (f *file) WriteTo(out io.Writer) (int64, error) {
	f.lifecycle.RLock()
	defer f.lifecycle.RUnlock()
	if f.Status() == Reclaimed {
		return 0, ErrReclaimed
	}
	n, err := out.Write(f.data[:f.cursor.Load()])
	return int64(n), err
}

func (f *file) Flush() error {
	f.lifecycle.RLock()
	defer f.lifecycle.RUnlock()
	if f.Status() == Reclaimed {
		return nil
	}
	if err := f.backing.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync file %d: %w", ErrIO, f.id, err)
	}
	return nil
}

func (f *file) Close() error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()
	if f.Status() == Reclaimed {
		return nil
	}
	f.status.Store(int32(Reclaimed))
	f.data = nil
	err := errors.Join(f.backing.Sync(), f.backing.Close())
	if err != nil {
		return fmt.Errorf("%w: failed to close file %d: %w", ErrIO, f.id, err)
	}
	return nil
}

func (f *file) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*f))
	if provider, ok := f.backing.(common.MemoryFootprintProvider); ok {
		mf.AddChild("backing", provider.GetMemoryFootprint())
	}
	mf.SetNote(fmt.Sprintf("(records: %d, alive: %d)", f.Count(), f.AliveCount()))
	return mf
}
