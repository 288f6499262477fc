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
	"fmt"
	"io"

	"github.com/Fantom-foundation/accountsdb/common"
)

//go:generate mockgen -source storage.go -destination storage_mocks.go -package storage

// FileID identifies a storage file within a database.
type FileID uint32

// Offset addresses a record within a storage file.
type Offset uint64

const (
	ErrIO            = common.ErrIO
	ErrCorrupt       = common.ErrCorrupt
	ErrFileFull      = common.ConstError("storage file is full")
	ErrNotActive     = common.ConstError("storage file is not active")
	ErrReclaimed     = common.ConstError("storage file has been reclaimed")
	ErrInvalidOffset = common.ConstError("invalid storage offset")
	ErrDataTooLarge  = common.ConstError("account data exceeds maximum length")
	ErrInvalidStatus = common.ConstError("invalid storage file status transition")
)

// Status is the life-cycle state of a storage file.
type Status int32

const (
	// Active files accept appends.
	Active Status = iota
	// Full files are sealed; their content is immutable.
	Full
	// Obsolete files are no longer referenced by the index but may still be
	// read by in-flight readers or pinned snapshots.
	Obsolete
	// Reclaimed files have released their backing storage.
	Reclaimed
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Full:
		return "full"
	case Obsolete:
		return "obsolete"
	case Reclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// File is an append-only region of account records bound to a single slot.
// Offsets returned by Append are 8-byte aligned, strictly increasing and
// never reused while the file is alive. Content at a given offset never
// changes once Append returned.
//
// Appends must be issued by a single writer per file at a time. Reads may
// be performed concurrently with appends and with each other.
type File interface {
	ID() FileID
	Slot() common.Slot
	Status() Status

	// Append adds a record to the file. It fails with ErrFileFull if the
	// remaining capacity is insufficient, in which case the file is left
	// unmodified and the caller is expected to roll over to a new file.
	Append(*common.StoredAccount) (Offset, error)

	// Read decodes the record at the given offset and reports the number of
	// bytes it occupies. The returned account does not alias file memory.
	Read(Offset) (*common.StoredAccount, int, error)

	// ReadRaw returns a copy of the length bytes starting at the given offset.
	ReadRaw(offset Offset, length int) ([]byte, error)

	// Scan visits all records in offset order. Corrupted records are reported
	// to the visitor with a nil account and an ErrCorrupt error; the scan
	// continues if the record length could still be determined. Returning
	// false from the visitor stops the scan.
	Scan(visit func(offset Offset, account *common.StoredAccount, length int, err error) bool) error

	// Seal transitions an Active file to Full.
	Seal() error
	// MarkObsolete flags the file as no longer referenced.
	MarkObsolete() error
	// Reclaim frees the backing storage of an Obsolete file. It waits for
	// in-flight reads to complete; later reads fail with ErrReclaimed.
	Reclaim() error

	// Len is the number of bytes used by records.
	Len() uint64
	// Capacity is the maximum number of bytes the file can hold.
	Capacity() uint64
	// Count is the number of records appended.
	Count() int

	// AddAlive and RemoveAlive maintain the number of live records and the
	// bytes they occupy. They are driven by the index, which knows which
	// records are still referenced.
	AddAlive(bytes int)
	RemoveAlive(bytes int)
	AliveBytes() uint64
	AliveCount() int

	// WriteTo copies the used part of the file, as is, to the given writer.
	io.WriterTo

	common.MemoryFootprintProvider
	common.FlushAndCloser
}

// Opener is implemented by factories of persistent files able to open
// files created by an earlier process.
type Opener interface {
	// Open opens an existing file as Full.
	Open(id FileID, slot common.Slot) (File, error)
}

// Factory creates storage files of one implementation.
type Factory interface {
	// Create creates an empty Active file able to hold capacity bytes.
	Create(id FileID, slot common.Slot, capacity uint64) (File, error)
	// Import creates a Full file holding the given raw records, as produced
	// by File.WriteTo.
	Import(id FileID, slot common.Slot, raw []byte) (File, error)
}

// Backing is the byte region a file implementation stores its records in.
type Backing interface {
	// Bytes returns the full, fixed-size region.
	Bytes() []byte
	// Sync persists modifications of the region.
	Sync() error
	// Release frees the region and any resources holding its content. The
	// region must not be accessed afterwards.
	Release() error
	// Close frees the region while keeping its content persistent, if the
	// implementation supports persistence.
	Close() error
}
