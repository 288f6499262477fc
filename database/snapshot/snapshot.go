// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package snapshot defines the byte format used to export and import the
// state of an accounts database at a rooted slot.
//
// A snapshot stream starts with a fixed-size, uncompressed header carrying
// the format version, the slot, and the lattice hash of the state. It is
// followed by a body, compressed with snappy since version 2, holding an
// RLP encoded manifest, the raw content of every storage file listed in the
// manifest, and the index entries as RLP encoded chunks.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Fantom-foundation/accountsdb/backend/lthash"
	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/cespare/xxhash/v2"
)

const (
	Magic = "ACCTSNAP"

	// VersionRaw stores the body uncompressed.
	VersionRaw uint16 = 1
	// VersionSnappy stores the body as a framed snappy stream.
	VersionSnappy  uint16 = 2
	CurrentVersion        = VersionSnappy

	HeaderSize = len(Magic) + 2 + 2 + 8 + lthash.Size + 8
)

// FlagExternalFiles marks a stream whose body omits the raw file content.
// The listed files are expected to be present in the storage directory of
// the reader, as is the case for checkpoints written on shutdown.
const FlagExternalFiles uint16 = 1

const (
	ErrCorrupt            = common.ErrCorrupt
	ErrUnsupportedVersion = common.ConstError("unsupported snapshot version")
	ErrNoExternalFiles    = common.ConstError("storage factory can not open external files")
)

// Header is the uncompressed prefix of a snapshot stream.
type Header struct {
	Version   uint16
	Flags     uint16
	Slot      common.Slot
	Aggregate lthash.LtHash
}

func (h *Header) MarshalBinary() ([]byte, error) {
	res := make([]byte, 0, HeaderSize)
	res = append(res, Magic...)
	res = binary.BigEndian.AppendUint16(res, h.Version)
	res = binary.BigEndian.AppendUint16(res, h.Flags)
	res = binary.BigEndian.AppendUint64(res, uint64(h.Slot))
	res = append(res, h.Aggregate.Bytes()...)
	return binary.BigEndian.AppendUint64(res, xxhash.Sum64(res)), nil
}

func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) != HeaderSize {
		return fmt.Errorf("%w: header of %d bytes, wanted %d", ErrCorrupt, len(data), HeaderSize)
	}
	if string(data[:len(Magic)]) != Magic {
		return fmt.Errorf("%w: not a snapshot stream", ErrCorrupt)
	}
	body, sum := data[:HeaderSize-8], binary.BigEndian.Uint64(data[HeaderSize-8:])
	if got := xxhash.Sum64(body); got != sum {
		return fmt.Errorf("%w: header checksum mismatch, wanted %x, got %x", ErrCorrupt, sum, got)
	}
	pos := len(Magic)
	h.Version = binary.BigEndian.Uint16(data[pos:])
	h.Flags = binary.BigEndian.Uint16(data[pos+2:])
	h.Slot = common.Slot(binary.BigEndian.Uint64(data[pos+4:]))
	aggregate, err := lthash.FromBytes(data[pos+12 : pos+12+lthash.Size])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	h.Aggregate = aggregate
	return nil
}

// FileInfo describes one storage file in the manifest.
type FileInfo struct {
	ID       storage.FileID
	Slot     common.Slot
	Length   uint64
	Checksum uint64 // xxhash64 of the raw file content
}

// Manifest lists the content of a snapshot body.
type Manifest struct {
	Files   []FileInfo
	Entries uint64
	Roots   []common.Slot
}

// Entry is the index metadata of one account version, sufficient to
// rebuild the index without scanning the storage files.
type Entry struct {
	Key       common.Pubkey
	Slot      common.Slot
	File      storage.FileID
	Offset    storage.Offset
	Tombstone bool
}

// Image is the decoded content of a snapshot: the storage files, the index
// entries pointing into them, and the rooted slots of the state.
type Image struct {
	Header  Header
	Files   []storage.File
	Entries []Entry
	Roots   []common.Slot

	external bool
}

// Discard releases the files of an image that is not going to be used.
// Files imported from the stream are deleted, external files are closed.
func (img *Image) Discard() error {
	if img.external {
		var errs []error
		for _, file := range img.Files {
			errs = append(errs, file.Close())
		}
		return errors.Join(errs...)
	}
	return discard(img.Files)
}
