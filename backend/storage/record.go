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
	"encoding/binary"
	"fmt"

	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/cespare/xxhash/v2"
)

// Records are laid out as a fixed-size header followed by the account data,
// padded to a multiple of 8 bytes. All integers are big-endian.
//
//	[0:8]     write version
//	[8:16]    data length
//	[16:48]   key
//	[48:80]   owner
//	[80:88]   lamports
//	[88:96]   rent epoch
//	[96]      executable flag, followed by 7 bytes of padding
//	[104:112] xxhash64 of header bytes [0:104] and the data
const (
	HeaderSize     = 112
	checksumOffset = 104
	alignment      = 8
)

// RecordSize returns the number of bytes occupied by a record carrying the
// given number of data bytes.
func RecordSize(dataLength int) int {
	return HeaderSize + align(dataLength)
}

func align(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// EncodeRecord writes the record of the given account into trg, which must
// provide at least RecordSize(len(account.Data)) bytes. Padding bytes are
// zeroed. The slot is not part of the record; it is implied by the file.
func EncodeRecord(trg []byte, account *common.StoredAccount) int {
	data := account.Account.Data
	binary.BigEndian.PutUint64(trg[0:], account.WriteVersion)
	binary.BigEndian.PutUint64(trg[8:], uint64(len(data)))
	copy(trg[16:48], account.Key[:])
	copy(trg[48:80], account.Account.Owner[:])
	binary.BigEndian.PutUint64(trg[80:], account.Account.Lamports)
	binary.BigEndian.PutUint64(trg[88:], account.Account.RentEpoch)
	clear(trg[96:104])
	if account.Account.Executable {
		trg[96] = 1
	}
	size := RecordSize(len(data))
	copy(trg[HeaderSize:], data)
	clear(trg[HeaderSize+len(data) : size])
	binary.BigEndian.PutUint64(trg[checksumOffset:], checksum(trg[:checksumOffset], data))
	return size
}

// DecodeRecord parses the record at the beginning of src. It returns the
// decoded account, bound to the given slot, and the record size. If the
// record is damaged but its size can still be trusted, the size is returned
// along with an ErrCorrupt error; otherwise the size is 0.
func DecodeRecord(src []byte, slot common.Slot) (*common.StoredAccount, int, error) {
	if len(src) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: truncated record header", ErrCorrupt)
	}
	dataLength := binary.BigEndian.Uint64(src[8:])
	if dataLength > common.MaxAccountDataLength || uint64(len(src)-HeaderSize) < dataLength {
		return nil, 0, fmt.Errorf("%w: invalid data length %d", ErrCorrupt, dataLength)
	}
	size := RecordSize(int(dataLength))
	if len(src) < size {
		return nil, 0, fmt.Errorf("%w: truncated record", ErrCorrupt)
	}
	data := src[HeaderSize : HeaderSize+int(dataLength)]
	if want, got := binary.BigEndian.Uint64(src[checksumOffset:]), checksum(src[:checksumOffset], data); want != got {
		return nil, size, fmt.Errorf("%w: checksum mismatch, wanted %x, got %x", ErrCorrupt, want, got)
	}
	if src[96] > 1 {
		return nil, size, fmt.Errorf("%w: invalid executable flag %d", ErrCorrupt, src[96])
	}

	res := &common.StoredAccount{
		Slot:         slot,
		WriteVersion: binary.BigEndian.Uint64(src[0:]),
	}
	copy(res.Key[:], src[16:48])
	copy(res.Account.Owner[:], src[48:80])
	res.Account.Lamports = binary.BigEndian.Uint64(src[80:])
	res.Account.RentEpoch = binary.BigEndian.Uint64(src[88:])
	res.Account.Executable = src[96] == 1
	if dataLength > 0 {
		res.Account.Data = make([]byte, dataLength)
		copy(res.Account.Data, data)
	}
	return res, size, nil
}

func checksum(header, data []byte) uint64 {
	digest := xxhash.New()
	digest.Write(header)
	digest.Write(data)
	return digest.Sum64()
}
