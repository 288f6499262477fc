// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package lthash implements an incremental lattice hash over sets of accounts.
//
// A lattice hash expands the digest of each element into a vector of 1024
// 16-bit lanes and combines vectors by lane-wise wrapping addition. The
// combination is commutative and associative, and subtraction is its exact
// inverse, so the aggregate of a set can be maintained incrementally under
// insertions and removals in any order.
package lthash

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Fantom-foundation/accountsdb/common"
	"golang.org/x/crypto/blake2b"
)

const (
	NumLanes = 1024
	Size     = NumLanes * 2 // bytes in the serialized form
)

const ErrInvalidLength = common.ConstError("invalid lattice hash length")

// LtHash is a lattice hash value. The zero value is the identity, the hash
// of the empty set.
type LtHash [NumLanes]uint16

// Identity returns the hash of the empty set.
func Identity() LtHash {
	return LtHash{}
}

// Add folds the given hash into this one.
func (h *LtHash) Add(other *LtHash) {
	for i := range h {
		h[i] += other[i]
	}
}

// Sub removes a previously added hash from this one.
func (h *LtHash) Sub(other *LtHash) {
	for i := range h {
		h[i] -= other[i]
	}
}

func (h *LtHash) IsIdentity() bool {
	return *h == LtHash{}
}

func (h *LtHash) Equal(other *LtHash) bool {
	return *h == *other
}

// Bytes serializes the lanes in little-endian order.
func (h *LtHash) Bytes() []byte {
	res := make([]byte, Size)
	for i, lane := range h {
		binary.LittleEndian.PutUint16(res[2*i:], lane)
	}
	return res
}

// FromBytes parses the output of Bytes.
func FromBytes(data []byte) (LtHash, error) {
	var res LtHash
	if len(data) != Size {
		return res, fmt.Errorf("%w: got %d bytes, wanted %d", ErrInvalidLength, len(data), Size)
	}
	for i := range res {
		res[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return res, nil
}

// Checksum is a compact 32-byte summary of the lattice hash, suitable for
// comparing aggregates across nodes.
func (h *LtHash) Checksum() common.Hash {
	return blake2b.Sum256(h.Bytes())
}

func (h LtHash) String() string {
	sum := h.Checksum()
	return sum.String()
}

var xofPool = sync.Pool{
	New: func() any {
		xof, err := blake2b.NewXOF(Size, nil)
		if err != nil {
			panic(fmt.Sprintf("failed to create blake2b XOF: %v", err))
		}
		return xof
	},
}

// AccountHash is the lattice hash of a single account. It depends on the
// key and the account content only; the slot and write version of the
// record do not contribute. Tombstones have a hash of their own, keeping
// them part of the aggregate until they are purged.
func AccountHash(account *common.StoredAccount) LtHash {
	xof := xofPool.Get().(blake2b.XOF)
	defer func() {
		xof.Reset()
		xofPool.Put(xof)
	}()

	var buffer [8 + 8 + 32 + 1 + 8]byte
	binary.LittleEndian.PutUint64(buffer[0:], account.Account.Lamports)
	binary.LittleEndian.PutUint64(buffer[8:], account.Account.RentEpoch)
	copy(buffer[16:48], account.Account.Owner[:])
	if account.Account.Executable {
		buffer[48] = 1
	}
	binary.LittleEndian.PutUint64(buffer[49:], uint64(len(account.Account.Data)))

	xof.Write(account.Key[:])
	xof.Write(buffer[:])
	xof.Write(account.Account.Data)

	var raw [Size]byte
	if _, err := xof.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("failed to read blake2b XOF output: %v", err))
	}
	var res LtHash
	for i := range res {
		res[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return res
}
