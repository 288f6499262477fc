// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// ShardOf maps a key to one of the given number of shards. The number of
// shards must be a power of two.
func ShardOf(key *Pubkey, shards int) int {
	return int(murmur3.Sum64(key[:]) & uint64(shards-1))
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// PubkeyFromUint64 creates a key with the given number in its last 8 bytes.
// It is mainly intended for tests and tools.
func PubkeyFromUint64(n uint64) Pubkey {
	var res Pubkey
	binary.BigEndian.PutUint64(res[24:], n)
	return res
}
