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
	"bytes"
	"encoding/hex"
	"fmt"
)

// MaxAccountDataLength is the maximum number of data bytes an account may
// carry. Appending a larger account to a storage file is rejected.
const MaxAccountDataLength = 10 * 1024 * 1024

// Pubkey is the key identifying an account.
type Pubkey [32]byte

func (k Pubkey) String() string {
	return "0x" + hex.EncodeToString(k[:])
}

// Compare orders keys lexicographically.
func (k *Pubkey) Compare(other *Pubkey) int {
	return bytes.Compare(k[:], other[:])
}

// Hash is a 32-byte digest.
type Hash [32]byte

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Slot is the logical unit of ledger time accounts are written into.
type Slot uint64

// Account is the content of an account at a given slot. An account with zero
// lamports is a tombstone: it marks a deleted account that still needs to be
// accounted for until it is purged.
type Account struct {
	Lamports   uint64
	Owner      Pubkey
	Executable bool
	RentEpoch  uint64
	Data       []byte
}

// IsTombstone returns true if this account represents a deleted account.
func (a *Account) IsTombstone() bool {
	return a.Lamports == 0
}

// Equal compares two accounts field by field.
func (a *Account) Equal(b *Account) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Lamports == b.Lamports &&
		a.Owner == b.Owner &&
		a.Executable == b.Executable &&
		a.RentEpoch == b.RentEpoch &&
		bytes.Equal(a.Data, b.Data)
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	res := *a
	if a.Data != nil {
		res.Data = bytes.Clone(a.Data)
	}
	return &res
}

// Size approximates the number of heap bytes occupied by the account.
func (a *Account) Size() int {
	return accountStructSize + len(a.Data)
}

const accountStructSize = 8 + 32 + 8 + 8 + 24

func (a Account) String() string {
	return fmt.Sprintf("Account{lamports: %d, owner: %v, executable: %t, rentEpoch: %d, data: %d bytes}",
		a.Lamports, a.Owner, a.Executable, a.RentEpoch, len(a.Data))
}

// AccountState is the tagged state of a stored account version.
type AccountState uint8

const (
	Live AccountState = iota
	Tombstone
)

func (s AccountState) String() string {
	switch s {
	case Live:
		return "live"
	case Tombstone:
		return "tombstone"
	default:
		return "unknown"
	}
}

// StoredAccount is an immutable account version as written to storage. The
// write version orders multiple writes of the same key within one slot.
type StoredAccount struct {
	Key          Pubkey
	Slot         Slot
	WriteVersion uint64
	Account      Account
}

// State returns the tagged state of this version.
func (s *StoredAccount) State() AccountState {
	if s.Account.IsTombstone() {
		return Tombstone
	}
	return Live
}

func (s StoredAccount) String() string {
	return fmt.Sprintf("%v@%d(v%d): %v", s.Key, s.Slot, s.WriteVersion, s.Account)
}
