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
	"testing"

	"github.com/Fantom-foundation/accountsdb/common"
)

func TestRecord_EncodeDecodeRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 7, 8, 9, 1000} {
		account := NewTestAccount(uint64(length), length)
		buffer := make([]byte, RecordSize(length))
		if got, want := EncodeRecord(buffer, account), RecordSize(length); got != want {
			t.Fatalf("unexpected encoded size, wanted %d, got %d", want, got)
		}
		restored, size, err := DecodeRecord(buffer, 5)
		if err != nil {
			t.Fatalf("failed to decode record: %v", err)
		}
		if size != len(buffer) {
			t.Errorf("unexpected decoded size, wanted %d, got %d", len(buffer), size)
		}
		account.Slot = 5
		if restored.Key != account.Key || restored.Slot != 5 || !restored.Account.Equal(&account.Account) {
			t.Errorf("restored account differs, wanted %v, got %v", account, restored)
		}
	}
}

func TestRecord_SizesAreAligned(t *testing.T) {
	for length := 0; length < 64; length++ {
		if size := RecordSize(length); size%8 != 0 || size < HeaderSize+length {
			t.Errorf("invalid record size %d for data length %d", size, length)
		}
	}
}

func TestRecord_DamagedHeaderIsDetected(t *testing.T) {
	account := NewTestAccount(3, 20)
	buffer := make([]byte, RecordSize(20))
	EncodeRecord(buffer, account)

	for _, pos := range []int{0, 20, 50, 85, 90, 96, 110} {
		damaged := make([]byte, len(buffer))
		copy(damaged, buffer)
		damaged[pos] ^= 0x01
		if _, _, err := DecodeRecord(damaged, 0); !errors.Is(err, ErrCorrupt) {
			t.Errorf("damage at position %d not detected: %v", pos, err)
		}
	}
}

func TestRecord_InvalidLengthIsNotTrusted(t *testing.T) {
	account := NewTestAccount(3, 20)
	buffer := make([]byte, RecordSize(20))
	EncodeRecord(buffer, account)
	buffer[8] = 0xFF
	_, size, err := DecodeRecord(buffer, 0)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected corruption error, got %v", err)
	}
	if size != 0 {
		t.Errorf("size of record with invalid length should not be reported, got %d", size)
	}
}

func TestRecord_ZeroedRegionIsNotARecord(t *testing.T) {
	if _, _, err := DecodeRecord(make([]byte, 256), 0); !errors.Is(err, ErrCorrupt) {
		t.Errorf("zeroed region should not decode, got %v", err)
	}
}

func TestRecord_TombstonesCanBeEncoded(t *testing.T) {
	account := &common.StoredAccount{Key: common.PubkeyFromUint64(9)}
	buffer := make([]byte, RecordSize(0))
	EncodeRecord(buffer, account)
	restored, _, err := DecodeRecord(buffer, 1)
	if err != nil {
		t.Fatalf("failed to decode tombstone: %v", err)
	}
	if restored.State() != common.Tombstone {
		t.Errorf("restored account should be a tombstone")
	}
}
