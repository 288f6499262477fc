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
	"go.uber.org/mock/gomock"
)

func TestFile_FlushFailuresAreIOErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	backing := NewMockBacking(ctrl)
	backing.EXPECT().Bytes().Return(make([]byte, 1024)).AnyTimes()
	backing.EXPECT().Sync().Return(errors.New("device failure"))

	file := NewFile(1, 1, backing)
	if err := file.Flush(); !errors.Is(err, ErrIO) || !common.IsFatal(err) {
		t.Errorf("expected fatal i/o error, got %v", err)
	}
}

func TestFile_ReleaseFailuresAreIOErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	backing := NewMockBacking(ctrl)
	backing.EXPECT().Bytes().Return(make([]byte, 1024)).AnyTimes()
	backing.EXPECT().Release().Return(errors.New("device failure"))

	file := NewFile(1, 1, backing)
	if err := file.MarkObsolete(); err != nil {
		t.Fatalf("failed to mark file obsolete: %v", err)
	}
	if err := file.Reclaim(); !errors.Is(err, ErrIO) {
		t.Errorf("expected i/o error, got %v", err)
	}
}

func TestFile_OpenRecoversCursor(t *testing.T) {
	ctrl := gomock.NewController(t)
	data := make([]byte, 4096)
	backing := NewMockBacking(ctrl)
	backing.EXPECT().Bytes().Return(data).AnyTimes()

	file := NewFile(1, 1, backing)
	for i := 0; i < 5; i++ {
		if _, err := file.Append(NewTestAccount(uint64(i), i*10)); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}
	reopened := OpenFile(1, 1, backing)
	if got, want := reopened.Len(), file.Len(); got != want {
		t.Errorf("unexpected recovered length, wanted %d, got %d", want, got)
	}
	if got, want := reopened.Count(), 5; got != want {
		t.Errorf("unexpected recovered count, wanted %d, got %d", want, got)
	}
	if got := reopened.Status(); got != Full {
		t.Errorf("reopened file should be full, got %v", got)
	}
}

func TestStatus_String(t *testing.T) {
	tests := map[Status]string{Active: "active", Full: "full", Obsolete: "obsolete", Reclaimed: "reclaimed", Status(9): "status(9)"}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("unexpected name, wanted %s, got %s", want, got)
		}
	}
}
