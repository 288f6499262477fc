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
	"maps"
	"os"
	"path/filepath"
	"testing"

	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/Fantom-foundation/accountsdb/common"
)

func TestMmapFile(t *testing.T) {
	storage.RunFileTests(t, storage.NamedFactory{
		ImplementationName: "mmapfile",
		Open: func(_ *testing.T, directory string) (storage.Factory, error) {
			return NewFactory(directory)
		},
	})
}

func TestMmapFile_CreatesPreSizedFile(t *testing.T) {
	dir := t.TempDir()
	factory, err := NewFactory(dir)
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	file, err := factory.Create(3, 17, 1<<16)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	defer file.Close()
	stat, err := os.Stat(filepath.Join(dir, FileName(3, 17)))
	if err != nil {
		t.Fatalf("storage file not found: %v", err)
	}
	if got, want := stat.Size(), int64(1<<16); got != want {
		t.Errorf("unexpected file size, wanted %d, got %d", want, got)
	}
	if _, err := factory.Create(3, 17, 1<<16); !errors.Is(err, storage.ErrIO) {
		t.Errorf("creating an existing file should fail, got %v", err)
	}
}

func TestMmapFile_ContentSurvivesReopening(t *testing.T) {
	dir := t.TempDir()
	factory, err := NewFactory(dir)
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	file, err := factory.Create(1, 5, 1<<16)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	offsets := []storage.Offset{}
	for i := 0; i < 10; i++ {
		offset, err := file.Append(storage.NewTestAccount(uint64(i), i*3))
		if err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		offsets = append(offsets, offset)
	}
	length := file.Len()
	if err := file.Close(); err != nil {
		t.Fatalf("failed to close file: %v", err)
	}

	reopened, err := factory.Open(1, 5)
	if err != nil {
		t.Fatalf("failed to reopen file: %v", err)
	}
	defer reopened.Close()
	if got := reopened.Len(); got != length {
		t.Errorf("unexpected recovered length, wanted %d, got %d", length, got)
	}
	for i, offset := range offsets {
		account, _, err := reopened.Read(offset)
		if err != nil {
			t.Fatalf("failed to read record: %v", err)
		}
		if want := storage.NewTestAccount(uint64(i), i*3); account.Key != want.Key || !account.Account.Equal(&want.Account) {
			t.Errorf("unexpected account, wanted %v, got %v", want, account)
		}
	}
}

func TestMmapFile_ReclaimRemovesFile(t *testing.T) {
	dir := t.TempDir()
	factory, err := NewFactory(dir)
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	file, err := factory.Create(2, 9, 1<<12)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	if err := file.MarkObsolete(); err != nil {
		t.Fatalf("failed to mark file obsolete: %v", err)
	}
	if err := file.Reclaim(); err != nil {
		t.Fatalf("failed to reclaim file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName(2, 9))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("reclaimed file should be deleted, got %v", err)
	}
}

func TestMmapFile_OpenMissingFileFails(t *testing.T) {
	factory, err := NewFactory(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	if _, err := factory.Open(1, 1); !errors.Is(err, storage.ErrIO) {
		t.Errorf("expected i/o error, got %v", err)
	}
}

func TestMmapFile_ParseFileNameInvertsFileName(t *testing.T) {
	for _, test := range []struct {
		id   storage.FileID
		slot common.Slot
	}{{0, 0}, {1, 2}, {0xffffffff, 1 << 60}} {
		id, slot, ok := ParseFileName(FileName(test.id, test.slot))
		if !ok || id != test.id || slot != test.slot {
			t.Errorf("failed to parse name of %d/%d, got %d/%d, %t", test.id, test.slot, id, slot, ok)
		}
	}
	for _, name := range []string{"", "LOCK", "0000000000000001-00000002.tmp", "000000000000000x-00000002.acc"} {
		if _, _, ok := ParseFileName(name); ok {
			t.Errorf("parsed invalid name %q", name)
		}
	}
}

func TestMmapFile_StoredListsFilesAndRemoveDeletesThem(t *testing.T) {
	dir := t.TempDir()
	factory, err := NewFactory(dir)
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	for id := storage.FileID(1); id <= 3; id++ {
		file, err := factory.Create(id, common.Slot(10*id), 1<<12)
		if err != nil {
			t.Fatalf("failed to create file: %v", err)
		}
		if err := file.Close(); err != nil {
			t.Fatalf("failed to close file: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated"), nil, 0600); err != nil {
		t.Fatalf("failed to create unrelated file: %v", err)
	}
	if err := factory.Remove(2, 20); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}
	stored, err := factory.Stored()
	if err != nil {
		t.Fatalf("failed to list files: %v", err)
	}
	want := map[storage.FileID]common.Slot{1: 10, 3: 30}
	if !maps.Equal(stored, want) {
		t.Errorf("unexpected stored files, wanted %v, got %v", want, stored)
	}
}
