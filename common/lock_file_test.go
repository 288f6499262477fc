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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockFile_ZeroValueDoesNotOwnAnything(t *testing.T) {
	var lock lockFile
	if lock.Valid() {
		t.Errorf("zero lock must not be valid")
	}
	if err := lock.Release(); err == nil {
		t.Errorf("releasing a zero lock should fail")
	}
}

func TestLockFile_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	lock, err := CreateLockFile(path)
	if err != nil {
		t.Fatalf("failed to lock directory: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file should exist: %v", err)
	}
	if !lock.Valid() {
		t.Errorf("owned lock should be valid")
	}
}

func TestLockFile_SecondHolderIsRejectedUntilRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	first, err := CreateLockFile(path)
	if err != nil {
		t.Fatalf("failed to lock directory: %v", err)
	}
	if _, err := CreateLockFile(path); !errors.Is(err, ErrLocked) {
		t.Errorf("locked directory should be rejected with %v, got %v", ErrLocked, err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("failed to unlock directory: %v", err)
	}
	if first.Valid() {
		t.Errorf("released lock should no longer be valid")
	}
	if err := first.Release(); err == nil {
		t.Errorf("a lock can only be released once")
	}

	second, err := CreateLockFile(path)
	if err != nil {
		t.Fatalf("released directory should be lockable again: %v", err)
	}
	if err := second.Release(); err != nil {
		t.Errorf("failed to unlock directory: %v", err)
	}
}

func TestLockFile_FailsForMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "LOCK")
	if _, err := CreateLockFile(path); err == nil || errors.Is(err, ErrLocked) {
		t.Errorf("locking in a missing directory should fail with an I/O error, got %v", err)
	}
}

func TestLockFile_AtMostOneOwnerAtATime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	var owners, acquired atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				lock, err := CreateLockFile(path)
				if errors.Is(err, ErrLocked) {
					continue
				}
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				acquired.Add(1)
				if n := owners.Add(1); n != 1 {
					t.Errorf("lock has %d owners", n)
				}
				owners.Add(-1)
				if err := lock.Release(); err != nil {
					t.Errorf("failed to unlock directory: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	if acquired.Load() == 0 {
		t.Errorf("lock was never acquired")
	}
}
