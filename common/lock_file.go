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
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when a lock file is already owned by another holder.
const ErrLocked = ConstError("lock file is held by another process")

// LockFile is an inter-process synchronization primitive guarding a database
// directory against concurrent use. It is backed by an advisory file lock,
// which the operating system releases automatically if the owning process
// dies.
type LockFile interface {
	// Release gives up the lock ownership. Each lock may only be released
	// once; subsequent calls produce errors.
	Release() error
	// Valid checks whether this lock still owns the underlying resource.
	Valid() bool
}

type lockFile struct {
	lock *flock.Flock
}

// CreateLockFile acquires an exclusive lock on the file at the given path,
// creating it if needed. It fails with ErrLocked without blocking if the
// lock is held elsewhere.
func CreateLockFile(path string) (LockFile, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire file lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire file lock %s: %w", path, ErrLocked)
	}
	return &lockFile{lock: lock}, nil
}

func (f *lockFile) Valid() bool {
	return f.lock != nil && f.lock.Locked()
}

func (f *lockFile) Release() error {
	if !f.Valid() {
		return fmt.Errorf("unable to release invalid lock")
	}
	if err := f.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release file lock: %w", err)
	}
	f.lock = nil
	return nil
}
