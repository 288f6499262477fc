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

import "errors"

// ConstError is a error type that can be used to define immutable
// error constants.
type ConstError string

func (e ConstError) Error() string {
	return string(e)
}

// Error classes shared by all components. Components wrap these using
// fmt.Errorf("%w: ...") so callers can classify failures with errors.Is.
const (
	// ErrIO marks a failed interaction with the underlying device. The
	// affected structure can no longer guarantee durability.
	ErrIO = ConstError("i/o failure")

	// ErrCorrupt marks content that could not be decoded, either a single
	// stored record or a snapshot stream.
	ErrCorrupt = ConstError("corrupted content")
)

// IsFatal reports whether the given error must escalate to the owning
// process. Only device failures qualify; corrupted content is fatal only in
// contexts deciding so explicitly (e.g. snapshot loading).
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO)
}
