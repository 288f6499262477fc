// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package ldb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Table spaces within the LevelDB instance.
const (
	cellKey     byte = 'C'
	metadataKey byte = 'M'
	freeListKey byte = 'F'
)

// Store is a bucket.Store keeping its cells in a LevelDB instance, one key
// per cell. Cell allocation state is kept in memory and persisted on Flush.
type Store[I bucket.Index, V any] struct {
	db       *leveldb.DB
	encoder  bucket.ValueEncoder[V]
	numCells I
	freeList []I
	buffer   []byte
	key      []byte
}

// OpenStore opens the LevelDB-backed store in the given directory.
func OpenStore[I bucket.Index, V any](encoder bucket.ValueEncoder[V], directory string, options *opt.Options) (*Store[I, V], error) {
	db, err := leveldb.OpenFile(directory, options)
	if err != nil {
		return nil, err
	}
	res := &Store[I, V]{
		db:      db,
		encoder: encoder,
		buffer:  make([]byte, encoder.GetEncodedSize()),
		key:     make([]byte, 1+bucket.IndexSize[I]()),
	}
	if err := res.loadMetadata(); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return res, nil
}

func (s *Store[I, V]) loadMetadata() error {
	meta, err := s.db.Get([]byte{metadataKey}, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(meta) != 16 {
		return fmt.Errorf("%w: invalid metadata length %d", common.ErrCorrupt, len(meta))
	}
	if indexSize, valueSize := binary.BigEndian.Uint32(meta[8:]), binary.BigEndian.Uint32(meta[12:]); int(indexSize) != bucket.IndexSize[I]() || int(valueSize) != len(s.buffer) {
		return fmt.Errorf("%w: found %d byte IDs and %d byte values, wanted %d and %d", bucket.ErrLayout, indexSize, valueSize, bucket.IndexSize[I](), len(s.buffer))
	}
	s.numCells = I(binary.BigEndian.Uint64(meta))

	free, err := s.db.Get([]byte{freeListKey}, nil)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return err
	}
	size := bucket.IndexSize[I]()
	if len(free)%size != 0 {
		return fmt.Errorf("%w: invalid free list length %d", common.ErrCorrupt, len(free))
	}
	for i := 0; i < len(free); i += size {
		s.freeList = append(s.freeList, bucket.DecodeIndex[I](free[i:]))
	}
	return nil
}

func (s *Store[I, V]) cellKey(cell I) []byte {
	s.key[0] = cellKey
	bucket.EncodeIndex(cell, s.key[1:])
	return s.key
}

func (s *Store[I, V]) New() (I, error) {
	if n := len(s.freeList); n > 0 {
		res := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		return res, nil
	}
	res := s.numCells
	s.numCells++
	return res, nil
}

func (s *Store[I, V]) Get(cell I) (V, error) {
	var res V
	if cell >= s.numCells {
		return res, fmt.Errorf("%w: %d, range [0,%d)", bucket.ErrInvalidCell, cell, s.numCells)
	}
	data, err := s.db.Get(s.cellKey(cell), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if err := s.encoder.Load(data, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Store[I, V]) Set(cell I, value V) error {
	if cell >= s.numCells {
		return fmt.Errorf("%w: %d, range [0,%d)", bucket.ErrInvalidCell, cell, s.numCells)
	}
	if err := s.encoder.Store(s.buffer, &value); err != nil {
		return err
	}
	return s.db.Put(s.cellKey(cell), s.buffer, nil)
}

func (s *Store[I, V]) Delete(cell I) error {
	if cell >= s.numCells {
		return fmt.Errorf("%w: %d, range [0,%d)", bucket.ErrInvalidCell, cell, s.numCells)
	}
	if err := s.db.Delete(s.cellKey(cell), nil); err != nil {
		return err
	}
	s.freeList = append(s.freeList, cell)
	return nil
}

func (s *Store[I, V]) Len() int {
	return int(s.numCells) - len(s.freeList)
}

func (s *Store[I, V]) GetMemoryFootprint() *common.MemoryFootprint {
	var index I
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*s))
	mf.AddChild("freeList", common.NewMemoryFootprint(uintptr(cap(s.freeList))*unsafe.Sizeof(index)))
	var stats leveldb.DBStats
	if err := s.db.Stats(&stats); err == nil {
		mf.AddChild("blockCache", common.NewMemoryFootprint(uintptr(stats.BlockCacheSize)))
	}
	return mf
}

func (s *Store[I, V]) Flush() error {
	meta := make([]byte, 16)
	binary.BigEndian.PutUint64(meta, uint64(s.numCells))
	binary.BigEndian.PutUint32(meta[8:], uint32(bucket.IndexSize[I]()))
	binary.BigEndian.PutUint32(meta[12:], uint32(len(s.buffer)))

	size := bucket.IndexSize[I]()
	free := make([]byte, len(s.freeList)*size)
	for i, cell := range s.freeList {
		bucket.EncodeIndex(cell, free[i*size:])
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte{metadataKey}, meta)
	batch.Put([]byte{freeListKey}, free)
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (s *Store[I, V]) Close() error {
	return errors.Join(
		s.Flush(),
		s.db.Close(),
	)
}
