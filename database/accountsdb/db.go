// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package accountsdb implements an account-state database on top of the
// storage, index, cache, lattice hash, and lock components. A DB is an
// explicitly owned instance: all state is reached through its methods.
package accountsdb

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Fantom-foundation/accountsdb/backend/bucket"
	bfile "github.com/Fantom-foundation/accountsdb/backend/bucket/file"
	"github.com/Fantom-foundation/accountsdb/backend/bucket/ldb"
	bmemory "github.com/Fantom-foundation/accountsdb/backend/bucket/memory"
	"github.com/Fantom-foundation/accountsdb/backend/cache"
	"github.com/Fantom-foundation/accountsdb/backend/index"
	"github.com/Fantom-foundation/accountsdb/backend/locks"
	"github.com/Fantom-foundation/accountsdb/backend/lthash"
	"github.com/Fantom-foundation/accountsdb/backend/storage"
	smemory "github.com/Fantom-foundation/accountsdb/backend/storage/memory"
	"github.com/Fantom-foundation/accountsdb/backend/storage/mmapfile"
	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/Fantom-foundation/accountsdb/database/snapshot"
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var logger = log.New("pkg", "accountsdb")

const (
	ErrHalted          = common.ConstError("database halted")
	ErrClosed          = common.ConstError("database closed")
	ErrSlotRooted      = common.ConstError("slot already rooted")
	ErrSlotRegression  = common.ConstError("slot below highest written slot")
	ErrSlotUnavailable = common.ConstError("aggregate of slot no longer available")
	ErrNoRoot          = common.ConstError("no rooted slot")
	ErrHashMismatch    = common.ConstError("lattice hash mismatch")
)

const (
	lockFileName       = "LOCK"
	storageDirName     = "accounts"
	indexDirName       = "index"
	checkpointFileName = "checkpoint.snap"
)

// IsFatal reports whether an error returned by the database signals a
// condition the database can not recover from.
func IsFatal(err error) bool {
	return common.IsFatal(err) || errors.Is(err, ErrHalted)
}

// DB is an accounts database. All methods are safe for concurrent use,
// except Close, which must be the last call.
type DB struct {
	config  Config
	lock    common.LockFile
	factory storage.Factory
	files   *registry
	index   *index.Index
	cache   *cache.Cache // nil if disabled
	locks   *locks.Manager

	// writeMutex serializes Store and Root.
	writeMutex   sync.Mutex
	active       storage.File
	writeVersion uint64
	highest      common.Slot
	written      bool

	// maintenance serializes Clean, Shrink, reclaiming, and the capture of
	// consistent views of the rooted state.
	maintenance sync.Mutex

	// stateMutex guards the rooted state below.
	stateMutex sync.Mutex
	rooted     *roaring64.Bitmap
	uncleaned  *roaring64.Bitmap
	maxRoot    common.Slot
	hasRoot    bool
	aggregate  lthash.LtHash                  // of the state at maxRoot
	deltas     map[common.Slot]*lthash.LtHash // of unrooted slots
	dirty      map[common.Slot]map[common.Pubkey]struct{}
	retained   map[common.Pubkey]struct{} // keys with versions kept for snapshots
	pins       map[common.Slot]int
	pending    []storage.File // obsolete files waiting for snapshots to be released

	failure atomic.Pointer[error]
	closed  atomic.Bool
}

// Open opens the database in the configured directory. If the directory
// holds a checkpoint written by Close, the rooted state of the checkpoint is
// restored; any other content of the directory is discarded.
func Open(config Config) (*DB, error) {
	db, err := open(config)
	if err != nil {
		return nil, err
	}
	if config.Directory == "" {
		return db, nil
	}
	if err := db.restoreCheckpoint(); err != nil {
		return nil, errors.Join(err, db.shutdown())
	}
	if err := db.removeStaleFiles(); err != nil {
		return nil, errors.Join(err, db.shutdown())
	}
	return db, nil
}

func open(config Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	db := &DB{
		config:    config,
		files:     newRegistry(),
		locks:     locks.NewManager(),
		rooted:    roaring64.New(),
		uncleaned: roaring64.New(),
		deltas:    map[common.Slot]*lthash.LtHash{},
		dirty:     map[common.Slot]map[common.Pubkey]struct{}{},
		retained:  map[common.Pubkey]struct{}{},
		pins:      map[common.Slot]int{},
	}

	indexDir := ""
	if config.Directory == "" {
		db.factory = smemory.NewFactory()
	} else {
		if err := os.MkdirAll(config.Directory, 0700); err != nil {
			return nil, err
		}
		lock, err := common.CreateLockFile(filepath.Join(config.Directory, lockFileName))
		if err != nil {
			return nil, err
		}
		db.lock = lock
		factory, err := mmapfile.NewFactory(filepath.Join(config.Directory, storageDirName))
		if err != nil {
			return nil, errors.Join(err, lock.Release())
		}
		db.factory = factory
		// the index is rebuilt on every start
		indexDir = filepath.Join(config.Directory, indexDirName)
		if err := os.RemoveAll(indexDir); err != nil {
			return nil, errors.Join(err, lock.Release())
		}
	}

	idx, err := index.New(index.Config{
		Shards:         config.Index.Shards,
		HotBudgetBytes: config.Index.HotBudget,
	}, coldStores(&config.Index, indexDir))
	if err != nil {
		return nil, errors.Join(err, db.releaseLock())
	}
	db.index = idx

	if config.Cache.Capacity > 0 {
		c, err := cache.NewWithPromotion(config.Cache.Capacity, config.Cache.Shards, config.Cache.PromoteEvery)
		if err != nil {
			return nil, errors.Join(err, idx.Close(), db.releaseLock())
		}
		db.cache = c
	}
	logger.Info("Opened accounts database", "directory", config.Directory, "shards", config.Index.Shards, "cold", config.Index.ColdBackend)
	return db, nil
}

func coldStores(config *IndexConfig, directory string) index.ColdStoreFactory {
	shardDir := func(shard int) string {
		return filepath.Join(directory, fmt.Sprintf("shard-%03d", shard))
	}
	backend := config.ColdBackend
	if directory == "" {
		backend = ColdMemory
	}
	return func(shard int) (bucket.Store[uint32, index.ColdEntry], error) {
		switch backend {
		case ColdFile:
			store, err := bfile.OpenStore[uint32, index.ColdEntry](index.ColdEntryEncoder{}, shardDir(shard))
			if err != nil {
				return nil, err
			}
			return store, nil
		case ColdLevelDB:
			store, err := ldb.OpenStore[uint32, index.ColdEntry](index.ColdEntryEncoder{}, shardDir(shard), &opt.Options{
				BlockCacheCapacity: config.LevelDBCache,
			})
			if err != nil {
				return nil, err
			}
			return store, nil
		}
		return bmemory.NewStore[uint32, index.ColdEntry](), nil
	}
}

func (db *DB) restoreCheckpoint() error {
	path := filepath.Join(db.config.Directory, checkpointFileName)
	in, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	image, err := snapshot.Decode(bufio.NewReader(in), db.factory)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to read checkpoint: %w", err), in.Close())
	}
	if err := in.Close(); err != nil {
		return errors.Join(err, image.Discard())
	}
	if err := db.restore(image); err != nil {
		return fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	// The checkpoint is outdated by the first modification.
	if err := os.Remove(path); err != nil {
		return err
	}
	logger.Info("Restored checkpoint", "slot", image.Header.Slot, "files", len(image.Files), "accounts", len(image.Entries))
	return nil
}

// removeStaleFiles deletes storage files left behind by an earlier process
// that are not part of the restored state.
func (db *DB) removeStaleFiles() error {
	factory, ok := db.factory.(*mmapfile.Factory)
	if !ok {
		return nil
	}
	stored, err := factory.Stored()
	if err != nil {
		return err
	}
	removed := 0
	for id, slot := range stored {
		if _, found := db.files.get(id); found {
			continue
		}
		if err := factory.Remove(id, slot); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		logger.Info("Removed stale storage files", "files", removed)
	}
	return nil
}

// Locks returns the lock manager arbitrating access to the accounts of
// this database.
func (db *DB) Locks() *locks.Manager {
	return db.locks
}

// Err returns the error that halted the database, if any.
func (db *DB) Err() error {
	if cause := db.failure.Load(); cause != nil {
		return *cause
	}
	return nil
}

func (db *DB) checkUsable() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if cause := db.failure.Load(); cause != nil {
		return fmt.Errorf("%w: %w", ErrHalted, *cause)
	}
	return nil
}

// fail halts the database if the given error is fatal.
func (db *DB) fail(err error) error {
	if err == nil || !common.IsFatal(err) {
		return err
	}
	return db.halt(err)
}

// halt stops all further modifications of the database. The first cause is
// reported to the configured OnFatal handler.
func (db *DB) halt(err error) error {
	if db.failure.CompareAndSwap(nil, &err) {
		fatalCounter.Inc(1)
		logger.Error("Accounts database halted", "err", err)
		if db.config.OnFatal != nil {
			db.config.OnFatal(err)
		}
	}
	return fmt.Errorf("%w: %w", ErrHalted, err)
}

// Flush writes all modified data to the underlying devices.
func (db *DB) Flush() error {
	if err := db.checkUsable(); err != nil {
		return err
	}
	var errs []error
	for _, file := range db.files.all() {
		errs = append(errs, file.Flush())
	}
	errs = append(errs, db.index.Flush())
	return db.fail(errors.Join(errs...))
}

// Close shuts down the database. For databases with a directory, the
// latest rooted state is written to a checkpoint restored by the next Open
// unless checkpoints are disabled. Unrooted slots are not retained.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	var errs []error
	if db.config.Directory != "" && db.config.Snapshot.Checkpoint && db.failure.Load() == nil {
		errs = append(errs, db.writeCheckpoint())
	}
	errs = append(errs, db.shutdown())
	logger.Info("Closed accounts database", "directory", db.config.Directory)
	return errors.Join(errs...)
}

func (db *DB) shutdown() error {
	var errs []error
	for _, file := range db.files.all() {
		errs = append(errs, file.Close())
	}
	errs = append(errs, db.index.Close(), db.releaseLock())
	return errors.Join(errs...)
}

func (db *DB) releaseLock() error {
	if db.lock == nil {
		return nil
	}
	return db.lock.Release()
}

func (db *DB) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*db))
	mf.AddChild("index", db.index.GetMemoryFootprint())
	if db.cache != nil {
		mf.AddChild("cache", db.cache.GetMemoryFootprint())
	}
	mf.AddChild("locks", db.locks.GetMemoryFootprint())
	files := common.NewMemoryFootprint(0)
	for _, file := range db.files.all() {
		files.AddChild(fmt.Sprintf("%d", file.ID()), file.GetMemoryFootprint())
	}
	files.SetNote(fmt.Sprintf("(files: %d)", db.files.len()))
	mf.AddChild("storage", files)

	db.stateMutex.Lock()
	rooted := db.rooted.GetSizeInBytes() + db.uncleaned.GetSizeInBytes()
	deltas := len(db.deltas)
	db.stateMutex.Unlock()
	mf.AddChild("roots", common.NewMemoryFootprint(uintptr(rooted)))
	mf.AddChild("deltas", common.NewMemoryFootprint(uintptr(deltas)*unsafe.Sizeof(lthash.LtHash{})))
	return mf
}
