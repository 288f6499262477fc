// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package accountsdb

import (
	"fmt"
	"os"
	"time"

	"github.com/Fantom-foundation/accountsdb/common"
	"github.com/Fantom-foundation/accountsdb/database/snapshot"
	"gopkg.in/yaml.v3"
)

// UnsupportedConfiguration is the error returned if a configuration is
// invalid or names a feature that is not available.
const UnsupportedConfiguration = common.ConstError("unsupported configuration")

// ColdBackend selects the store holding the cold tier of the index.
type ColdBackend string

const (
	ColdMemory  ColdBackend = "memory"
	ColdFile    ColdBackend = "file"
	ColdLevelDB ColdBackend = "ldb"
)

// Config defines the parameters of a database instance.
type Config struct {
	// Directory holds storage files, cold index buckets, and checkpoints.
	// An empty directory selects a purely in-memory database.
	Directory string `yaml:"directory"`

	Storage     StorageConfig     `yaml:"storage"`
	Index       IndexConfig       `yaml:"index"`
	Cache       CacheConfig       `yaml:"cache"`
	Shrink      ShrinkConfig      `yaml:"shrink"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// OnFatal is called once when the database halts due to a fatal error.
	// The default logs the error and leaves it to the embedding process to
	// shut down.
	OnFatal func(error) `yaml:"-"`
}

type StorageConfig struct {
	// FileCapacity is the size of new storage files in bytes. Records
	// larger than this get a file of their own.
	FileCapacity uint64 `yaml:"file_capacity"`
}

type IndexConfig struct {
	Shards int `yaml:"shards"`
	// HotBudget bounds the memory of the in-memory tier in bytes; zero keeps
	// all entries in memory. Keys in the cold tier keep index.ColdKeyBytes
	// each on top of it.
	HotBudget   uint64      `yaml:"hot_budget"`
	ColdBackend ColdBackend `yaml:"cold_backend"`
	// LevelDBCache is the block cache size of LevelDB cold stores in bytes.
	LevelDBCache int `yaml:"leveldb_cache"`
}

type CacheConfig struct {
	// Capacity bounds the bytes of cached accounts; zero disables the cache.
	Capacity     uint64 `yaml:"capacity"`
	Shards       int    `yaml:"shards"`
	PromoteEvery int    `yaml:"promote_every"`
}

type ShrinkConfig struct {
	// AliveRatio is the share of live bytes below which a rooted storage
	// file is rewritten.
	AliveRatio float64 `yaml:"alive_ratio"`
	Workers    int     `yaml:"workers"`
}

type SnapshotConfig struct {
	Version uint16 `yaml:"version"`
	// VerifyRescan rebuilds the index of a loaded snapshot by scanning its
	// storage files and compares it with the shipped index.
	VerifyRescan bool `yaml:"verify_rescan"`
	// Checkpoint writes a checkpoint on Close and restores it on Open. Only
	// effective for databases with a directory.
	Checkpoint  bool `yaml:"checkpoint"`
	HashWorkers int  `yaml:"hash_workers"`
}

type MaintenanceConfig struct {
	// Interval between background clean and shrink runs.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a configuration for an in-memory database.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			FileCapacity: 4 << 20,
		},
		Index: IndexConfig{
			Shards:       64,
			HotBudget:    256 << 20,
			ColdBackend:  ColdFile,
			LevelDBCache: 16 << 20,
		},
		Cache: CacheConfig{
			Capacity:     64 << 20,
			Shards:       16,
			PromoteEvery: 4,
		},
		Shrink: ShrinkConfig{
			AliveRatio: 0.8,
			Workers:    4,
		},
		Snapshot: SnapshotConfig{
			Version:     snapshot.CurrentVersion,
			Checkpoint:  true,
			HashWorkers: 4,
		},
		Maintenance: MaintenanceConfig{
			Interval: 10 * time.Second,
		},
	}
}

// LoadConfig reads a YAML configuration file. Parameters missing in the
// file keep their default values.
func LoadConfig(path string) (Config, error) {
	res := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return res, err
	}
	if err := yaml.Unmarshal(data, &res); err != nil {
		return res, fmt.Errorf("%w: failed to parse %s: %w", UnsupportedConfiguration, path, err)
	}
	return res, res.Validate()
}

func (c *Config) Validate() error {
	if c.Storage.FileCapacity == 0 {
		return fmt.Errorf("%w: storage file capacity must be positive", UnsupportedConfiguration)
	}
	if !common.IsPowerOfTwo(c.Index.Shards) {
		return fmt.Errorf("%w: index shards must be a power of two, got %d", UnsupportedConfiguration, c.Index.Shards)
	}
	switch c.Index.ColdBackend {
	case ColdMemory, ColdFile, ColdLevelDB:
	default:
		return fmt.Errorf("%w: unknown cold backend %q", UnsupportedConfiguration, c.Index.ColdBackend)
	}
	if c.Cache.Capacity > 0 {
		if !common.IsPowerOfTwo(c.Cache.Shards) {
			return fmt.Errorf("%w: cache shards must be a power of two, got %d", UnsupportedConfiguration, c.Cache.Shards)
		}
		if c.Cache.PromoteEvery < 1 {
			return fmt.Errorf("%w: cache promotion interval must be positive", UnsupportedConfiguration)
		}
	}
	if c.Shrink.AliveRatio < 0 || c.Shrink.AliveRatio > 1 {
		return fmt.Errorf("%w: shrink alive ratio must be in [0,1], got %f", UnsupportedConfiguration, c.Shrink.AliveRatio)
	}
	if c.Shrink.Workers < 1 || c.Snapshot.HashWorkers < 1 {
		return fmt.Errorf("%w: worker counts must be positive", UnsupportedConfiguration)
	}
	if c.Snapshot.Version != snapshot.VersionRaw && c.Snapshot.Version != snapshot.VersionSnappy {
		return fmt.Errorf("%w: snapshot version %d", UnsupportedConfiguration, c.Snapshot.Version)
	}
	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("%w: maintenance interval must be positive", UnsupportedConfiguration)
	}
	return nil
}
