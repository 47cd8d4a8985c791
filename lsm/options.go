package lsm

import "go.uber.org/zap"

// Config contains configuration for the store.
type Config struct {
	Dir string

	// MemtableFlushThreshold is the record count at which the active
	// memtable is rotated out and flushed to an L0 SSTable.
	MemtableFlushThreshold int

	// BlockSize is the target encoded size of an SSTable data block.
	BlockSize int

	// BloomBitsPerKey sizes the per-table Bloom filter.
	BloomBitsPerKey int

	// CheckpointThreshold is the number of manifest edits after which
	// the snapshot is rewritten and the edit log truncated.
	CheckpointThreshold int

	// L0CompactionTrigger is the L0 file count that triggers an
	// L0 -> L1 merge.
	L0CompactionTrigger int

	// SyncOnWrite forces an fsync after every WAL append. Disabling it
	// trades crash durability for throughput.
	SyncOnWrite bool

	// Logger receives structured engine logs. Nil means no logging.
	Logger *zap.Logger
}

// DefaultConfig returns a default configuration for the given directory.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                    dir,
		MemtableFlushThreshold: 1000,
		BlockSize:              4096,
		BloomBitsPerKey:        10,
		CheckpointThreshold:    100,
		L0CompactionTrigger:    2,
		SyncOnWrite:            true,
	}
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
