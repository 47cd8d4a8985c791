package lsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const lockFileName = "FLOCK"

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("lsm: db is closed")
	// ErrEmptyKey is returned when a caller passes an empty key.
	ErrEmptyKey = errors.New("lsm: empty key")
)

// DB is an embedded ordered key-value store: an LSM tree with one
// active memtable, two on-disk levels and a MANIFEST catalog. A single
// writer / many readers model: writes (including memtable rotation,
// SSTable creation and manifest edits) are serialized by the catalog
// mutex; reads take a shared lock and SSTable lookups run lock-free
// over immutable mapped data.
type DB struct {
	mu     sync.RWMutex
	closed bool

	dir    string
	opts   Config
	logger *zap.Logger

	fileLock *flock.Flock
	manifest *Manifest

	mem         *MemTable
	imm         *MemTable
	activeWALID uint64
	// memWALIDs are the live WALs whose records the active memtable
	// holds: its own WAL plus any WALs replayed into it at open. All
	// of them become obsolete once the memtable is flushed to an SST.
	memWALIDs []uint64

	// levels[0] holds flushed memtables in file-number order and may
	// overlap; levels[1] holds merged output. Mutated only under mu.
	levels [2][]*SSTableReader

	stats struct {
		writeCount   atomic.Int64
		readCount    atomic.Int64
		flushCount   atomic.Int64
		compactCount atomic.Int64
	}
}

// Open opens (creating if necessary) the store in cfg.Dir and runs
// recovery: manifest load, edit-log replay, SSTable reader open and
// WAL replay into a fresh active memtable.
func Open(cfg Config) (*DB, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lsm: no directory configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db := &DB{
		dir:    cfg.Dir,
		opts:   cfg,
		logger: cfg.logger(),
	}

	db.fileLock = flock.New(filepath.Join(cfg.Dir, lockFileName))
	locked, err := db.fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock db directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lsm: database directory %s is in use", cfg.Dir)
	}

	db.manifest = NewManifest(cfg.Dir, cfg.CheckpointThreshold, db.logger)
	if err := db.loadManifest(); err != nil {
		db.fileLock.Unlock()
		return nil, err
	}

	db.loadSSTables()

	// Bind the first active memtable to a fresh WAL; the WAL is
	// registered before any write reaches the memtable.
	walID := db.manifest.AllocateFileNumber()
	mem, err := NewMemTable(db.walPath(walID), cfg.SyncOnWrite)
	if err != nil {
		db.closeReaders()
		db.fileLock.Unlock()
		return nil, err
	}
	db.mem = mem
	db.activeWALID = walID
	db.manifest.AddWAL(walID)
	db.memWALIDs = []uint64{walID}

	db.recoverFromWALs()

	db.logger.Info("db opened", zap.String("dir", cfg.Dir),
		zap.Int("l0", len(db.levels[0])), zap.Int("l1", len(db.levels[1])),
		zap.Int("recovered_records", db.mem.Count()))
	return db, nil
}

// Put upserts key -> value.
func (db *DB) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	if db.mem.Count() >= db.opts.MemtableFlushThreshold {
		if err := db.minorCompaction(); err != nil {
			return err
		}
	}

	if err := db.mem.Put(key, ValueRecord{Type: TypePut, Value: cloneBytes(value)}); err != nil {
		return err
	}
	db.stats.writeCount.Add(1)
	return nil
}

// Delete writes a tombstone for key.
func (db *DB) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	if db.mem.Count() >= db.opts.MemtableFlushThreshold {
		if err := db.minorCompaction(); err != nil {
			return err
		}
	}

	if err := db.mem.Remove(key); err != nil {
		return err
	}
	db.stats.writeCount.Add(1)
	return nil
}

// Get returns the value for key. A tombstone encountered at any level
// terminates the lookup as "not found". Lookup order: active memtable,
// immutable memtable, L0 newest to oldest, L1 newest to oldest.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, false, ErrClosed
	}
	db.stats.readCount.Add(1)

	if rec, found := db.mem.Get(key); found {
		if rec.Type == TypeTombstone {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}

	if db.imm != nil {
		if rec, found := db.imm.Get(key); found {
			if rec.Type == TypeTombstone {
				return nil, false, nil
			}
			return rec.Value, true, nil
		}
	}

	for level := 0; level < len(db.levels); level++ {
		for i := len(db.levels[level]) - 1; i >= 0; i-- {
			if rec, found := db.levels[level][i].Get(key); found {
				if rec.Type == TypeTombstone {
					return nil, false, nil
				}
				return rec.Value, true, nil
			}
		}
	}
	return nil, false, nil
}

// Scan returns an iterator over the merged view of the store,
// positioned at the first key >= start (or the first key when start is
// nil). Newest version wins and tombstoned keys are hidden.
func (db *DB) Scan(start []byte) (*Iterator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	// Same key, first writer wins: memtables first, then L0 and L1
	// newest to oldest.
	seen := make(map[string]ValueRecord)
	for _, e := range db.mem.GetAllEntries() {
		if _, ok := seen[string(e.Key)]; !ok {
			seen[string(e.Key)] = e.Record
		}
	}
	if db.imm != nil {
		for _, e := range db.imm.GetAllEntries() {
			if _, ok := seen[string(e.Key)]; !ok {
				seen[string(e.Key)] = e.Record
			}
		}
	}
	for level := 0; level < len(db.levels); level++ {
		for i := len(db.levels[level]) - 1; i >= 0; i-- {
			db.levels[level][i].ForEach(func(key []byte, rec ValueRecord) {
				if _, ok := seen[string(key)]; !ok {
					seen[string(key)] = rec
				}
			})
		}
	}

	it := newIterator(seen)
	it.Seek(start)
	return it, nil
}

// CompactL0ToL1 manually triggers an L0 -> L1 merge.
func (db *DB) CompactL0ToL1() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.compactL0ToL1()
}

// LevelSize returns the number of SSTables at the given level.
func (db *DB) LevelSize(level int) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if level < 0 || level >= len(db.levels) {
		return 0
	}
	return len(db.levels[level])
}

// Stats returns a snapshot of engine counters.
func (db *DB) Stats() (memRecords, memBytes int, l0, l1 int, writes, reads, flushes, compactions int64) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.mem.Count(), db.mem.ApproxMemoryUsage(),
		len(db.levels[0]), len(db.levels[1]),
		db.stats.writeCount.Load(), db.stats.readCount.Load(),
		db.stats.flushCount.Load(), db.stats.compactCount.Load()
}

// Close flushes the active memtable if it holds records (a final minor
// compaction), closes every reader and releases the directory lock.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}

	if db.mem.Count() > 0 {
		if err := db.minorCompaction(); err != nil {
			db.logger.Error("final flush failed on close", zap.Error(err))
		}
	}
	db.mem.CloseWAL()
	db.closeReaders()

	if err := db.fileLock.Unlock(); err != nil {
		db.logger.Warn("failed to release directory lock", zap.Error(err))
	}
	db.closed = true
	db.logger.Info("db closed", zap.String("dir", db.dir))
	return nil
}

func (db *DB) closeReaders() {
	for level := range db.levels {
		for _, r := range db.levels[level] {
			r.Close()
		}
		db.levels[level] = nil
	}
}

func (db *DB) sstPath(id uint64) string {
	return filepath.Join(db.dir, fmt.Sprintf("%d.sst", id))
}

func (db *DB) walPath(id uint64) string {
	return filepath.Join(db.dir, fmt.Sprintf("%d.wal", id))
}
