package lsm

import (
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
)

// Compaction runs inline on the writer's goroutine with the catalog
// mutex held, so readers observe either the pre- or post-compaction
// level set, never a mix.

// minorCompaction rotates the active memtable out and flushes it to a
// new L0 SSTable. Ordering contract: the new WAL is registered before
// the new memtable takes writes, and the old WAL is removed only after
// the SSTable that replaces it is durably registered.
// Caller holds db.mu.
func (db *DB) minorCompaction() error {
	db.logger.Info("minor compaction triggered",
		zap.Int("records", db.mem.Count()))

	// Every WAL the frozen memtable subsumes is retired once its SST
	// is durably registered.
	oldWALIDs := db.memWALIDs

	// 1. Freeze the active memtable.
	db.imm = db.mem

	// 2. Bind a fresh memtable to a new WAL; register the WAL before
	// any write can reach the new memtable.
	newWALID := db.manifest.AllocateFileNumber()
	newMem, err := NewMemTable(db.walPath(newWALID), db.opts.SyncOnWrite)
	if err != nil {
		db.mem = db.imm
		db.imm = nil
		return fmt.Errorf("failed to rotate memtable: %w", err)
	}
	db.activeWALID = newWALID
	db.manifest.AddWAL(newWALID)
	db.mem = newMem
	db.memWALIDs = []uint64{newWALID}

	// 3. Flush the frozen memtable to an L0 SSTable, tombstones
	// included.
	newSSTID := db.manifest.AllocateFileNumber()
	sstPath := db.sstPath(newSSTID)
	if err := db.buildSSTable(sstPath, db.imm.GetAllEntries()); err != nil {
		// The old WAL still covers every frozen record; recovery will
		// replay it. Correctness over freshness.
		db.logger.Error("failed to build L0 sstable, keeping old WAL",
			zap.String("path", sstPath), zap.Error(err))
		db.imm.CloseWAL()
		db.imm = nil
		return err
	}
	db.stats.flushCount.Add(1)

	reader, err := OpenSSTable(sstPath)
	if err == nil {
		db.levels[0] = append(db.levels[0], reader)
		db.manifest.AddSST(newSSTID, 0)

		db.imm.CloseWAL()
		for _, id := range oldWALIDs {
			path := db.walPath(id)
			if rmErr := os.Remove(path); rmErr == nil || os.IsNotExist(rmErr) {
				db.manifest.RemoveWAL(id)
				db.logger.Info("removed old wal file", zap.String("path", path))
			} else {
				db.logger.Warn("failed to remove old wal file",
					zap.String("path", path), zap.Error(rmErr))
			}
		}
	} else {
		// Leave the old WAL in place so the records survive a restart.
		db.logger.Error("failed to open new L0 sstable, keeping old WAL",
			zap.String("path", sstPath), zap.Error(err))
		db.imm.CloseWAL()
	}

	// 4. Drop the frozen memtable and compact L0 if it is full.
	db.imm = nil
	if len(db.levels[0]) >= db.opts.L0CompactionTrigger {
		return db.compactL0ToL1()
	}
	return nil
}

func (db *DB) buildSSTable(path string, entries []MemTableEntry) error {
	builder, err := NewSSTableBuilder(path, db.opts.BlockSize, db.opts.BloomBitsPerKey)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := builder.Add(e.Key, e.Record); err != nil {
			builder.Abort()
			return err
		}
	}
	if err := builder.Finish(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// compactL0ToL1 merges every L0 SSTable into a single L1 SSTable.
// Newest version wins; a tombstone is carried into L1 only while a
// visible value below it still needs shadowing, otherwise it is
// dropped. Caller holds db.mu.
func (db *DB) compactL0ToL1() error {
	if len(db.levels[0]) == 0 {
		return nil
	}
	db.stats.compactCount.Add(1)
	db.logger.Info("L0->L1 compaction triggered",
		zap.Int("l0_files", len(db.levels[0])))

	// Merge newest to oldest; first writer for a key wins.
	merged := make(map[string]ValueRecord)
	for i := len(db.levels[0]) - 1; i >= 0; i-- {
		db.levels[0][i].ForEach(func(key []byte, rec ValueRecord) {
			if _, seen := merged[string(key)]; !seen {
				merged[string(key)] = rec
			}
		})
	}

	l0InputIDs := make([]uint64, 0, len(db.levels[0]))
	for id, level := range db.manifest.SSTLevels {
		if level == 0 {
			l0InputIDs = append(l0InputIDs, id)
		}
	}

	consumeL0 := func() {
		for _, r := range db.levels[0] {
			r.Close()
		}
		db.levels[0] = nil
		for _, id := range l0InputIDs {
			db.manifest.RemoveSST(id)
			os.Remove(db.sstPath(id))
		}
	}

	if len(merged) == 0 {
		consumeL0()
		return nil
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	newSSTID := db.manifest.AllocateFileNumber()
	newPath := db.sstPath(newSSTID)
	builder, err := NewSSTableBuilder(newPath, db.opts.BlockSize, db.opts.BloomBitsPerKey)
	if err != nil {
		return fmt.Errorf("failed to start L1 sstable: %w", err)
	}

	for _, k := range keys {
		rec := merged[k]
		switch rec.Type {
		case TypePut:
			err = builder.Add([]byte(k), rec)
		case TypeTombstone:
			// Bottom-most check: keep the tombstone only if it still
			// shadows a visible value in L1.
			if db.hasVisibleValueInL1([]byte(k)) {
				err = builder.Add([]byte(k), ValueRecord{Type: TypeTombstone})
			}
		}
		if err != nil {
			builder.Abort()
			return fmt.Errorf("failed to write L1 sstable: %w", err)
		}
	}

	if builder.Count() == 0 {
		builder.Abort()
		consumeL0()
		return nil
	}
	if err := builder.Finish(); err != nil {
		os.Remove(newPath)
		return fmt.Errorf("failed to finish L1 sstable: %w", err)
	}

	reader, err := OpenSSTable(newPath)
	if err != nil {
		// Abort without consuming L0; the merge retries next time.
		os.Remove(newPath)
		return fmt.Errorf("failed to open new L1 sstable: %w", err)
	}

	db.levels[1] = append(db.levels[1], reader)
	db.manifest.AddSST(newSSTID, 1)
	consumeL0()

	db.logger.Info("L0->L1 compaction completed",
		zap.Uint64("new_sst", newSSTID), zap.Int("records", len(keys)))
	return nil
}

// hasVisibleValueInL1 scans L1 newest to oldest. A tombstone hit means
// the key is already hidden; a put means a value still needs
// shadowing; no hit means there is nothing below to shadow.
func (db *DB) hasVisibleValueInL1(key []byte) bool {
	for i := len(db.levels[1]) - 1; i >= 0; i-- {
		if rec, found := db.levels[1][i].Get(key); found {
			return rec.Type == TypePut
		}
	}
	return false
}
