package lsm

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Open-time recovery reconciles the MANIFEST snapshot, the MANIFEST
// edit log, the SSTables on disk and the live WALs into a consistent
// in-memory state.

// loadManifest loads the snapshot (or seeds one from a directory scan
// if none exists) and replays the edit log on top.
func (db *DB) loadManifest() error {
	found, err := db.manifest.LoadSnapshot()
	if err != nil {
		return err
	}
	if !found {
		db.manifest.NextFileNumber = db.maxFileNumberOnDisk()
		if err := db.manifest.PersistSnapshot(); err != nil {
			return err
		}
	}
	return db.manifest.ReplayLog()
}

// maxFileNumberOnDisk scans the directory for numeric .sst and .wal
// names and returns the largest id, so restarted stores never reuse a
// file number.
func (db *DB) maxFileNumberOnDisk() uint64 {
	var max uint64
	for _, id := range db.scanNumericFiles(".sst") {
		if id > max {
			max = id
		}
	}
	for _, id := range db.scanNumericFiles(".wal") {
		if id > max {
			max = id
		}
	}
	return max
}

// scanNumericFiles returns the ids of files named <digits><ext> in the
// DB directory, ascending.
func (db *DB) scanNumericFiles(ext string) []uint64 {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		db.logger.Warn("failed to scan db directory", zap.Error(err))
		return nil
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ext)
		id, err := strconv.ParseUint(stem, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// loadSSTables opens a reader for every SSTable the catalog lists, in
// ascending file-number order at its recorded level. Missing files are
// logged and skipped; the catalog entry remains so operators can
// reconcile. If the catalog lists nothing but .sst files exist on
// disk, they are adopted into L0 and checkpointed.
func (db *DB) loadSSTables() {
	if len(db.manifest.SSTLevels) > 0 {
		ids := make([]uint64, 0, len(db.manifest.SSTLevels))
		for id := range db.manifest.SSTLevels {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			level := db.manifest.SSTLevels[id]
			if int(level) >= len(db.levels) {
				db.logger.Error("manifest level out of range",
					zap.Uint64("id", id), zap.Uint32("level", level))
				continue
			}
			path := db.sstPath(id)
			reader, err := OpenSSTable(path)
			if err != nil {
				db.logger.Error("failed to open manifest sstable, skipping",
					zap.String("path", path), zap.Error(err))
				continue
			}
			db.levels[level] = append(db.levels[level], reader)
		}
		return
	}

	adopted := false
	for _, id := range db.scanNumericFiles(".sst") {
		path := db.sstPath(id)
		reader, err := OpenSSTable(path)
		if err != nil {
			db.logger.Error("failed to open stray sstable, skipping",
				zap.String("path", path), zap.Error(err))
			continue
		}
		db.levels[0] = append(db.levels[0], reader)
		db.manifest.SSTLevels[id] = 0
		adopted = true
	}
	if adopted {
		db.logger.Info("adopted stray sstables into L0",
			zap.Int("count", len(db.levels[0])))
		db.manifest.Checkpoint()
	}
}

// recoverFromWALs replays every live WAL into the active memtable in
// ascending file-number order, which is chronological order because
// file numbers only grow. Stray .wal files on disk are adopted into
// the catalog first, so logs from before the catalog existed still
// recover.
func (db *DB) recoverFromWALs() {
	for _, id := range db.scanNumericFiles(".wal") {
		if _, ok := db.manifest.LiveWALs[id]; !ok {
			db.manifest.AddWAL(id)
		}
	}

	ids := make([]uint64, 0, len(db.manifest.LiveWALs))
	for id := range db.manifest.LiveWALs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		path := db.walPath(id)
		if _, err := os.Stat(path); err != nil {
			db.logger.Warn("manifest wal missing on disk", zap.String("path", path))
			continue
		}
		err := ReplayWAL(path, db.logger, func(key []byte, rec ValueRecord) {
			db.mem.ApplyWithoutWal(key, rec)
		})
		if err != nil {
			db.logger.Warn("failed to replay wal", zap.String("path", path), zap.Error(err))
		}
	}

	// The active memtable now subsumes every live WAL; all of them are
	// retired together when it flushes.
	db.memWALIDs = ids
	db.logger.Info("wal recovery completed", zap.Int("records", db.mem.Count()))
}
