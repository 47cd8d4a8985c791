package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func countSSTFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sst") {
			n++
		}
	}
	return n
}

func TestMinorCompactionRotatesWAL(t *testing.T) {
	db := setupTestDB(t)

	oldWALPath := db.mem.WalPath()
	db.Put([]byte("k"), []byte("v"))
	db.forceFlush(t)

	if db.LevelSize(0) != 1 {
		t.Fatalf("L0 = %d, want 1", db.LevelSize(0))
	}
	if db.mem.WalPath() == oldWALPath {
		t.Fatal("active WAL not rotated by flush")
	}
	if _, err := os.Stat(oldWALPath); !os.IsNotExist(err) {
		t.Fatal("obsolete WAL still on disk after its SST was registered")
	}
	if _, ok := db.manifest.LiveWALs[db.activeWALID]; !ok {
		t.Fatal("active WAL not registered in manifest")
	}
	mustGet(t, db, "k", "v")
}

func TestNewestWinsAcrossSSTables(t *testing.T) {
	db := setupTestDB(t)

	// First batch carries dup=old, second carries dup=new; the L0
	// trigger fires on the second flush and merges them into L1.
	// 999 fillers + dup stays under the auto-flush threshold.
	for i := 0; i < 999; i++ {
		db.Put(fmt.Appendf(nil, "first_%04d", i), []byte("v"))
	}
	db.Put([]byte("dup"), []byte("old"))
	db.forceFlush(t)

	for i := 0; i < 999; i++ {
		db.Put(fmt.Appendf(nil, "second_%04d", i), []byte("v"))
	}
	db.Put([]byte("dup"), []byte("new"))
	db.forceFlush(t)

	if err := db.CompactL0ToL1(); err != nil {
		t.Fatalf("compact failed: %v", err)
	}

	mustGet(t, db, "dup", "new")
	if db.LevelSize(0) != 0 {
		t.Fatalf("L0 = %d, want 0", db.LevelSize(0))
	}
	if db.LevelSize(1) != 1 {
		t.Fatalf("L1 = %d, want 1", db.LevelSize(1))
	}
	mustGet(t, db, "first_0000", "v")
	mustGet(t, db, "second_0998", "v")
}

func TestTombstoneOnlyCompactionEmitsNothing(t *testing.T) {
	db := setupTestDB(t)

	// Deletes of keys that never had a value produce an L0 SSTable of
	// pure tombstones with nothing below to shadow.
	for i := 0; i < 1000; i++ {
		if err := db.Delete(fmt.Appendf(nil, "ghost_%04d", i)); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
	}
	db.forceFlush(t)
	if db.LevelSize(0) != 1 {
		t.Fatalf("L0 = %d, want 1", db.LevelSize(0))
	}

	if err := db.CompactL0ToL1(); err != nil {
		t.Fatalf("compact failed: %v", err)
	}

	if db.LevelSize(0) != 0 || db.LevelSize(1) != 0 {
		t.Fatalf("levels = %d/%d, want 0/0", db.LevelSize(0), db.LevelSize(1))
	}
	if n := countSSTFiles(t, db.dir); n != 0 {
		t.Fatalf("%d .sst files remain after tombstone-only merge", n)
	}
}

func TestTombstoneCarriedWhileShadowing(t *testing.T) {
	db := setupTestDB(t)

	// Install k=v in L1.
	db.Put([]byte("k"), []byte("v"))
	db.forceFlush(t)
	db.Put([]byte("other"), []byte("x"))
	db.forceFlush(t) // auto-compacts into L1
	if db.LevelSize(1) != 1 {
		t.Fatalf("L1 = %d, want 1", db.LevelSize(1))
	}

	// Delete k and flush the tombstone to L0, then merge. The
	// tombstone must be written into the new L1 table because the old
	// L1 table still holds a visible value until the merge completes.
	db.Delete([]byte("k"))
	db.forceFlush(t)
	if err := db.CompactL0ToL1(); err != nil {
		t.Fatalf("compact failed: %v", err)
	}

	mustMiss(t, db, "k")
	mustGet(t, db, "other", "x")

	// The newest L1 table must surface the tombstone itself.
	newest := db.levels[1][len(db.levels[1])-1]
	rec, found := newest.Get([]byte("k"))
	if !found || rec.Type != TypeTombstone {
		t.Fatalf("newest L1 record for k = %+v, %v, want tombstone", rec, found)
	}
}

func TestCompactEmptyL0IsNoop(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CompactL0ToL1(); err != nil {
		t.Fatalf("compact failed: %v", err)
	}
	if db.LevelSize(0) != 0 || db.LevelSize(1) != 0 {
		t.Fatal("levels changed by empty compaction")
	}
}

func TestCompactionDropsInputFiles(t *testing.T) {
	db := setupTestDB(t)

	db.Put([]byte("a"), []byte("1"))
	db.forceFlush(t)
	before := countSSTFiles(t, db.dir)
	if before != 1 {
		t.Fatalf("sst files = %d, want 1", before)
	}

	db.Put([]byte("b"), []byte("2"))
	db.forceFlush(t) // triggers the merge

	if db.LevelSize(0) != 0 || db.LevelSize(1) != 1 {
		t.Fatalf("levels = %d/%d, want 0/1", db.LevelSize(0), db.LevelSize(1))
	}
	if n := countSSTFiles(t, db.dir); n != 1 {
		t.Fatalf("sst files = %d, want 1 (inputs unlinked)", n)
	}
	// The survivor is the merged file, registered at level 1.
	for id, level := range db.manifest.SSTLevels {
		if level != 1 {
			t.Fatalf("catalog entry %d at level %d, want 1", id, level)
		}
		if _, err := os.Stat(filepath.Join(db.dir, fmt.Sprintf("%d.sst", id))); err != nil {
			t.Fatalf("catalog entry %d missing on disk: %v", id, err)
		}
	}
}
