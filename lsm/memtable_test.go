package lsm

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/intellect4all/lsmkv/common/testutil"
)

func newTestMemTable(t *testing.T) *MemTable {
	t.Helper()
	m, err := NewMemTable(filepath.Join(testutil.TempDir(t), "1.wal"), false)
	if err != nil {
		t.Fatalf("failed to create memtable: %v", err)
	}
	t.Cleanup(func() { m.CloseWAL() })
	return m
}

func TestMemTablePutGetOverwrite(t *testing.T) {
	m := newTestMemTable(t)

	if err := m.Put([]byte("k"), ValueRecord{Type: TypePut, Value: []byte("old")}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := m.Put([]byte("k"), ValueRecord{Type: TypePut, Value: []byte("new")}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	rec, found := m.Get([]byte("k"))
	if !found || string(rec.Value) != "new" {
		t.Fatalf("get = %+v, %v; want new", rec, found)
	}
	if m.Count() != 1 {
		t.Fatalf("count = %d, want 1 (overwrite in place)", m.Count())
	}
}

func TestMemTableTombstoneShadows(t *testing.T) {
	m := newTestMemTable(t)

	m.Put([]byte("k"), ValueRecord{Type: TypePut, Value: []byte("v")})
	if err := m.Remove([]byte("k")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	rec, found := m.Get([]byte("k"))
	if !found {
		t.Fatal("tombstone should still be found")
	}
	if rec.Type != TypeTombstone {
		t.Fatalf("type = %d, want tombstone", rec.Type)
	}
	if m.Count() != 1 {
		t.Fatalf("count = %d, want 1 (no physical deletion)", m.Count())
	}
}

func TestMemTableEntriesSorted(t *testing.T) {
	m := newTestMemTable(t)

	for _, k := range []string{"pear", "apple", "mango", "banana"} {
		m.Put([]byte(k), ValueRecord{Type: TypePut, Value: []byte(k)})
	}

	entries := m.GetAllEntries()
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if bytes.Compare(entries[i-1].Key, entries[i].Key) >= 0 {
			t.Fatalf("entries out of order: %q >= %q", entries[i-1].Key, entries[i].Key)
		}
	}
}

func TestMemTableApplyWithoutWalBypassesLog(t *testing.T) {
	m := newTestMemTable(t)

	m.ApplyWithoutWal([]byte("k"), ValueRecord{Type: TypePut, Value: []byte("v")})

	info, err := os.Stat(m.WalPath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("wal grew to %d bytes during replay-style apply", info.Size())
	}

	rec, found := m.Get([]byte("k"))
	if !found || string(rec.Value) != "v" {
		t.Fatalf("get = %+v, %v", rec, found)
	}
}

func TestMemTableApproxMemoryUsage(t *testing.T) {
	m := newTestMemTable(t)
	if m.ApproxMemoryUsage() != 0 {
		t.Fatal("fresh memtable reports usage")
	}
	m.Put([]byte("key"), ValueRecord{Type: TypePut, Value: []byte("value")})
	if m.ApproxMemoryUsage() <= 0 {
		t.Fatal("usage did not grow after put")
	}
}
