package lsm

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/intellect4all/lsmkv/common/testutil"
)

func newTestManifest(t *testing.T, dir string) *Manifest {
	t.Helper()
	return NewManifest(dir, 100, zap.NewNop())
}

func TestManifestSnapshotRoundTrip(t *testing.T) {
	dir := testutil.TempDir(t)

	m := newTestManifest(t, dir)
	m.NextFileNumber = 42
	m.SSTLevels[7] = 0
	m.SSTLevels[3] = 1
	m.LiveWALs[9] = struct{}{}
	if err := m.PersistSnapshot(); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	loaded := newTestManifest(t, dir)
	found, err := loaded.LoadSnapshot()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !found {
		t.Fatal("snapshot not found")
	}
	if loaded.NextFileNumber != 42 {
		t.Fatalf("next file number = %d, want 42", loaded.NextFileNumber)
	}
	if !reflect.DeepEqual(loaded.SSTLevels, m.SSTLevels) {
		t.Fatalf("sst levels = %v, want %v", loaded.SSTLevels, m.SSTLevels)
	}
	if !reflect.DeepEqual(loaded.LiveWALs, m.LiveWALs) {
		t.Fatalf("live wals = %v, want %v", loaded.LiveWALs, m.LiveWALs)
	}
}

func TestManifestSnapshotByteStable(t *testing.T) {
	dir := testutil.TempDir(t)
	m := newTestManifest(t, dir)
	m.NextFileNumber = 5
	m.SSTLevels[4] = 1
	m.SSTLevels[1] = 0
	m.LiveWALs[5] = struct{}{}
	m.LiveWALs[2] = struct{}{}

	if err := m.PersistSnapshot(); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.PersistSnapshot(); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("snapshot bytes differ between identical persists")
	}

	// Entries are written ascending by id: first sst id in the table
	// section must be 1.
	if got := binary.LittleEndian.Uint64(first[20:]); got != 1 {
		t.Fatalf("first sst id = %d, want 1", got)
	}
}

func TestManifestEditLogReplay(t *testing.T) {
	dir := testutil.TempDir(t)

	m := newTestManifest(t, dir)
	id := m.AllocateFileNumber()
	m.AddWAL(id)
	sst := m.AllocateFileNumber()
	m.AddSST(sst, 0)
	m.RemoveWAL(id)
	m.AddSST(m.AllocateFileNumber(), 1)
	m.RemoveSST(sst)

	loaded := newTestManifest(t, dir)
	if _, err := loaded.LoadSnapshot(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := loaded.ReplayLog(); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if loaded.NextFileNumber != m.NextFileNumber {
		t.Fatalf("next file number = %d, want %d", loaded.NextFileNumber, m.NextFileNumber)
	}
	if !reflect.DeepEqual(loaded.SSTLevels, m.SSTLevels) {
		t.Fatalf("sst levels = %v, want %v", loaded.SSTLevels, m.SSTLevels)
	}
	if !reflect.DeepEqual(loaded.LiveWALs, m.LiveWALs) {
		t.Fatalf("live wals = %v, want %v", loaded.LiveWALs, m.LiveWALs)
	}
}

func TestManifestReplayIdempotent(t *testing.T) {
	dir := testutil.TempDir(t)

	m := newTestManifest(t, dir)
	m.AddSST(m.AllocateFileNumber(), 0)
	m.AddWAL(m.AllocateFileNumber())

	loaded := newTestManifest(t, dir)
	if err := loaded.ReplayLog(); err != nil {
		t.Fatalf("first replay failed: %v", err)
	}
	ssts := map[uint64]uint32{}
	for k, v := range loaded.SSTLevels {
		ssts[k] = v
	}
	nfn := loaded.NextFileNumber

	if err := loaded.ReplayLog(); err != nil {
		t.Fatalf("second replay failed: %v", err)
	}
	if loaded.NextFileNumber != nfn || !reflect.DeepEqual(loaded.SSTLevels, ssts) {
		t.Fatal("second replay changed the state")
	}
}

func TestManifestCheckpointTruncatesLog(t *testing.T) {
	dir := testutil.TempDir(t)
	m := NewManifest(dir, 3, zap.NewNop())

	m.AddWAL(1)
	m.AddWAL(2)
	m.AddWAL(3) // third edit crosses the threshold

	info, err := os.Stat(filepath.Join(dir, manifestLogName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("log size = %d after checkpoint, want 0", info.Size())
	}

	loaded := newTestManifest(t, dir)
	found, err := loaded.LoadSnapshot()
	if err != nil || !found {
		t.Fatalf("snapshot load = %v, %v", found, err)
	}
	if len(loaded.LiveWALs) != 3 {
		t.Fatalf("live wals = %d, want 3", len(loaded.LiveWALs))
	}
}

func TestManifestReplayMagicMismatch(t *testing.T) {
	dir := testutil.TempDir(t)
	m := newTestManifest(t, dir)
	m.AddWAL(1)

	// Corrupt the magic of the first record.
	path := filepath.Join(dir, manifestLogName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	loaded := newTestManifest(t, dir)
	if err := loaded.ReplayLog(); !errors.Is(err, ErrManifestCorrupt) {
		t.Fatalf("replay error = %v, want ErrManifestCorrupt", err)
	}
}

func TestManifestReplayTruncatedTail(t *testing.T) {
	dir := testutil.TempDir(t)
	m := newTestManifest(t, dir)
	m.AddWAL(1)
	m.AddWAL(2)

	// Drop the last few bytes of the final record.
	path := filepath.Join(dir, manifestLogName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatal(err)
	}

	loaded := newTestManifest(t, dir)
	if err := loaded.ReplayLog(); err != nil {
		t.Fatalf("replay failed on truncated tail: %v", err)
	}
	if len(loaded.LiveWALs) != 1 {
		t.Fatalf("live wals = %d, want 1 (tail discarded)", len(loaded.LiveWALs))
	}
}

func TestManifestReplayBadPayloadSize(t *testing.T) {
	dir := testutil.TempDir(t)
	m := newTestManifest(t, dir)
	m.AddWAL(1)

	// Rewrite the record's payload size field.
	path := filepath.Join(dir, manifestLogName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint32(data[9:], 99)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	loaded := newTestManifest(t, dir)
	if err := loaded.ReplayLog(); !errors.Is(err, ErrManifestCorrupt) {
		t.Fatalf("replay error = %v, want ErrManifestCorrupt", err)
	}
}

func TestManifestCorruptSnapshot(t *testing.T) {
	dir := testutil.TempDir(t)
	if err := os.WriteFile(filepath.Join(dir, manifestName), []byte("not a manifest at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded := newTestManifest(t, dir)
	if _, err := loaded.LoadSnapshot(); !errors.Is(err, ErrManifestCorrupt) {
		t.Fatalf("load error = %v, want ErrManifestCorrupt", err)
	}
}
