package lsm

import (
	"bytes"
	"sort"
	"sync"
)

// MemTableEntry is one key with its most recent record.
type MemTableEntry struct {
	Key    []byte
	Record ValueRecord
}

// MemTable is the in-memory ordered map receiving writes, paired with
// one WAL. It keeps at most one entry per key; repeated writes (and
// tombstones) overwrite in place, so the entry is always the latest
// version. A sorted slice with binary search keeps iteration in key
// order.
type MemTable struct {
	mu      sync.RWMutex
	wal     *WAL
	entries []MemTableEntry
	bytes   int
}

// NewMemTable creates a memtable bound to the WAL at walPath.
func NewMemTable(walPath string, syncOnWrite bool) (*MemTable, error) {
	wal, err := OpenWAL(walPath, syncOnWrite)
	if err != nil {
		return nil, err
	}
	return &MemTable{
		wal:     wal,
		entries: make([]MemTableEntry, 0, 1024),
	}, nil
}

// Put records key -> rec, writing through the WAL first.
func (m *MemTable) Put(key []byte, rec ValueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// WAL before memory, always.
	if err := m.wal.Append(key, rec); err != nil {
		return err
	}
	m.insert(key, rec)
	return nil
}

// Remove writes a tombstone for key. Physical deletion never happens
// in the memtable.
func (m *MemTable) Remove(key []byte) error {
	return m.Put(key, ValueRecord{Type: TypeTombstone})
}

// ApplyWithoutWal inserts a record without logging it. It is the
// replay door used by recovery, which must not rewrite the records it
// is reading back.
func (m *MemTable) ApplyWithoutWal(key []byte, rec ValueRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(key, rec)
}

func (m *MemTable) insert(key []byte, rec ValueRecord) {
	idx := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].Key, key) >= 0
	})

	if idx < len(m.entries) && bytes.Equal(m.entries[idx].Key, key) {
		m.bytes += len(rec.Value) - len(m.entries[idx].Record.Value)
		m.entries[idx].Record = rec
		return
	}

	m.entries = append(m.entries, MemTableEntry{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = MemTableEntry{Key: cloneBytes(key), Record: rec}
	m.bytes += len(key) + len(rec.Value) + 16
}

// Get returns the record for key, including tombstones.
func (m *MemTable) Get(key []byte) (ValueRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].Key, key) >= 0
	})
	if idx < len(m.entries) && bytes.Equal(m.entries[idx].Key, key) {
		return m.entries[idx].Record, true
	}
	return ValueRecord{}, false
}

// Count returns the number of entries.
func (m *MemTable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ApproxMemoryUsage returns the approximate byte footprint.
func (m *MemTable) ApproxMemoryUsage() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// GetAllEntries returns a copy of all entries in ascending key order.
func (m *MemTable) GetAllEntries() []MemTableEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]MemTableEntry, len(m.entries))
	copy(entries, m.entries)
	return entries
}

// WalPath returns the path of the WAL this memtable writes through.
func (m *MemTable) WalPath() string {
	return m.wal.Path()
}

// CloseWAL closes the underlying WAL file.
func (m *MemTable) CloseWAL() error {
	return m.wal.Close()
}
