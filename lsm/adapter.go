package lsm

import "github.com/intellect4all/lsmkv/common"

// Adapter wraps DB to implement common.StorageEngine, mapping the
// (value, found, error) lookup result onto the interface's sentinel
// error contract.
type Adapter struct {
	db *DB
}

// NewAdapter opens a store with the given config and wraps it.
func NewAdapter(cfg Config) (*Adapter, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{db: db}, nil
}

// DB returns the wrapped store.
func (a *Adapter) DB() *DB {
	return a.db
}

// Put implements common.StorageEngine.
func (a *Adapter) Put(key, value []byte) error {
	return a.db.Put(key, value)
}

// Get implements common.StorageEngine.
func (a *Adapter) Get(key []byte) ([]byte, error) {
	value, found, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, common.ErrKeyNotFound
	}
	return value, nil
}

// Delete implements common.StorageEngine.
func (a *Adapter) Delete(key []byte) error {
	return a.db.Delete(key)
}

// Close implements common.StorageEngine.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Sync implements common.StorageEngine. It is a no-op: WAL appends are
// fsynced as they are written only when Config.SyncOnWrite is set, and
// with it unset Sync does not force them to disk.
func (a *Adapter) Sync() error {
	return nil
}

// Compact implements common.StorageEngine.
func (a *Adapter) Compact() error {
	return a.db.CompactL0ToL1()
}

// Stats implements common.StorageEngine.
func (a *Adapter) Stats() common.Stats {
	memRecords, memBytes, l0, l1, writes, reads, flushes, compactions := a.db.Stats()
	return common.Stats{
		MemtableRecords: int64(memRecords),
		MemtableBytes:   int64(memBytes),
		L0Files:         l0,
		L1Files:         l1,
		WriteCount:      writes,
		ReadCount:       reads,
		FlushCount:      flushes,
		CompactCount:    compactions,
	}
}
