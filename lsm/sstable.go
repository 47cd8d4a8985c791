package lsm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

const (
	sstableMagic uint64 = 0xDEADC0DEFA112026

	// Footer layout: [indexOff(8)][indexSize(8)][filterOff(8)][filterSize(8)][magic(8)]
	footerSize = 40
)

// ErrCorrupt reports a structurally invalid SSTable.
var ErrCorrupt = errors.New("sstable: corrupt")

// BlockHandle locates a block inside an SSTable file.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

type indexEntry struct {
	lastKey []byte
	handle  BlockHandle
}

// SSTableReader serves lookups and scans over one immutable SSTable.
// The whole file is memory-mapped read-only at open; the index and
// filter slices alias the mapping, which lives until Close.
type SSTableReader struct {
	path   string
	file   *os.File
	data   []byte
	index  []indexEntry
	filter []byte
}

// OpenSSTable opens the SSTable at path, validates the footer and
// loads the index and filter.
func OpenSSTable(path string) (*SSTableReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat sstable: %w", err)
	}
	size := stat.Size()
	if size < footerSize {
		file.Close()
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorrupt, size)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap sstable: %w", err)
	}

	r := &SSTableReader{path: path, file: file, data: data}
	if err := r.init(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *SSTableReader) init() error {
	footer := r.data[len(r.data)-footerSize:]
	indexHandle := BlockHandle{
		Offset: binary.LittleEndian.Uint64(footer[0:]),
		Size:   binary.LittleEndian.Uint64(footer[8:]),
	}
	filterHandle := BlockHandle{
		Offset: binary.LittleEndian.Uint64(footer[16:]),
		Size:   binary.LittleEndian.Uint64(footer[24:]),
	}
	if binary.LittleEndian.Uint64(footer[32:]) != sstableMagic {
		return fmt.Errorf("%w: bad footer magic", ErrCorrupt)
	}

	fileSize := uint64(len(r.data))
	if indexHandle.Offset > fileSize || indexHandle.Size > fileSize ||
		indexHandle.Offset+indexHandle.Size > fileSize-footerSize {
		return fmt.Errorf("%w: index block out of range", ErrCorrupt)
	}
	indexData := r.data[indexHandle.Offset : indexHandle.Offset+indexHandle.Size]
	pos := 0
	for pos < len(indexData) {
		key, rec, next, ok := decodeBlockRecord(indexData, pos)
		if !ok || len(rec.Value) != 16 {
			return fmt.Errorf("%w: malformed index entry", ErrCorrupt)
		}
		r.index = append(r.index, indexEntry{
			lastKey: key,
			handle: BlockHandle{
				Offset: binary.LittleEndian.Uint64(rec.Value[0:]),
				Size:   binary.LittleEndian.Uint64(rec.Value[8:]),
			},
		})
		pos = next
	}
	if len(r.index) == 0 {
		return fmt.Errorf("%w: empty index", ErrCorrupt)
	}

	if filterHandle.Size > 0 {
		if filterHandle.Offset > fileSize || filterHandle.Size > fileSize ||
			filterHandle.Offset+filterHandle.Size > fileSize {
			return fmt.Errorf("%w: filter block out of range", ErrCorrupt)
		}
		r.filter = r.data[filterHandle.Offset : filterHandle.Offset+filterHandle.Size]
	}
	return nil
}

// Get returns the record stored for key, tombstones included: callers
// decide how to interpret a delete marker. The returned value is
// copied out of the mapping.
func (r *SSTableReader) Get(key []byte) (ValueRecord, bool) {
	if len(r.filter) > 0 && !KeyMayMatch(key, r.filter) {
		return ValueRecord{}, false
	}

	// First block whose last key is >= key.
	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].lastKey, key) >= 0
	})
	if idx == len(r.index) {
		return ValueRecord{}, false
	}

	block, ok := r.block(r.index[idx].handle)
	if !ok {
		return ValueRecord{}, false
	}
	pos := 0
	for pos < len(block) {
		candidate, rec, next, ok := decodeBlockRecord(block, pos)
		if !ok {
			return ValueRecord{}, false
		}
		if bytes.Equal(candidate, key) {
			return ValueRecord{Type: rec.Type, Value: cloneBytes(rec.Value)}, true
		}
		pos = next
	}
	return ValueRecord{}, false
}

// ForEach visits every record in file order, surfacing each with its
// type, tombstones included. Callers that only want live values
// filter on rec.Type themselves. Keys and values are copied out of
// the mapping before delivery.
func (r *SSTableReader) ForEach(fn func(key []byte, rec ValueRecord)) {
	for _, entry := range r.index {
		block, ok := r.block(entry.handle)
		if !ok {
			continue
		}
		pos := 0
		for pos < len(block) {
			key, rec, next, ok := decodeBlockRecord(block, pos)
			if !ok {
				break
			}
			fn(cloneBytes(key), ValueRecord{Type: rec.Type, Value: cloneBytes(rec.Value)})
			pos = next
		}
	}
}

// block slices a data block out of the mapping, refusing handles that
// fall outside the file.
func (r *SSTableReader) block(handle BlockHandle) ([]byte, bool) {
	end := handle.Offset + handle.Size
	if end < handle.Offset || end > uint64(len(r.data)) {
		return nil, false
	}
	return r.data[handle.Offset:end], true
}

// Path returns the file path.
func (r *SSTableReader) Path() string {
	return r.path
}

// Close unmaps the file and closes the descriptor.
func (r *SSTableReader) Close() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}

// Remove closes the reader and unlinks the file.
func (r *SSTableReader) Remove() error {
	r.Close()
	return os.Remove(r.path)
}
