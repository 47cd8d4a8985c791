package lsm

import (
	"encoding/binary"
	"fmt"
	"os"
)

// SSTableBuilder streams ordered records into a new SSTable file.
// Layout, in write order: data blocks, filter block, index block,
// footer. The builder only ever appends; the caller guarantees that
// keys arrive in ascending order.
type SSTableBuilder struct {
	file   *os.File
	path   string
	offset uint64

	block      BlockBuilder
	lastKey    []byte
	index      []indexEntry
	keys       [][]byte
	filterHand BlockHandle

	blockSize  int
	bitsPerKey int
}

// NewSSTableBuilder creates a builder writing to path.
func NewSSTableBuilder(path string, blockSize, bitsPerKey int) (*SSTableBuilder, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create sstable: %w", err)
	}
	return &SSTableBuilder{
		file:       file,
		path:       path,
		blockSize:  blockSize,
		bitsPerKey: bitsPerKey,
	}, nil
}

// Add appends one record. MUST be called in ascending key order.
func (b *SSTableBuilder) Add(key []byte, rec ValueRecord) error {
	if b.block.CurrentSizeEstimate() >= b.blockSize {
		if err := b.writeDataBlock(); err != nil {
			return err
		}
	}

	b.block.Add(key, rec)
	b.keys = append(b.keys, cloneBytes(key))
	b.lastKey = cloneBytes(key)
	return nil
}

// Count returns the number of records added so far.
func (b *SSTableBuilder) Count() int {
	return len(b.keys)
}

// Finish flushes the last data block, appends the filter block, the
// index block and the footer, and syncs and closes the file.
func (b *SSTableBuilder) Finish() error {
	if !b.block.Empty() {
		if err := b.writeDataBlock(); err != nil {
			return err
		}
	}

	if err := b.writeFilterBlock(); err != nil {
		return err
	}

	indexHandle := BlockHandle{Offset: b.offset}
	if err := b.writeIndexBlock(); err != nil {
		return err
	}
	indexHandle.Size = b.offset - indexHandle.Offset

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:], indexHandle.Offset)
	binary.LittleEndian.PutUint64(footer[8:], indexHandle.Size)
	binary.LittleEndian.PutUint64(footer[16:], b.filterHand.Offset)
	binary.LittleEndian.PutUint64(footer[24:], b.filterHand.Size)
	binary.LittleEndian.PutUint64(footer[32:], sstableMagic)
	if err := b.append(footer); err != nil {
		return err
	}

	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync sstable: %w", err)
	}
	return b.file.Close()
}

// Abort closes and deletes the partially written file.
func (b *SSTableBuilder) Abort() error {
	b.file.Close()
	return os.Remove(b.path)
}

func (b *SSTableBuilder) writeDataBlock() error {
	handle := BlockHandle{Offset: b.offset}
	content := b.block.Finish()
	handle.Size = uint64(len(content))

	if err := b.append(content); err != nil {
		return err
	}
	b.block.Reset()

	b.index = append(b.index, indexEntry{lastKey: b.lastKey, handle: handle})
	return nil
}

func (b *SSTableBuilder) writeFilterBlock() error {
	if len(b.keys) == 0 {
		return nil
	}
	filter := CreateFilter(b.keys, b.bitsPerKey)
	b.filterHand = BlockHandle{Offset: b.offset, Size: uint64(len(filter))}
	return b.append(filter)
}

// writeIndexBlock encodes the index as a block whose records map each
// data block's last key to its serialized BlockHandle.
func (b *SSTableBuilder) writeIndexBlock() error {
	var indexBlock BlockBuilder
	for _, entry := range b.index {
		handle := make([]byte, 16)
		binary.LittleEndian.PutUint64(handle[0:], entry.handle.Offset)
		binary.LittleEndian.PutUint64(handle[8:], entry.handle.Size)
		indexBlock.Add(entry.lastKey, ValueRecord{Type: TypePut, Value: handle})
	}
	return b.append(indexBlock.Finish())
}

func (b *SSTableBuilder) append(data []byte) error {
	if _, err := b.file.Write(data); err != nil {
		return fmt.Errorf("failed to write sstable: %w", err)
	}
	b.offset += uint64(len(data))
	return nil
}
