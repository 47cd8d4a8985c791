package lsm

import "encoding/binary"

// BlockBuilder accumulates records into a byte buffer.
// Record layout: [keyLen(4)][key][type(1)][valLen(4)][value]
// Records are appended verbatim in call order; the caller enforces key
// order. All integers are little-endian.
type BlockBuilder struct {
	buf     []byte
	counter int
}

// Add appends a record to the buffer.
func (b *BlockBuilder) Add(key []byte, rec ValueRecord) {
	var n [4]byte

	binary.LittleEndian.PutUint32(n[:], uint32(len(key)))
	b.buf = append(b.buf, n[:]...)
	b.buf = append(b.buf, key...)

	b.buf = append(b.buf, byte(rec.Type))

	binary.LittleEndian.PutUint32(n[:], uint32(len(rec.Value)))
	b.buf = append(b.buf, n[:]...)
	b.buf = append(b.buf, rec.Value...)

	b.counter++
}

// CurrentSizeEstimate returns the encoded size of the buffer so far.
func (b *BlockBuilder) CurrentSizeEstimate() int {
	return len(b.buf)
}

// Empty reports whether no records have been added since the last Reset.
func (b *BlockBuilder) Empty() bool {
	return len(b.buf) == 0
}

// Finish returns the encoded block contents.
func (b *BlockBuilder) Finish() []byte {
	return b.buf
}

// Reset clears the builder for the next block.
func (b *BlockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.counter = 0
}

// decodeBlockRecord decodes the record starting at pos inside block.
// It returns the key and record as sub-slices of block (callers that
// retain them must copy), the offset of the next record, and false if
// the remaining bytes do not form a complete record.
func decodeBlockRecord(block []byte, pos int) (key []byte, rec ValueRecord, next int, ok bool) {
	if pos+4 > len(block) {
		return nil, ValueRecord{}, 0, false
	}
	keyLen := int(binary.LittleEndian.Uint32(block[pos:]))
	pos += 4

	if pos+keyLen+1+4 > len(block) {
		return nil, ValueRecord{}, 0, false
	}
	key = block[pos : pos+keyLen]
	pos += keyLen

	typ := ValueType(block[pos])
	pos++

	valLen := int(binary.LittleEndian.Uint32(block[pos:]))
	pos += 4
	if pos+valLen > len(block) {
		return nil, ValueRecord{}, 0, false
	}
	val := block[pos : pos+valLen]
	pos += valLen

	return key, ValueRecord{Type: typ, Value: val}, pos, true
}
