package lsm

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBlockBuilderLayout(t *testing.T) {
	var b BlockBuilder
	b.Add([]byte("apple"), ValueRecord{Type: TypePut, Value: []byte("red")})
	b.Add([]byte("banana"), ValueRecord{Type: TypeTombstone})

	block := b.Finish()

	// First record: [5]["apple"][1][3]["red"]
	if got := binary.LittleEndian.Uint32(block[0:]); got != 5 {
		t.Fatalf("key len = %d, want 5", got)
	}
	if got := string(block[4:9]); got != "apple" {
		t.Fatalf("key = %q, want apple", got)
	}
	if block[9] != byte(TypePut) {
		t.Fatalf("type = %d, want %d", block[9], TypePut)
	}
	if got := binary.LittleEndian.Uint32(block[10:]); got != 3 {
		t.Fatalf("value len = %d, want 3", got)
	}
	if got := string(block[14:17]); got != "red" {
		t.Fatalf("value = %q, want red", got)
	}

	// Tombstone record carries an empty value.
	if block[17+4+6] != byte(TypeTombstone) {
		t.Fatal("second record is not a tombstone")
	}
}

func TestBlockBuilderDecodeRoundTrip(t *testing.T) {
	var b BlockBuilder
	want := []struct {
		key []byte
		rec ValueRecord
	}{
		{[]byte("a"), ValueRecord{Type: TypePut, Value: []byte("1")}},
		{[]byte("b"), ValueRecord{Type: TypeTombstone}},
		{[]byte("c"), ValueRecord{Type: TypePut, Value: []byte{}}},
	}
	for _, w := range want {
		b.Add(w.key, w.rec)
	}

	block := b.Finish()
	pos := 0
	for i, w := range want {
		key, rec, next, ok := decodeBlockRecord(block, pos)
		if !ok {
			t.Fatalf("record %d: decode failed", i)
		}
		if !bytes.Equal(key, w.key) {
			t.Fatalf("record %d: key = %q, want %q", i, key, w.key)
		}
		if rec.Type != w.rec.Type {
			t.Fatalf("record %d: type = %d, want %d", i, rec.Type, w.rec.Type)
		}
		if !bytes.Equal(rec.Value, w.rec.Value) {
			t.Fatalf("record %d: value = %q, want %q", i, rec.Value, w.rec.Value)
		}
		pos = next
	}
	if pos != len(block) {
		t.Fatalf("trailing bytes after last record: pos=%d len=%d", pos, len(block))
	}
}

func TestBlockBuilderPartialRecord(t *testing.T) {
	var b BlockBuilder
	b.Add([]byte("key"), ValueRecord{Type: TypePut, Value: []byte("value")})
	block := b.Finish()

	// Truncate mid-record: decode must refuse, not panic.
	if _, _, _, ok := decodeBlockRecord(block[:len(block)-2], 0); ok {
		t.Fatal("decode succeeded on truncated record")
	}
}

func TestBlockBuilderReset(t *testing.T) {
	var b BlockBuilder
	b.Add([]byte("k"), ValueRecord{Type: TypePut, Value: []byte("v")})
	if b.Empty() {
		t.Fatal("builder empty after Add")
	}
	size := b.CurrentSizeEstimate()
	if size != 4+1+1+4+1 {
		t.Fatalf("size estimate = %d, want %d", size, 4+1+1+4+1)
	}

	b.Reset()
	if !b.Empty() || b.CurrentSizeEstimate() != 0 {
		t.Fatal("builder not empty after Reset")
	}
}
