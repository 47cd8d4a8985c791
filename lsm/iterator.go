package lsm

import (
	"bytes"
	"sort"
)

type row struct {
	key   []byte
	value []byte
}

// Iterator walks a materialized merged view of the store in ascending
// key order. Tombstoned keys are hidden and each key appears once.
type Iterator struct {
	rows []row
	pos  int
}

// newIterator builds the row set from a merged key -> record map,
// keeping only live values.
func newIterator(seen map[string]ValueRecord) *Iterator {
	rows := make([]row, 0, len(seen))
	for k, rec := range seen {
		if rec.Type == TypePut {
			rows = append(rows, row{key: []byte(k), value: rec.Value})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(rows[i].key, rows[j].key) < 0
	})
	return &Iterator{rows: rows}
}

// Seek positions the iterator at the first key >= start. A nil start
// rewinds to the first key.
func (it *Iterator) Seek(start []byte) {
	if len(start) == 0 {
		it.pos = 0
		return
	}
	it.pos = sort.Search(len(it.rows), func(i int) bool {
		return bytes.Compare(it.rows[i].key, start) >= 0
	})
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.pos < len(it.rows)
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	it.pos++
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.rows[it.pos].key
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.rows[it.pos].value
}
