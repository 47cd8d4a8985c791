package lsm

import "math"

// The filter block format is fixed: the raw bit array followed by one
// byte recording the number of hash probes. Probe positions derive
// from a single multiply-xor hash of the key, advanced by a rotated
// delta per probe.

const bloomHashSeed = 0xbc9f1d34

// CreateFilter builds a Bloom filter over keys. It returns nil when
// keys is empty.
func CreateFilter(keys [][]byte, bitsPerKey int) []byte {
	n := len(keys)
	if n == 0 {
		return nil
	}

	bits := n * bitsPerKey
	if bits < 64 {
		bits = 64
	}
	bytes := (bits + 7) / 8
	bits = bytes * 8

	k := int(math.Round(float64(bitsPerKey) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	filter := make([]byte, bytes, bytes+1)
	for _, key := range keys {
		h := bloomHash(key)
		delta := (h >> 17) | (h << 15)
		for j := 0; j < k; j++ {
			bitpos := h % uint32(bits)
			filter[bitpos/8] |= 1 << (bitpos % 8)
			h += delta
		}
	}
	return append(filter, byte(k))
}

// KeyMayMatch reports whether key may be in the set the filter was
// built from. A false return is definitive: the key is absent.
func KeyMayMatch(key, filter []byte) bool {
	if len(filter) < 2 {
		return false
	}
	k := int(filter[len(filter)-1])
	bits := uint32((len(filter) - 1) * 8)

	h := bloomHash(key)
	delta := (h >> 17) | (h << 15)
	for j := 0; j < k; j++ {
		bitpos := h % bits
		if filter[bitpos/8]&(1<<(bitpos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

func bloomHash(key []byte) uint32 {
	h := uint32(bloomHashSeed) ^ uint32(len(key))
	for _, c := range key {
		h ^= uint32(c)
		h *= 0x5bd1e995
		h ^= h >> 15
	}
	return h
}
