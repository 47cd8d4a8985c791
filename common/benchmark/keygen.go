package benchmark

import (
	"fmt"
	mrand "math/rand"
	"sync"
	"sync/atomic"
)

// KeyDistribution defines how keys are accessed
type KeyDistribution string

const (
	DistUniform    KeyDistribution = "uniform"    // All keys equally likely
	DistZipfian    KeyDistribution = "zipfian"    // 80/20 rule (realistic)
	DistSequential KeyDistribution = "sequential" // Sequential access
	DistLatest     KeyDistribution = "latest"     // Top tenth of the id space
)

// KeyGenerator generates keys according to a distribution.
type KeyGenerator struct {
	numKeys      int
	keySize      int
	distribution KeyDistribution

	mu  sync.Mutex
	rng *mrand.Rand

	zipf *mrand.Zipf

	seqCounter atomic.Int64
}

// NewKeyGenerator creates a generator over numKeys distinct keys of
// keySize bytes.
func NewKeyGenerator(numKeys, keySize int, distribution KeyDistribution, seed int64) *KeyGenerator {
	rng := mrand.New(mrand.NewSource(seed))

	kg := &KeyGenerator{
		numKeys:      numKeys,
		keySize:      keySize,
		distribution: distribution,
		rng:          rng,
	}
	if distribution == DistZipfian {
		kg.zipf = mrand.NewZipf(rng, 1.1, 1, uint64(numKeys-1))
	}
	return kg
}

// NextKey returns the next key under the configured distribution.
func (kg *KeyGenerator) NextKey() []byte {
	var keyNum int

	switch kg.distribution {
	case DistZipfian:
		kg.mu.Lock()
		keyNum = int(kg.zipf.Uint64())
		kg.mu.Unlock()

	case DistSequential:
		keyNum = int(kg.seqCounter.Add(1)) % kg.numKeys

	case DistLatest:
		// seqCounter only advances under DistSequential, so here recent
		// is numKeys and ids are drawn from the top numKeys/10 of the id
		// space (numKeys wraps to 0). Writes are not tracked.
		recent := int(kg.seqCounter.Load())
		if recent == 0 {
			recent = kg.numKeys
		}
		kg.mu.Lock()
		offset := kg.rng.Intn(kg.numKeys/10 + 1)
		kg.mu.Unlock()
		keyNum = (recent - offset + kg.numKeys) % kg.numKeys

	default: // uniform
		kg.mu.Lock()
		keyNum = kg.rng.Intn(kg.numKeys)
		kg.mu.Unlock()
	}

	return kg.KeyAt(keyNum)
}

// KeyAt returns the key for a given id, zero-padded up to the
// configured size so preload and workload phases address the same key
// space.
func (kg *KeyGenerator) KeyAt(id int) []byte {
	key := fmt.Appendf(nil, "key-%016d", id)
	if len(key) < kg.keySize {
		key = append(key, make([]byte, kg.keySize-len(key))...)
	}
	return key
}
