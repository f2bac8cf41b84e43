package idempotency

import (
	"hash/fnv"
	"sync"
)

// bloom is a fixed-size bloom filter used only while the KV store is
// unreachable. False positives drop at most a handful of events during an
// outage; false negatives (re-admission) are handled downstream by the
// platform_message_id unique constraint.
type bloom struct {
	mu   sync.Mutex
	bits []uint64
	mask uint64
}

// newBloom creates a filter with size bits; size must be a power of two.
func newBloom(size uint64) *bloom {
	return &bloom{
		bits: make([]uint64, size/64),
		mask: size - 1,
	}
}

// testAndAdd reports whether key was (probably) seen before, and records it.
func (b *bloom) testAndAdd(key string) bool {
	h1, h2 := hashPair(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := true
	for i := uint64(0); i < 4; i++ {
		pos := (h1 + i*h2) & b.mask
		word, bit := pos/64, pos%64
		if b.bits[word]&(1<<bit) == 0 {
			seen = false
			b.bits[word] |= 1 << bit
		}
	}
	return seen
}

func hashPair(key string) (uint64, uint64) {
	h := fnv.New64a()
	h.Write([]byte(key))
	h1 := h.Sum64()
	h.Write([]byte{0xff})
	h2 := h.Sum64() | 1 // odd, so the double-hash cycle covers the table
	return h1, h2
}
