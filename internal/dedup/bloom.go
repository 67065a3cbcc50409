// Package dedup implements the two-stage CID deduplication path of
// spec.md §4.3: a fixed 1 MiB Bloom filter (this file) backed by a
// sharded concurrent set (set.go) for the rare false positive.
//
// Grounded on the teacher's internal/probabilistic/bloom.BloomFilter
// (serialize layout, Add/MightContain under a mutex), generalized from
// a generic byte-slice filter into one fixed at 8 Mbit with two-seed
// double hashing over model.CID, and rebuilt instead of rebuilt-less
// library imports since the teacher's own hash-function helpers were
// never checked in alongside bloom.go.
package dedup

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"sovereignhose/internal/model"
)

// BloomBits is the fixed size of the Bloom L1 filter (§2, §4.3).
const BloomBits = 8 * 1024 * 1024 // 8 Mbit = 1 MiB

// BloomHashFns is the number of hash functions derived via double hashing.
const BloomHashFns = 4

// BloomResetInterval is how often the filter is cleared (§4.3; Open
// Question (ii) in spec.md §9 — chosen from documentation context, not
// verified against original source behavior).
const BloomResetInterval = 10 * time.Second

// Bloom is a fixed-size, fixed-hash-count Bloom filter over normalized
// CIDs. It is safe for concurrent use.
type Bloom struct {
	mu     sync.RWMutex
	bits   []byte
	seedA  uint64
	seedB  uint64
	resets uint64
}

// NewBloom builds an empty Bloom L1 filter with two independent seeds
// used to derive BloomHashFns hash functions via double hashing
// (h_i(x) = h1(x) + i*h2(x)).
func NewBloom(seedA, seedB uint64) *Bloom {
	return &Bloom{
		bits:  make([]byte, BloomBits/8),
		seedA: seedA,
		seedB: seedB,
	}
}

func seededHash(seed uint64, cid model.CID) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	d := xxhash.New()
	d.Write(buf[:])
	d.Write(cid[:])
	return d.Sum64()
}

func (b *Bloom) indexes(cid model.CID) [BloomHashFns]uint64 {
	h1 := seededHash(b.seedA, cid)
	h2 := seededHash(b.seedB, cid)
	var idx [BloomHashFns]uint64
	for i := 0; i < BloomHashFns; i++ {
		idx[i] = (h1 + uint64(i)*h2) % BloomBits
	}
	return idx
}

// Add marks a CID as seen.
func (b *Bloom) Add(cid model.CID) {
	idx := b.indexes(cid)
	b.mu.Lock()
	for _, i := range idx {
		b.bits[i/8] |= 1 << (i % 8)
	}
	b.mu.Unlock()
}

// MightContain reports whether cid may have been added; false negatives
// never occur. With BloomBits and BloomHashFns as set, the expected
// false-positive rate at 10^6 elements in one BloomResetInterval window
// is about 2% (§4.3).
func (b *Bloom) MightContain(cid model.CID) bool {
	idx := b.indexes(cid)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, i := range idx {
		if b.bits[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears the filter. Callers run this on a BloomResetInterval
// ticker so the false-positive rate stays bounded as the duplicate
// window slides forward.
func (b *Bloom) Reset() {
	b.mu.Lock()
	for i := range b.bits {
		b.bits[i] = 0
	}
	b.resets++
	b.mu.Unlock()
}

// RunResetLoop clears the filter every BloomResetInterval until ctx-like
// stop channel closes. Kept as an explicit method rather than a goroutine
// spawned from NewBloom so callers control lifecycle explicitly.
func (b *Bloom) RunResetLoop(stop <-chan struct{}) {
	t := time.NewTicker(BloomResetInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.Reset()
		case <-stop:
			return
		}
	}
}
