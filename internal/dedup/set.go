package dedup

import (
	"container/list"
	"sync"

	"sovereignhose/internal/model"
)

// setShardCount is the number of independent lock-protected shards in
// the fallback Set, keyed by the first byte of the CID (§4.3).
const setShardCount = 16

// shardLRUCapacity bounds each shard to 100k entries (§4.3), matching
// the teacher's LRUList eviction strategy from internal/block/lru.go,
// specialized here to a presence set instead of a byte-slice cache.
const shardLRUCapacity = 100_000

type setShard struct {
	mu    sync.Mutex
	ll    *list.List
	table map[model.CID]*list.Element
}

func newSetShard() *setShard {
	return &setShard{
		ll:    list.New(),
		table: make(map[model.CID]*list.Element),
	}
}

// seen reports whether cid was already present, inserting it if not.
func (s *setShard) seen(cid model.CID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.table[cid]; ok {
		s.ll.MoveToFront(elem)
		return true
	}

	elem := s.ll.PushFront(cid)
	s.table[cid] = elem
	for s.ll.Len() > shardLRUCapacity {
		oldest := s.ll.Back()
		if oldest == nil {
			break
		}
		s.ll.Remove(oldest)
		delete(s.table, oldest.Value.(model.CID))
	}
	return false
}

// Set is the sharded concurrent fallback past the Bloom filter (§4.3).
type Set struct {
	shards [setShardCount]*setShard
}

// NewSet builds an empty sharded dedup set.
func NewSet() *Set {
	s := &Set{}
	for i := range s.shards {
		s.shards[i] = newSetShard()
	}
	return s
}

func (s *Set) shardFor(cid model.CID) *setShard {
	return s.shards[cid[0]%setShardCount]
}

// Seen is an idempotent insert: it returns true if cid was already
// present in this shard, false if this call just inserted it.
func (s *Set) Seen(cid model.CID) bool {
	return s.shardFor(cid).seen(cid)
}

// Dedup composes the Bloom L1 filter with the fallback Set into the
// two-stage contract of §4.3: `seen(cid) -> bool`, idempotent insert.
type Dedup struct {
	bloom *Bloom
	set   *Set
}

// NewDedup wires a Bloom filter and fallback set together.
func NewDedup(seedA, seedB uint64) *Dedup {
	return &Dedup{
		bloom: NewBloom(seedA, seedB),
		set:   NewSet(),
	}
}

// Seen reports whether cid has been observed before within the current
// dedup window, marking it seen as a side effect either way. The Bloom
// filter may let a duplicate pass (a false negative is impossible for
// filter membership, but the filter itself resets every
// BloomResetInterval, so a CID seen in a prior window will read as
// unseen in bloom terms) — the fallback Set is what actually catches a
// true duplicate once the filter has been reset; see S4 in spec.md §8.
func (d *Dedup) Seen(cid model.CID) bool {
	maybeDup := d.bloom.MightContain(cid)
	d.bloom.Add(cid)
	if !maybeDup {
		// Definite miss at L1-cache speed: still record it in the
		// fallback set so a later bloom reset doesn't let it through.
		d.set.Seen(cid)
		return false
	}
	return d.set.Seen(cid)
}

// ResetBloom clears the Bloom stage only; the fallback Set's own LRU
// eviction governs its own retention independently.
func (d *Dedup) ResetBloom() {
	d.bloom.Reset()
}

// RunBloomResetLoop runs the periodic Bloom reset until stop closes.
func (d *Dedup) RunBloomResetLoop(stop <-chan struct{}) {
	d.bloom.RunResetLoop(stop)
}
