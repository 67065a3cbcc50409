package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovereignhose/internal/model"
)

func TestSet_SeenIsIdempotent(t *testing.T) {
	s := NewSet()
	cid := cidFor(7)

	assert.False(t, s.Seen(cid), "first Seen must report not-previously-seen")
	assert.True(t, s.Seen(cid), "second Seen of the same CID must report seen")
}

func TestSet_EvictsOldestBeyondCapacity(t *testing.T) {
	shard := newSetShard()
	base := model.CID{}
	for i := 0; i < shardLRUCapacity+10; i++ {
		c := base
		c[0] = byte(i)
		c[1] = byte(i >> 8)
		shard.seen(c)
	}
	assert.LessOrEqual(t, shard.ll.Len(), shardLRUCapacity, "shard must evict to stay within its LRU capacity")
}

func TestDedup_SeenAcrossBloomAndSet(t *testing.T) {
	d := NewDedup(1, 2)
	cid := cidFor(9)

	require.False(t, d.Seen(cid), "first observation of a CID must not be a duplicate")
	assert.True(t, d.Seen(cid), "repeat observation of the same CID must be flagged a duplicate")
}

func TestDedup_ResetBloomDoesNotDefeatFallbackSet(t *testing.T) {
	d := NewDedup(1, 2)
	cid := cidFor(11)

	require.False(t, d.Seen(cid))
	d.ResetBloom()
	assert.True(t, d.Seen(cid), "fallback set must still catch a duplicate after the bloom stage resets")
}
