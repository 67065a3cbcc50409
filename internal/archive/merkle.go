// Package archive implements the per-shard Clustered Virtual Log of
// spec.md §4.5: an append-only sequence of zstd-compressed clusters,
// grouped into segments sealed by a Blake3 Merkle root every
// SegmentLeafLimit leaves (one leaf per archived message).
//
// Grounded on the teacher's internal/sstable package (shared-prefix
// varint framing, CRC-checked block writer, newest-file-first glob
// scanning) generalized from a sorted key-value SSTable to an
// append-only event cluster log, and on internal/wal.go's CRC32
// framing idiom, reused here per-cluster instead of per-record. Merkle
// hashing uses github.com/zeebo/blake3, named directly in the teacher
// pack's example registry for content-addressed hashing.
package archive

import (
	"github.com/zeebo/blake3"
)

// leafHash hashes one archived message's raw decompressed bytes into a
// Merkle leaf (§3: "Merkle leaves are Blake3 of each message's raw
// decompressed bytes"). A cluster holds many messages, so a shard
// produces one leaf per message, never one leaf per cluster.
func leafHash(messageBytes []byte) [32]byte {
	var out [32]byte
	h := blake3.Sum256(messageBytes)
	copy(out[:], h[:])
	return out
}

// interiorHash combines two child hashes into their parent as
// Blake3(0x01 || left || right). Leaf hashes carry no prefix byte.
func interiorHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 65)
	buf = append(buf, 0x01)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	h := blake3.Sum256(buf)
	var out [32]byte
	copy(out[:], h[:])
	return out
}

// merkleRoot folds a list of leaf hashes bottom-up. An odd node at any
// level is promoted unchanged to the next level (standard unbalanced
// Merkle tree construction).
func merkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return blake3.Sum256(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, interiorHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

// segmentBuilder accumulates per-message leaf hashes for the
// currently-open segment until SegmentLeafLimit leaves have
// accumulated into it.
type segmentBuilder struct {
	leaves   [][32]byte
	firstSeq uint64
	lastSeq  uint64
	started  bool
}

func newSegmentBuilder() *segmentBuilder {
	return &segmentBuilder{}
}

// addMessages appends one leaf per message in a just-flushed cluster
// (leaves must already be hashed over each message's decompressed
// bytes, in seq order) and extends the segment's seq range.
func (s *segmentBuilder) addMessages(leaves [][32]byte, firstSeq, lastSeq uint64) {
	if !s.started {
		s.firstSeq = firstSeq
		s.started = true
	}
	s.lastSeq = lastSeq
	s.leaves = append(s.leaves, leaves...)
}

func (s *segmentBuilder) full(limit int) bool {
	return len(s.leaves) >= limit
}

func (s *segmentBuilder) reset() {
	s.leaves = s.leaves[:0]
	s.started = false
}
