package egress

import (
	"container/heap"

	"sovereignhose/internal/model"
)

// HistoricalShard is the subset of archive.Shard the relay needs to
// serve a (shard, seq) historical range without importing the archive
// package's write path: reads the sequence index, decompresses each
// cluster via Shard's own ClusterCache (at most once), and resolves a
// message by its position in that shard's archived order (§4.8).
type HistoricalShard interface {
	MessageCount() uint64
	SeqFloor(fromSeq uint64) uint64
	ReadAt(pos uint64) (model.Event, error)
}

// replayCursor tracks one shard's position while its messages are
// merged into global seq order alongside every other shard's.
type replayCursor struct {
	shardIdx int
	pos      uint64
	ev       model.Event
}

type replayHeap []replayCursor

func (h replayHeap) Len() int            { return len(h) }
func (h replayHeap) Less(i, j int) bool  { return h[i].ev.Seq < h[j].ev.Seq }
func (h replayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *replayHeap) Push(x interface{}) { *h = append(*h, x.(replayCursor)) }
func (h *replayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// replayHistorical k-way merges every shard's archived messages with
// seq >= fromSeq into global seq order and pushes each one (tombstoned
// seqs omitted entirely, never masked) into sub.send. sub is already
// registered for live fan-out, so live frames published during the
// replay can interleave with replayed ones.
func (h *Hub) replayHistorical(sub *subscriber, fromSeq uint64) {
	counts := make([]uint64, len(h.shards))
	var hp replayHeap
	for i, sh := range h.shards {
		counts[i] = sh.MessageCount()
		pos := sh.SeqFloor(fromSeq)
		if pos >= counts[i] {
			continue
		}
		ev, err := sh.ReadAt(pos)
		if err != nil {
			continue
		}
		heap.Push(&hp, replayCursor{shardIdx: i, pos: pos, ev: ev})
	}

	for hp.Len() > 0 {
		cur := heap.Pop(&hp).(replayCursor)

		if h.lattice.Get(uint32(cur.ev.Seq)) {
			if h.metrics != nil {
				h.metrics.IncEgressMasked()
			}
		} else {
			frame := Frame{Seq: cur.ev.Seq, DID: cur.ev.DID, Path: cur.ev.Path, Payload: cur.ev.Payload}
			select {
			case sub.send <- frame:
			default:
				// Slow consumer during replay: same backpressure policy
				// as live fan-out, drop rather than block (§4.8).
			}
		}

		next := cur.pos + 1
		if next >= counts[cur.shardIdx] {
			continue
		}
		ev, err := h.shards[cur.shardIdx].ReadAt(next)
		if err != nil {
			continue
		}
		heap.Push(&hp, replayCursor{shardIdx: cur.shardIdx, pos: next, ev: ev})
	}
}
