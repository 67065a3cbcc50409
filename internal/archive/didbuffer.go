package archive

import (
	"sovereignhose/internal/model"
)

// ClusterBuffer accumulates events for the currently-open cluster of
// one shard until it is ready to flush (§4.5): target uncompressed
// size reached, distinct-DID budget exhausted, or the flush timer
// fires.
//
// Grounded on internal/memtable/memtableManager.go's active/rotate
// split: there the manager swaps a full RW memtable into a read-only
// slot and hands a fresh one to new writes. A cluster buffer only
// ever needs one active slot plus "is this one full" bookkeeping since
// flush here is driven by Shard.maybeFlush rather than a fixed table
// count, so the N-slot rotation queue collapses to the single-buffer
// form below while keeping the same Put-then-check-then-swap shape.
type ClusterBuffer struct {
	events      []model.Event
	distinctDID map[string]struct{}
	byteSize    int

	targetBytes  int
	maxDistinct  int
}

// NewClusterBuffer builds an empty buffer for one shard.
func NewClusterBuffer(targetBytes, maxDistinct int) *ClusterBuffer {
	if maxDistinct <= 0 {
		maxDistinct = model.DefaultClusterDistinctDIDs
	}
	return &ClusterBuffer{
		distinctDID: make(map[string]struct{}),
		targetBytes: targetBytes,
		maxDistinct: maxDistinct,
	}
}

// WouldExceedDIDBudget reports whether admitting ev would introduce a
// DID beyond the cluster's distinct-DID budget (§4.5, Open Question
// (i)). Callers should flush and retry Add when this is true, rather
// than admitting the event into the current cluster.
func (b *ClusterBuffer) WouldExceedDIDBudget(ev model.Event) bool {
	if len(b.events) == 0 {
		return false
	}
	if _, ok := b.distinctDID[ev.DID]; ok {
		return false
	}
	return len(b.distinctDID) >= b.maxDistinct
}

// Add appends ev to the buffer and reports whether it should now be
// flushed.
func (b *ClusterBuffer) Add(ev model.Event) bool {
	b.events = append(b.events, ev)
	b.distinctDID[ev.DID] = struct{}{}
	b.byteSize += len(ev.Payload) + len(ev.Sig) + len(ev.Path) + len(ev.DID)
	return b.byteSize >= b.targetBytes
}

// Empty reports whether the buffer has no pending events.
func (b *ClusterBuffer) Empty() bool { return len(b.events) == 0 }

// Len returns the number of buffered events.
func (b *ClusterBuffer) Len() int { return len(b.events) }

// Drain returns the buffered events and resets the buffer to empty.
func (b *ClusterBuffer) Drain() []model.Event {
	out := b.events
	b.events = nil
	b.distinctDID = make(map[string]struct{})
	b.byteSize = 0
	return out
}
