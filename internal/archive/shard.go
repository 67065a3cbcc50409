// Package archive implements the per-shard Clustered Virtual Log
// writer/reader pipeline: buffering events into clusters, compressing
// and appending them, indexing each archived message, and sealing
// Merkle-rooted segments (§4.5).
package archive

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sovereignhose/internal/index"
	"sovereignhose/internal/metrics"
	"sovereignhose/internal/model"
)

// Shard owns one of the ShardCount append-only archive partitions,
// grounded on the teacher's internal/engine.Engine: the same
// buffer-then-flush orchestration shape (with no separate WAL), generalized from a
// single-file sorted-key engine to a per-shard compressed event log.
// A single writer goroutine drives Append per shard, matching the
// spec's DID-hash sharding (one writer owns one shard's worth of DIDs).
type Shard struct {
	mu sync.Mutex

	id  int
	dir string

	dw      *dataWriter
	cache   *ClusterCache
	buf     *ClusterBuffer
	seg     *segmentBuilder
	seqIdx  *index.SequenceIndex
	pathIdx *index.PathHashIndex
	segFile *os.File

	dict           []byte
	dictMaxBytes   int
	zstdLevel      int
	segmentLimit   int
	localPos       uint64
	segStart       uint64 // LocalPos of the currently-open segment's first leaf
	sealedSegments int

	metrics *metrics.Registry
}

// Config bundles the tunables a Shard needs, taken from config.Config.
type Config struct {
	ClusterTargetBytes  int
	ClusterDistinctDIDs int
	ZstdLevel           int
	ZstdDictionarySize  int
	SegmentLeafLimit    int
	ClusterCacheEntries int
	PathHashCapacity    uint64
}

// OpenShard opens (creating if absent) shard id's data file, indices,
// and segment file, recovering any unsealed tail left by a crash.
func OpenShard(dataDir string, id int, cfg Config, m *metrics.Registry) (*Shard, error) {
	shardDir := filepath.Join(dataDir, fmt.Sprintf("shard-%02d", id))
	if err := os.MkdirAll(shardDir, 0755); err != nil {
		return nil, err
	}

	dataPath := filepath.Join(shardDir, "clusters.clv")
	validLen, _, err := recoverTail(dataPath)
	if err != nil {
		return nil, err
	}
	if err := truncateToValidLen(dataPath, validLen); err != nil {
		return nil, err
	}

	// frameCount undercounts archived messages whenever a flush packed
	// more than one into a frame, so the true localPos (and the
	// dictionary a fresh Shard needs for its next compress/decompress)
	// come from replaying every valid frame instead (§8 property 1).
	messageCount, dict, err := replayMessages(dataPath, validLen, cfg.ZstdDictionarySize)
	if err != nil {
		return nil, err
	}

	dw, _, err := openDataWriter(dataPath)
	if err != nil {
		return nil, err
	}

	seqIdx, err := index.OpenSequenceIndex(filepath.Join(shardDir, "sequence.idx"))
	if err != nil {
		dw.close()
		return nil, err
	}

	pathIdx, err := index.OpenPathHashIndex(filepath.Join(shardDir, "pathhash.idx"), cfg.PathHashCapacity)
	if err != nil {
		seqIdx.Close()
		dw.close()
		return nil, err
	}

	segFile, err := os.OpenFile(filepath.Join(shardDir, "segments.bin"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		pathIdx.Close()
		seqIdx.Close()
		dw.close()
		return nil, err
	}

	segInfo, err := segFile.Stat()
	if err != nil {
		pathIdx.Close()
		seqIdx.Close()
		dw.close()
		segFile.Close()
		return nil, err
	}

	s := &Shard{
		id:             id,
		dir:            shardDir,
		dw:             dw,
		cache:          NewClusterCache(cfg.ClusterCacheEntries),
		buf:            NewClusterBuffer(cfg.ClusterTargetBytes, cfg.ClusterDistinctDIDs),
		seg:            newSegmentBuilder(),
		seqIdx:         seqIdx,
		pathIdx:        pathIdx,
		segFile:        segFile,
		dict:           dict,
		dictMaxBytes:   cfg.ZstdDictionarySize,
		zstdLevel:      cfg.ZstdLevel,
		segmentLimit:   cfg.SegmentLeafLimit,
		localPos:       messageCount,
		sealedSegments: int(segInfo.Size() / model.SegmentFooterSize),
		metrics:        m,
	}
	s.segStart = s.localPos
	if m != nil {
		m.SetShardSealedSegments(id, s.sealedSegments)
	}

	if err := s.verifySealedSegments(); err != nil {
		pathIdx.Close()
		seqIdx.Close()
		dw.close()
		segFile.Close()
		return nil, fmt.Errorf("archive: shard %d refuses to open: %w", id, err)
	}
	return s, nil
}

// Append buffers ev for this shard's currently-open cluster, flushing
// first if ev would exceed the cluster's distinct-DID budget (§4.5,
// Open Question (i)).
func (s *Shard) Append(ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.WouldExceedDIDBudget(ev) {
		if err := s.flushLocked(); err != nil {
			return err
		}
	}
	if s.buf.Add(ev) {
		return s.flushLocked()
	}
	return nil
}

// Flush force-flushes the open cluster regardless of size, used by the
// ClusterFlushTimer loop and graceful shutdown.
func (s *Shard) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Shard) flushLocked() error {
	if s.buf.Empty() {
		return nil
	}
	events := s.buf.Drain()

	raw, spans := encodeCluster(events)
	compressed, err := compressCluster(raw, s.dict, s.zstdLevel)
	if err != nil {
		return fmt.Errorf("archive: compress shard %d cluster: %w", s.id, err)
	}

	binOff, err := s.dw.appendFrame(compressed)
	if err != nil {
		return fmt.Errorf("archive: append shard %d frame: %w", s.id, err)
	}
	s.cache.Put(binOff, raw)

	leaves := make([][32]byte, 0, len(spans))
	for _, span := range spans {
		rec := model.IndexRecord{
			BinOff:   binOff,
			CLen:     uint32(len(compressed)),
			InnerOff: uint32(span.offset),
			ILen:     uint32(span.length),
			PathHash: span.pathHash,
			LocalPos: s.localPos,
		}
		if err := s.seqIdx.Put(s.localPos, rec); err != nil {
			return err
		}
		if err := s.pathIdx.Insert(span.pathHash, rec); err != nil {
			return err
		}
		// Merkle leaves are Blake3 of each message's raw decompressed
		// bytes (§3), so this hashes the span within raw, not compressed.
		leaves = append(leaves, leafHash(raw[span.offset:span.offset+span.length]))
		s.localPos++
	}

	s.seg.addMessages(leaves, events[0].Seq, events[len(events)-1].Seq)
	if s.seg.full(s.segmentLimit) {
		if err := s.sealSegment(); err != nil {
			return err
		}
	}

	s.updateDict(raw)
	if s.metrics != nil {
		s.metrics.SetShardOpenClusterBytes(s.id, 0)
	}
	return nil
}

// updateDict replaces the shard's compression dictionary content with
// (a suffix of) the most recently sealed cluster's raw bytes. See
// writer.go's compressCluster doc for why this is a content dictionary
// rather than a trained one.
func (s *Shard) updateDict(raw []byte) {
	if len(raw) > s.dictMaxBytes {
		raw = raw[len(raw)-s.dictMaxBytes:]
	}
	dict := make([]byte, len(raw))
	copy(dict, raw)
	s.dict = dict
}

func (s *Shard) sealSegment() error {
	root := merkleRoot(s.seg.leaves)
	footer := model.SegmentFooter{
		MerkleRoot: root,
		LeafCount:  uint32(len(s.seg.leaves)),
		FirstSeq:   s.seg.firstSeq,
		LastSeq:    s.seg.lastSeq,
		LeafStart:  s.segStart,
	}
	if err := writeSegmentFooter(s.segFile, footer); err != nil {
		return err
	}
	s.sealedSegments++
	s.segStart += uint64(footer.LeafCount)
	if s.metrics != nil {
		s.metrics.SetShardSealedSegments(s.id, s.sealedSegments)
	}
	s.seg.reset()
	return nil
}

func writeSegmentFooter(f *os.File, footer model.SegmentFooter) error {
	buf := make([]byte, model.SegmentFooterSize)
	copy(buf[0:32], footer.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[32:36], footer.LeafCount)
	binary.LittleEndian.PutUint64(buf[36:44], footer.FirstSeq)
	binary.LittleEndian.PutUint64(buf[44:52], footer.LastSeq)
	binary.LittleEndian.PutUint64(buf[52:60], footer.LeafStart)
	_, err := f.Write(buf)
	return err
}

func readSegmentFooter(f *os.File, idx int) (model.SegmentFooter, error) {
	buf := make([]byte, model.SegmentFooterSize)
	if _, err := f.ReadAt(buf, int64(idx)*model.SegmentFooterSize); err != nil {
		return model.SegmentFooter{}, err
	}
	var footer model.SegmentFooter
	copy(footer.MerkleRoot[:], buf[0:32])
	footer.LeafCount = binary.LittleEndian.Uint32(buf[32:36])
	footer.FirstSeq = binary.LittleEndian.Uint64(buf[36:44])
	footer.LastSeq = binary.LittleEndian.Uint64(buf[44:52])
	footer.LeafStart = binary.LittleEndian.Uint64(buf[52:60])
	return footer, nil
}

// SealedSegments reports how many segments this shard has sealed so far.
func (s *Shard) SealedSegments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealedSegments
}

// Reader returns a Reader bound to this shard's current compression dictionary.
func (s *Shard) Reader() *Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newReader(s.dw, s.cache, s.dict)
}

// LookupByPathHash resolves a path hash via this shard's path-hash index.
func (s *Shard) LookupByPathHash(pathHash uint64) (model.IndexRecord, error) {
	return s.pathIdx.Lookup(pathHash)
}

// TombstonePath marks a path hash's entry deleted in this shard's
// path-hash index and returns the evicted message's sequence number,
// so the caller can set the matching Lattice bit and keep the
// Lattice-bit and path-hash-slot views of a deletion consistent (§4.6
// "Deletion of a path"). It does not touch the Lattice itself.
func (s *Shard) TombstonePath(pathHash uint64) (uint64, bool) {
	s.mu.Lock()
	rec, err := s.pathIdx.Lookup(pathHash)
	s.mu.Unlock()
	if err != nil {
		return 0, false
	}
	if !s.pathIdx.Tombstone(pathHash) {
		return 0, false
	}
	seq, err := s.seqForLocalPos(rec.LocalPos)
	if err != nil {
		return 0, true
	}
	return seq, true
}

// seqForLocalPos recovers the global seq number archived at a given
// LocalPos by reading the cluster it lives in and decoding up to its span.
func (s *Shard) seqForLocalPos(pos uint64) (uint64, error) {
	s.mu.Lock()
	rec, err := s.seqIdx.Get(pos)
	dict := s.dict
	cache := s.cache
	dw := s.dw
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	cluster, err := clusterBytesFrom(dw, cache, dict, rec.BinOff, rec.CLen)
	if err != nil {
		return 0, err
	}
	if int(rec.InnerOff)+int(rec.ILen) > len(cluster) {
		return 0, fmt.Errorf("archive: local pos %d out of bounds for cluster at %d", pos, rec.BinOff)
	}
	msgs, err := decodeCluster(cluster[:rec.InnerOff+rec.ILen])
	if err != nil || len(msgs) == 0 {
		return 0, fmt.Errorf("archive: decode cluster for local pos %d: %w", pos, err)
	}
	return msgs[len(msgs)-1].event.Seq, nil
}

// clusterBytesFrom resolves the decompressed bytes of one cluster,
// consulting cache first (§4.8: "decompress each cluster exactly once").
func clusterBytesFrom(dw *dataWriter, cache *ClusterCache, dict []byte, binOff uint64, clen uint32) ([]byte, error) {
	if cluster, ok := cache.Get(binOff); ok {
		return cluster, nil
	}
	compressed, err := dw.readFrameAt(binOff, clen)
	if err != nil {
		return nil, err
	}
	cluster, err := decompressCluster(compressed, dict)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress cluster at %d: %w", binOff, err)
	}
	cache.Put(binOff, cluster)
	return cluster, nil
}

// ErrMerkleMismatch is a fatal integrity error: a sealed segment's
// recomputed Merkle root no longer matches its stored footer (§7,
// "Merkle mismatch on read"). A shard that fails this check refuses to open.
var ErrMerkleMismatch = fmt.Errorf("archive: merkle root mismatch")

// verifySealedSegments recomputes every sealed segment's Merkle root
// from its archived message bytes and compares it against the footer
// written at seal time, so silent on-disk corruption is caught at open
// time instead of surfacing later as a bad read.
func (s *Shard) verifySealedSegments() error {
	for i := 0; i < s.sealedSegments; i++ {
		footer, err := readSegmentFooter(s.segFile, i)
		if err != nil {
			return err
		}
		leaves, err := s.segmentLeavesLocked(footer)
		if err != nil {
			return err
		}
		if merkleRoot(leaves) != footer.MerkleRoot {
			return fmt.Errorf("%w: segment %d", ErrMerkleMismatch, i)
		}
	}
	return nil
}

// segmentLeavesLocked replays a sealed segment's archived messages and
// rehashes each into its Merkle leaf, in LocalPos order.
func (s *Shard) segmentLeavesLocked(footer model.SegmentFooter) ([][32]byte, error) {
	leaves := make([][32]byte, 0, footer.LeafCount)
	for pos := footer.LeafStart; pos < footer.LeafStart+uint64(footer.LeafCount); pos++ {
		rec, err := s.seqIdx.Get(pos)
		if err != nil {
			return nil, err
		}
		cluster, err := clusterBytesFrom(s.dw, s.cache, s.dict, rec.BinOff, rec.CLen)
		if err != nil {
			return nil, err
		}
		if int(rec.InnerOff)+int(rec.ILen) > len(cluster) {
			return nil, fmt.Errorf("archive: local pos %d out of bounds for cluster at %d", pos, rec.BinOff)
		}
		leaves = append(leaves, leafHash(cluster[rec.InnerOff:rec.InnerOff+rec.ILen]))
	}
	return leaves, nil
}

// ProvePath builds a Merkle inclusion proof for the message currently
// archived under pathHash, along with the leaf hash and segment root
// the proof verifies against (spec.md §8 testable property 6).
func (s *Shard) ProvePath(pathHash uint64) (Proof, [32]byte, [32]byte, error) {
	s.mu.Lock()
	rec, err := s.pathIdx.Lookup(pathHash)
	segCount := s.sealedSegments
	segFile := s.segFile
	s.mu.Unlock()
	if err != nil {
		return Proof{}, [32]byte{}, [32]byte{}, err
	}

	for i := 0; i < segCount; i++ {
		footer, err := readSegmentFooter(segFile, i)
		if err != nil {
			return Proof{}, [32]byte{}, [32]byte{}, err
		}
		if rec.LocalPos < footer.LeafStart || rec.LocalPos >= footer.LeafStart+uint64(footer.LeafCount) {
			continue
		}
		s.mu.Lock()
		leaves, err := s.segmentLeavesLocked(footer)
		s.mu.Unlock()
		if err != nil {
			return Proof{}, [32]byte{}, [32]byte{}, err
		}
		leafIdx := int(rec.LocalPos - footer.LeafStart)
		proof, err := buildProof(leaves, leafIdx)
		if err != nil {
			return Proof{}, [32]byte{}, [32]byte{}, err
		}
		return proof, leaves[leafIdx], footer.MerkleRoot, nil
	}
	return Proof{}, [32]byte{}, [32]byte{}, fmt.Errorf("archive: local pos %d not in any sealed segment", rec.LocalPos)
}

// MessageCount reports how many messages this shard has archived so far.
func (s *Shard) MessageCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPos
}

// ReadAt resolves the message archived at local position pos.
func (s *Shard) ReadAt(pos uint64) (model.Event, error) {
	s.mu.Lock()
	rec, err := s.seqIdx.Get(pos)
	reader := newReader(s.dw, s.cache, s.dict)
	s.mu.Unlock()
	if err != nil {
		return model.Event{}, err
	}
	return reader.Read(rec)
}

// SeqFloor returns the local position of the first archived message
// whose seq is >= fromSeq, or MessageCount() if every archived message
// precedes fromSeq. Per-shard seq values are monotonically increasing
// (a shard only ever appends events in arrival order), so this is a
// binary search rather than a linear scan (§4.8 historical replay).
func (s *Shard) SeqFloor(fromSeq uint64) uint64 {
	count := s.MessageCount()
	lo, hi := uint64(0), count
	for lo < hi {
		mid := lo + (hi-lo)/2
		ev, err := s.ReadAt(mid)
		if err != nil || ev.Seq < fromSeq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// RunFlushLoop force-flushes the open cluster every ClusterFlushTimer
// interval so a low-traffic shard's tail doesn't sit unarchived
// indefinitely (§4.5).
func (s *Shard) RunFlushLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = s.Flush()
		case <-stop:
			return
		}
	}
}

// Close flushes and releases all resources held by the shard.
func (s *Shard) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if err := s.pathIdx.Close(); err != nil {
		return err
	}
	if err := s.seqIdx.Close(); err != nil {
		return err
	}
	if err := s.segFile.Close(); err != nil {
		return err
	}
	return s.dw.close()
}
