// Package model holds the wire- and memory-layout structs shared across
// the ingestion, archive, and egress subsystems.
package model

import "time"

// KeyType enumerates the signing curves the Identity Map records.
type KeyType uint8

const (
	KeyTypeNone KeyType = iota
	KeyTypeSecp256k1
	KeyTypeP256
)

// ErrorKind buckets the taxonomy of §7 for metrics labeling.
type ErrorKind uint8

const (
	ErrKindTransientNetwork ErrorKind = iota
	ErrKindDecode
	ErrKindVerification
	ErrKindIdentityMiss
	ErrKindDiskIO
	ErrKindIntegrity
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransientNetwork:
		return "transient_network"
	case ErrKindDecode:
		return "decode"
	case ErrKindVerification:
		return "verification"
	case ErrKindIdentityMiss:
		return "identity_miss"
	case ErrKindDiskIO:
		return "disk_io"
	case ErrKindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// CIDSize is the normalized, multibase-stripped binary CID length (§3).
const CIDSize = 36

// CID is a normalized, fixed-size content identifier. Dedup and indexing
// never operate on the multibase text form, only on this binary form.
type CID [CIDSize]byte

// Event is the immutable tuple decoded from a single source frame (§3).
// codec.Decode fills Payload and Sig with copies; they do not alias the
// original frame buffer.
type Event struct {
	DID     string
	Path    string
	Seq     uint64
	CID     CID
	Payload []byte
	Sig     []byte
	KeyRef  KeyRef

	// Canonical is the sig-stripped, DAG-CBOR key-sorted reserialization
	// of the commit map this event was extracted from — the exact bytes
	// a real signer hashes and signs, distinct from Payload (the
	// commit's "data" MST root field alone). Only populated by codec.Decode
	// and consumed by the verifier; not part of the archived record.
	Canonical []byte
}

// KeyRef names the verifying key recovered from the Identity Map for an
// event; it is resolved once by the verifier pool and carried downstream
// so the archive writer never has to re-probe the map.
type KeyRef struct {
	KeyType KeyType
	Key     []byte // compressed SEC1 form for both curves, at most IdentityKeyFieldLen (33) bytes
}

// IdentityRecordSize is the fixed on-disk size of one Identity Map slot (§3).
const IdentityRecordSize = 80

// IdentityKeyFieldLen is the size of the Key field within an
// IdentityRecord. spec.md §3 describes the 80-byte record as holding a
// "33B/65B (padded to 64B)" key, but that breakdown sums to 100 bytes,
// not 80 — an internal inconsistency in the spec (the 80-byte total is
// the invariant actually relied on elsewhere, e.g. §6's file layout
// math). This is resolved, per Open Question (iii) in spec.md §9, by
// storing only the compressed SEC1 form of both curves' public keys (33
// bytes either way) plus an explicit KeyLen byte, which makes the
// stated 80-byte total achievable; see DESIGN.md.
const IdentityKeyFieldLen = 33

// IdentityRecord is the in-memory view of one 80-byte Identity Map slot.
type IdentityRecord struct {
	DIDHash    [16]byte
	KeyType    KeyType
	Key        [IdentityKeyFieldLen]byte
	KeyLen     uint8
	Generation uint32
	Tombstone  bool
}

// IndexRecordSize is the fixed on-disk size of one sequence/path-hash
// index slot (§3).
const IndexRecordSize = 36

// IndexRecord locates one archived message within a compressed cluster.
type IndexRecord struct {
	BinOff   uint64 // file offset of the compressed cluster
	CLen     uint32 // compressed cluster length
	InnerOff uint32 // offset of this message within the decompressed cluster
	ILen     uint32 // decompressed message length
	PathHash uint64 // 64-bit hash of the full record path
	// LocalPos is this message's position in the shard's Merkle leaf
	// order (one leaf per message, §3), used to locate the sealed
	// segment and leaf offset a Merkle inclusion proof is built against.
	LocalPos uint64
}

// SegmentFooterSize is the fixed size of a sealed segment's footer.
const SegmentFooterSize = 32 + 4 + 8 + 8 + 8

// SegmentFooter closes a run of leaves once leaf_count reaches 2^16 (§3).
type SegmentFooter struct {
	MerkleRoot [32]byte
	LeafCount  uint32
	FirstSeq   uint64
	LastSeq    uint64
	// LeafStart is the LocalPos of this segment's first leaf, so a
	// message's LocalPos can be mapped to a (segment, leaf index) pair
	// without replaying the whole shard.
	LeafStart uint64
}

// ClusterTargetSize is the target uncompressed cluster size (§3, §4.5).
const ClusterTargetSize = 64 * 1024

// SegmentLeafLimit is the leaf count at which a segment is sealed (§4.5).
const SegmentLeafLimit = 1 << 16

// ClusterFlushTimer is the maximum time an incomplete cluster buffers
// before being force-flushed (§4.5).
const ClusterFlushTimer = 250 * time.Millisecond

// ShardCount is the fixed number of archive shards (§2).
const ShardCount = 16

// DefaultClusterDistinctDIDs is the default K from Open Question (i):
// K is left tunable, default 1.
const DefaultClusterDistinctDIDs = 1
