// Package codec decodes firehose frames: a CBOR header value followed
// by a CBOR payload value that embeds a CAR block stream wrapping a
// DAG-CBOR commit block (spec.md §4.2). It splits the CAR blocks in
// place and extracts (did, path, sig, payload, canonical). Decoding is
// not allocation-free: the payload map and the commit block are
// unmarshaled into small Go structs, and the returned Event's Payload,
// Sig and Canonical are newly allocated, not slices of the frame.
//
// Grounded on the teacher's internal/sstable/encode.go varint-decoding
// idiom (shared-prefix, uvarint length framing) generalized here to CAR
// block framing; CBOR decoding itself is delegated to
// github.com/fxamacker/cbor/v2 (from bureau-foundation-bureau), which
// unmarshals commitPayload and commitBlock, keeping the commit's "data"
// field as an undecoded cbor.RawMessage.
// canonical.go ports original_source/src/parser/canonical.rs's raw
// byte-offset walk directly, since the canonical hash input has to be
// the exact signed bytes and cbor.RawMessage alone can't reorder keys.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"sovereignhose/internal/model"
)

// Decode errors (§4.2 contract).
var (
	ErrTruncatedFrame     = errors.New("codec: truncated frame")
	ErrMissingCommitBlock = errors.New("codec: missing commit block")
	ErrMissingSignature   = errors.New("codec: missing signature")
	ErrInvalidCID         = errors.New("codec: invalid cid")
)

// readUvarint decodes an unsigned LEB128 varint from the start of buf,
// returning its value and the number of bytes it occupies.
func readUvarint(buf []byte) (uint64, int, error) {
	var x uint64
	var s uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b < 0x80 {
			if i > 9 || (i == 9 && b > 1) {
				return 0, 0, ErrTruncatedFrame
			}
			return x | uint64(b)<<s, i + 1, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, 0, ErrTruncatedFrame
}

// carBlock is one length-prefixed (cid || data) entry within a CAR file.
type carBlock struct {
	cid  model.CID
	data []byte
}

// commitBlock is the subset of a DAG-CBOR commit object this decoder
// extracts without allocating a full Go struct for the record payload.
type commitBlock struct {
	DID  string          `cbor:"did"`
	Sig  []byte          `cbor:"sig"`
	Data cbor.RawMessage `cbor:"data"`
	// Rev, Prev, Version intentionally not modeled: not needed
	// downstream and decoding them would cost an allocation per event.
}

// repoOp is one entry of a commit payload's "ops" array: the part of
// the envelope that actually names the record's collection/rkey path.
// The commit block itself (inside "blocks") never carries a path —
// only the sibling payload map does (original_source/src/parser/core.rs's
// parse_input walks payload.ops[i].path, not anything inside the CAR).
type repoOp struct {
	Action string          `cbor:"action"`
	Path   string          `cbor:"path"`
	Cid    cbor.RawMessage `cbor:"cid"`
}

// commitPayload is the second of the two concatenated top-level CBOR
// values in one firehose websocket frame (the first being a small
// {t, op} header this decoder only needs to skip past).
type commitPayload struct {
	Ops    []repoOp `cbor:"ops"`
	Blocks []byte   `cbor:"blocks"`
}

// Decode walks one firehose frame — a CBOR header value followed by a
// CBOR payload value embedding a CAR block stream — locates the
// DAG-CBOR commit block, and extracts (did, path, sig, payload,
// canonical). Payload, Sig, and Canonical are copies made by the CBOR
// unmarshal and the canonicalizer; they do not alias frame.
func Decode(frame []byte, seq uint64) (model.Event, error) {
	payloadStart, ok := skipCBORValue(frame, 0)
	if !ok || payloadStart >= len(frame) {
		return model.Event{}, ErrTruncatedFrame
	}

	var payload commitPayload
	if err := cbor.Unmarshal(frame[payloadStart:], &payload); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}

	var path string
	if len(payload.Ops) > 0 {
		path = payload.Ops[0].Path
	}

	blocks, err := splitCARBlocks(payload.Blocks)
	if err != nil {
		return model.Event{}, err
	}

	commit, cid, err := findCommitBlock(blocks)
	if err != nil {
		return model.Event{}, err
	}

	var c commitBlock
	if err := cbor.Unmarshal(commit, &c); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrMissingCommitBlock, err)
	}
	if len(c.Sig) == 0 {
		return model.Event{}, ErrMissingSignature
	}

	canonical, err := canonicalizeCommit(commit)
	if err != nil {
		return model.Event{}, err
	}

	return model.Event{
		DID:       c.DID,
		Path:      path,
		Seq:       seq,
		CID:       cid,
		Payload:   []byte(c.Data),
		Sig:       c.Sig,
		Canonical: canonical,
	}, nil
}

// splitCARBlocks walks a CAR-framed byte slice into (cid, data) blocks,
// skipping the leading header block. No data is copied; each carBlock
// holds a slice into frame.
func splitCARBlocks(frame []byte) ([]carBlock, error) {
	off := 0

	// header block: varint length + CBOR map, skip entirely
	hdrLen, n, err := readUvarint(frame[off:])
	if err != nil {
		return nil, ErrTruncatedFrame
	}
	off += n
	if off+int(hdrLen) > len(frame) {
		return nil, ErrTruncatedFrame
	}
	off += int(hdrLen)

	var blocks []carBlock
	for off < len(frame) {
		blockLen, n, err := readUvarint(frame[off:])
		if err != nil {
			return nil, ErrTruncatedFrame
		}
		off += n
		if off+int(blockLen) > len(frame) {
			return nil, ErrTruncatedFrame
		}
		block := frame[off : off+int(blockLen)]
		off += int(blockLen)

		cid, rest, err := splitCIDPrefix(block)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, carBlock{cid: cid, data: rest})
	}
	if len(blocks) == 0 {
		return nil, ErrMissingCommitBlock
	}
	return blocks, nil
}

// findCommitBlock locates the commit block within a CAR frame's blocks.
// The commit block is identified as the one whose top-level CBOR map
// contains a "sig" field — the only block in an ATproto-style firehose
// frame carrying a detached signature.
func findCommitBlock(blocks []carBlock) ([]byte, model.CID, error) {
	for _, b := range blocks {
		var probe struct {
			Sig []byte `cbor:"sig"`
		}
		if err := cbor.Unmarshal(b.data, &probe); err == nil && len(probe.Sig) > 0 {
			return b.data, b.cid, nil
		}
	}
	return nil, model.CID{}, ErrMissingCommitBlock
}

// splitCIDPrefix separates a block's leading CID from its data. CAR
// blocks are (varint cid-length is implicit in CIDv1 framing: we read a
// fixed-form CIDv1 prefix — version(1) + codec(1) + multihash(34) — and
// normalize it to the 36-byte binary form the rest of the system uses).
func splitCIDPrefix(block []byte) (model.CID, []byte, error) {
	if len(block) < 2 {
		return model.CID{}, nil, ErrInvalidCID
	}
	// CIDv1: version varint (1 byte, value 1) + codec varint (1 byte) +
	// multihash (varint code + varint length + digest).
	if block[0] != 0x01 {
		return model.CID{}, nil, ErrInvalidCID
	}
	off := 2 // version + codec, both single-byte varints for the codecs this system sees (dag-cbor=0x71, raw=0x55)
	mhCode, n, err := readUvarint(block[off:])
	_ = mhCode
	if err != nil {
		return model.CID{}, nil, ErrInvalidCID
	}
	off += n
	mhLen, n, err := readUvarint(block[off:])
	if err != nil {
		return model.CID{}, nil, ErrInvalidCID
	}
	off += n
	if off+int(mhLen) > len(block) {
		return model.CID{}, nil, ErrInvalidCID
	}

	cidLen := off + int(mhLen)
	if cidLen > model.CIDSize {
		return model.CID{}, nil, ErrInvalidCID
	}
	var cid model.CID
	copy(cid[model.CIDSize-cidLen:], block[:cidLen])

	return cid, block[cidLen:], nil
}

// NormalizeMultibaseCID strips a text CID's multibase prefix and
// decodes it to the 36-byte binary form used throughout the system.
// Only the 'b' (base32, lowercase, no padding) multibase prefix used by
// ATproto-style firehoses is supported; anything else is rejected.
func NormalizeMultibaseCID(text string) (model.CID, error) {
	if len(text) == 0 || text[0] != 'b' {
		return model.CID{}, ErrInvalidCID
	}
	raw, err := base32Decode(text[1:])
	if err != nil || len(raw) > model.CIDSize {
		return model.CID{}, ErrInvalidCID
	}
	var cid model.CID
	copy(cid[model.CIDSize-len(raw):], raw)
	return cid, nil
}

const base32Alphabet = "abcdefghijklmnopqrstuvwxyz234567"

func base32Decode(s string) ([]byte, error) {
	rev := make(map[byte]uint64, len(base32Alphabet))
	for i := 0; i < len(base32Alphabet); i++ {
		rev[base32Alphabet[i]] = uint64(i)
	}

	var bits uint64
	var nbits uint
	out := make([]byte, 0, len(s)*5/8+1)
	for i := 0; i < len(s); i++ {
		v, ok := rev[s[i]]
		if !ok {
			return nil, ErrInvalidCID
		}
		bits = bits<<5 | v
		nbits += 5
		if nbits >= 8 {
			nbits -= 8
			out = append(out, byte(bits>>nbits))
		}
	}
	return out, nil
}
