package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// ErrCanonicalizeCommit is returned when a commit block's raw bytes
// cannot be parsed into the canonical, sig-stripped, key-sorted form
// real ATproto signers hash (§4.2/§4.4: the signature covers the
// commit map with "sig" removed and its keys in DAG-CBOR canonical
// order, not the bare "data" field).
//
// Ported from original_source/src/parser/canonical.rs's
// hash_canonical_commit/prepare_canonical_commit: both walk the raw
// CBOR map bytes directly, using the same cbor header primitives as
// original_source/src/parser/core.rs's parse_cbor_len/skip_cbor_value,
// so this reproduces the exact byte sequence a real signer hashed
// rather than re-deriving it through a decode-then-reencode round trip
// (which would not reproduce DAG-CBOR's canonical integer/length
// encoding byte-for-byte in all cases).
var ErrCanonicalizeCommit = errors.New("codec: cannot canonicalize commit")

// parseCBORLen reads a CBOR header's additional-info length/argument
// field starting at i, covering major types 0-7's fixed five encodings
// (inline 0-23, 1/2/4/8-byte follow-on).
func parseCBORLen(buf []byte, i int) (length, next int, ok bool) {
	if i >= len(buf) {
		return 0, 0, false
	}
	addl := buf[i] & 0x1f
	idx := i + 1
	switch {
	case addl <= 23:
		return int(addl), idx, true
	case addl == 24:
		if idx >= len(buf) {
			return 0, 0, false
		}
		return int(buf[idx]), idx + 1, true
	case addl == 25:
		if idx+2 > len(buf) {
			return 0, 0, false
		}
		return int(binary.BigEndian.Uint16(buf[idx:])), idx + 2, true
	case addl == 26:
		if idx+4 > len(buf) {
			return 0, 0, false
		}
		return int(binary.BigEndian.Uint32(buf[idx:])), idx + 4, true
	case addl == 27:
		if idx+8 > len(buf) {
			return 0, 0, false
		}
		return int(binary.BigEndian.Uint64(buf[idx:])), idx + 8, true
	default:
		return 0, 0, false
	}
}

// skipCBORValue returns the offset immediately past one complete CBOR
// value starting at i.
func skipCBORValue(buf []byte, i int) (int, bool) {
	if i >= len(buf) {
		return 0, false
	}
	head := buf[i]
	major := head >> 5
	addl := head & 0x1f

	if addl == 31 {
		switch major {
		case 2, 3, 4, 5:
			idx := i + 1
			for idx < len(buf) && buf[idx] != 0xff {
				next, ok := skipCBORValue(buf, idx)
				if !ok {
					return 0, false
				}
				idx = next
			}
			if idx < len(buf) && buf[idx] == 0xff {
				return idx + 1, true
			}
			return 0, false
		default:
			return 0, false
		}
	}

	switch major {
	case 0, 1:
		_, next, ok := parseCBORLen(buf, i)
		return next, ok
	case 2, 3:
		length, next, ok := parseCBORLen(buf, i)
		if !ok {
			return 0, false
		}
		return next + length, true
	case 4:
		length, next, ok := parseCBORLen(buf, i)
		if !ok {
			return 0, false
		}
		for k := 0; k < length; k++ {
			n, ok := skipCBORValue(buf, next)
			if !ok {
				return 0, false
			}
			next = n
		}
		return next, true
	case 5:
		length, next, ok := parseCBORLen(buf, i)
		if !ok {
			return 0, false
		}
		for k := 0; k < length*2; k++ {
			n, ok := skipCBORValue(buf, next)
			if !ok {
				return 0, false
			}
			next = n
		}
		return next, true
	case 6:
		_, next, ok := parseCBORLen(buf, i)
		if !ok {
			return 0, false
		}
		return skipCBORValue(buf, next)
	case 7:
		return i + 1, true
	default:
		return 0, false
	}
}

func isSigKey(key []byte) bool {
	return len(key) == 3 && key[0] == 's' && key[1] == 'i' && key[2] == 'g'
}

// cborKeySlice reads one map key at i, returning its decoded payload
// bytes, the full slice (header+payload) and the offset just past it.
func cborKeySlice(buf []byte, i int) (keyBytes, keySlice []byte, next int, ok bool) {
	if i >= len(buf) {
		return nil, nil, 0, false
	}
	length, afterHeader, ok2 := parseCBORLen(buf, i)
	if !ok2 || afterHeader+length > len(buf) {
		return nil, nil, 0, false
	}
	return buf[afterHeader : afterHeader+length], buf[i : afterHeader+length], afterHeader + length, true
}

type canonicalEntry struct {
	keyBytes []byte
	keySlice []byte
	valSlice []byte
}

// canonicalizeCommit strips the "sig" field from a raw DAG-CBOR commit
// map and reserializes the remaining keys in DAG-CBOR canonical order
// (shortest key first, then lexicographic), returning exactly the
// bytes a real ATproto signer hashed and signed.
func canonicalizeCommit(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrCanonicalizeCommit
	}

	i := 0
	for i < len(raw) && raw[i]>>5 == 6 {
		_, next, ok := parseCBORLen(raw, i)
		if !ok {
			return nil, ErrCanonicalizeCommit
		}
		i = next
	}
	if i >= len(raw) {
		return nil, ErrCanonicalizeCommit
	}

	var entries []canonicalEntry
	collect := func(idx int) (int, error) {
		keyBytes, keySlice, next, ok := cborKeySlice(raw, idx)
		if !ok {
			return 0, ErrCanonicalizeCommit
		}
		valStart := next
		valEnd, ok := skipCBORValue(raw, next)
		if !ok {
			return 0, ErrCanonicalizeCommit
		}
		if !isSigKey(keyBytes) {
			entries = append(entries, canonicalEntry{
				keyBytes: keyBytes,
				keySlice: keySlice,
				valSlice: raw[valStart:valEnd],
			})
		}
		return valEnd, nil
	}

	idx := i
	if raw[i] == 0xbf {
		idx++
		for idx < len(raw) && raw[idx] != 0xff {
			next, err := collect(idx)
			if err != nil {
				return nil, err
			}
			idx = next
		}
	} else {
		mapLen, next, ok := parseCBORLen(raw, idx)
		if !ok {
			return nil, ErrCanonicalizeCommit
		}
		idx = next
		for k := 0; k < mapLen; k++ {
			next, err := collect(idx)
			if err != nil {
				return nil, err
			}
			idx = next
		}
	}

	if len(entries) == 0 {
		return nil, ErrCanonicalizeCommit
	}

	sort.Slice(entries, func(a, b int) bool {
		if len(entries[a].keyBytes) != len(entries[b].keyBytes) {
			return len(entries[a].keyBytes) < len(entries[b].keyBytes)
		}
		return bytes.Compare(entries[a].keyBytes, entries[b].keyBytes) < 0
	})

	var out bytes.Buffer
	n := len(entries)
	switch {
	case n < 24:
		out.WriteByte(0xa0 | byte(n))
	case n < 256:
		out.WriteByte(0xb8)
		out.WriteByte(byte(n))
	default:
		out.WriteByte(0xb9)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		out.Write(lenBuf[:])
	}
	for _, e := range entries {
		out.Write(e.keySlice)
		out.Write(e.valSlice)
	}
	return out.Bytes(), nil
}
