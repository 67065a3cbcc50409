package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"sovereignhose/internal/model"
)

// PathHash hashes a record path for the path-hash index (§4.6). Callers
// outside this package use it to resolve the same hash this package
// indexes by, e.g. to tombstone a path by name.
func PathHash(path string) uint64 {
	return xxhash.Sum64String(path)
}

// messageSpan locates one encoded event within its cluster's
// uncompressed byte form.
type messageSpan struct {
	pathHash uint64
	offset   int
	length   int
}

// encodeCluster serializes a run of events into the uncompressed
// cluster byte form later fed to zstd, and reports each event's
// (offset, length) span within that byte form so the caller can build
// IndexRecords without a second decode pass. Each event frame shares a
// varint-prefixed, shared-prefix path encoding with the event
// immediately before it, grounded on internal/sstable/encode.go's
// prevKey/shared/suffix scheme (there applied to sorted keys, here to
// record paths, which cluster tightly by collection NSID within one
// DID's stream).
func encodeCluster(events []model.Event) ([]byte, []messageSpan) {
	var buf bytes.Buffer
	prevPath := ""
	spans := make([]messageSpan, 0, len(events))
	for _, ev := range events {
		start := buf.Len()

		shared := sharedPrefixLen(prevPath, ev.Path)
		suffix := ev.Path[shared:]

		buf.Write(uvarintBytes(uint64(shared)))
		buf.Write(uvarintBytes(uint64(len(suffix))))
		buf.WriteString(suffix)

		buf.Write(uvarintBytes(uint64(len(ev.DID))))
		buf.WriteString(ev.DID)

		buf.Write(uvarintBytes(ev.Seq))
		buf.Write(ev.CID[:])

		buf.Write(uvarintBytes(uint64(len(ev.Payload))))
		buf.Write(ev.Payload)

		buf.Write(uvarintBytes(uint64(len(ev.Sig))))
		buf.Write(ev.Sig)

		spans = append(spans, messageSpan{
			pathHash: PathHash(ev.Path),
			offset:   start,
			length:   buf.Len() - start,
		})
		prevPath = ev.Path
	}
	return buf.Bytes(), spans
}

// decodedMessage is one event recovered from a decompressed cluster,
// along with its byte span within that cluster (read paths match the
// offset against IndexRecord.InnerOff).
type decodedMessage struct {
	event  model.Event
	offset int
	length int
}

// decodeCluster walks an uncompressed cluster back into events.
func decodeCluster(clusterBytes []byte) ([]decodedMessage, error) {
	var out []decodedMessage
	prevPath := ""
	off := 0
	for off < len(clusterBytes) {
		start := off

		shared, n, err := readUvarintAt(clusterBytes, off)
		if err != nil {
			return nil, fmt.Errorf("archive: decode cluster: %w", err)
		}
		off += n
		suffixLen, n, err := readUvarintAt(clusterBytes, off)
		if err != nil {
			return nil, err
		}
		off += n
		if int(shared) > len(prevPath) || off+int(suffixLen) > len(clusterBytes) {
			return nil, fmt.Errorf("archive: corrupt path frame at offset %d", start)
		}
		path := prevPath[:shared] + string(clusterBytes[off:off+int(suffixLen)])
		off += int(suffixLen)

		didLen, n, err := readUvarintAt(clusterBytes, off)
		if err != nil {
			return nil, err
		}
		off += n
		if off+int(didLen) > len(clusterBytes) {
			return nil, fmt.Errorf("archive: corrupt did frame at offset %d", start)
		}
		did := string(clusterBytes[off : off+int(didLen)])
		off += int(didLen)

		seq, n, err := readUvarintAt(clusterBytes, off)
		if err != nil {
			return nil, err
		}
		off += n

		if off+model.CIDSize > len(clusterBytes) {
			return nil, fmt.Errorf("archive: truncated cid at offset %d", start)
		}
		var cid model.CID
		copy(cid[:], clusterBytes[off:off+model.CIDSize])
		off += model.CIDSize

		payloadLen, n, err := readUvarintAt(clusterBytes, off)
		if err != nil {
			return nil, err
		}
		off += n
		if off+int(payloadLen) > len(clusterBytes) {
			return nil, fmt.Errorf("archive: truncated payload at offset %d", start)
		}
		payload := clusterBytes[off : off+int(payloadLen)]
		off += int(payloadLen)

		sigLen, n, err := readUvarintAt(clusterBytes, off)
		if err != nil {
			return nil, err
		}
		off += n
		if off+int(sigLen) > len(clusterBytes) {
			return nil, fmt.Errorf("archive: truncated sig at offset %d", start)
		}
		sig := clusterBytes[off : off+int(sigLen)]
		off += int(sigLen)

		out = append(out, decodedMessage{
			event: model.Event{
				DID:     did,
				Path:    path,
				Seq:     seq,
				CID:     cid,
				Payload: payload,
				Sig:     sig,
			},
			offset: start,
			length: off - start,
		})
		prevPath = path
	}
	return out, nil
}

func uvarintBytes(x uint64) []byte {
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], x)
	return tmp[:n]
}

func readUvarintAt(b []byte, off int) (uint64, int, error) {
	if off >= len(b) {
		return 0, 0, fmt.Errorf("uvarint offset out of range")
	}
	v, n := binary.Uvarint(b[off:])
	if n <= 0 {
		return 0, 0, fmt.Errorf("invalid uvarint encoding")
	}
	return v, n, nil
}

func sharedPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
