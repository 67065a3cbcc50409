package archive

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// recoverTail scans a shard's data file from the start, validating
// each frame's CRC, and stops at the first frame that is either
// incomplete (process crashed mid-write) or CRC-corrupt. It does not
// modify the file; truncateToValidLen cuts it to the returned length. This
// mirrors internal/wal.go's CRC32-per-record recovery contract,
// generalized from per-record WAL replay to per-cluster archive replay.
//
// Returns the validated length of the file (the offset to truncate to)
// and the number of whole, valid frames found.
func recoverTail(path string) (validLen int64, frameCount int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	size := info.Size()

	var off int64
	for off < size {
		hdr := make([]byte, frameHeaderSize)
		if _, err := f.ReadAt(hdr, off); err != nil {
			break
		}
		payloadLen := int64(binary.LittleEndian.Uint32(hdr))
		frameLen := int64(frameHeaderSize) + payloadLen + int64(frameTrailerSize)
		if off+frameLen > size {
			break // truncated tail: incomplete frame from a crash mid-write
		}

		body := make([]byte, payloadLen+int64(frameTrailerSize))
		if _, err := f.ReadAt(body, off+frameHeaderSize); err != nil {
			break
		}
		compressed := body[:payloadLen]
		wantCRC := binary.LittleEndian.Uint32(body[payloadLen:])
		if crc32.ChecksumIEEE(compressed) != wantCRC {
			break // corrupt frame: stop before it
		}

		off += frameLen
		frameCount++
	}
	return off, frameCount, nil
}

// replayMessages walks every valid frame up to validLen, decompressing
// each with the same evolving content dictionary updateDict would have
// built at write time, and returns the true archived message count
// (frameCount undercounts whenever a flush packed more than one message
// into a frame) along with the dictionary state a fresh Shard needs to
// decode the next cluster correctly.
func replayMessages(path string, validLen int64, dictMaxBytes int) (messageCount uint64, dict []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	defer f.Close()

	var off int64
	for off < validLen {
		hdr := make([]byte, frameHeaderSize)
		if _, err := f.ReadAt(hdr, off); err != nil {
			return 0, nil, err
		}
		payloadLen := int64(binary.LittleEndian.Uint32(hdr))
		compressed := make([]byte, payloadLen)
		if _, err := f.ReadAt(compressed, off+frameHeaderSize); err != nil {
			return 0, nil, err
		}

		raw, err := decompressCluster(compressed, dict)
		if err != nil {
			return 0, nil, fmt.Errorf("archive: replay decompress at %d: %w", off, err)
		}
		msgs, err := decodeCluster(raw)
		if err != nil {
			return 0, nil, fmt.Errorf("archive: replay decode at %d: %w", off, err)
		}
		messageCount += uint64(len(msgs))

		dictSrc := raw
		if len(dictSrc) > dictMaxBytes {
			dictSrc = dictSrc[len(dictSrc)-dictMaxBytes:]
		}
		dict = make([]byte, len(dictSrc))
		copy(dict, dictSrc)

		off += int64(frameHeaderSize) + payloadLen + int64(frameTrailerSize)
	}
	return messageCount, dict, nil
}

// truncateToValidLen drops any bytes past validLen from path, the
// recovery action taken once recoverTail has located the last
// known-good frame boundary.
func truncateToValidLen(path string, validLen int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == validLen {
		return nil
	}
	if err := f.Truncate(validLen); err != nil {
		return err
	}
	_, err = f.Seek(0, io.SeekEnd)
	return err
}
