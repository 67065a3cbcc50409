package archive

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// frameHeaderSize is the fixed length-prefix before each compressed
// cluster in a shard's data file: a u32 payload length. The CRC32
// trailer that follows is frameTrailerSize bytes, mirroring
// internal/wal.go's CRC32-over-payload framing and
// internal/sstable/writer.go's length-prefixed block layout, merged
// into one variable-length (rather than fixed-block) frame since
// cluster sizes vary with compression ratio.
const (
	frameHeaderSize  = 4
	frameTrailerSize = 4
)

// dataWriter appends length+CRC framed compressed clusters to one
// shard's data file, returning each frame's absolute byte offset.
type dataWriter struct {
	file *os.File
}

func openDataWriter(path string) (*dataWriter, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return &dataWriter{file: f}, info.Size(), nil
}

// appendFrame writes one length+CRC framed cluster at the current end
// of file and returns its starting offset.
func (w *dataWriter) appendFrame(compressed []byte) (uint64, error) {
	off, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	hdr := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(hdr, uint32(len(compressed)))

	crc := crc32.ChecksumIEEE(compressed)
	trailer := make([]byte, frameTrailerSize)
	binary.LittleEndian.PutUint32(trailer, crc)

	if _, err := w.file.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := w.file.Write(compressed); err != nil {
		return 0, err
	}
	if _, err := w.file.Write(trailer); err != nil {
		return 0, err
	}
	return uint64(off), nil
}

func (w *dataWriter) close() error { return w.file.Close() }

// readFrameAt reads and CRC-validates the compressed cluster starting
// at off, returning the compressed cluster bytes.
func (w *dataWriter) readFrameAt(off uint64, clen uint32) ([]byte, error) {
	buf := make([]byte, frameHeaderSize+int(clen)+frameTrailerSize)
	if _, err := w.file.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	payloadLen := binary.LittleEndian.Uint32(buf[:frameHeaderSize])
	if payloadLen != clen {
		return nil, fmt.Errorf("archive: frame length mismatch at offset %d: index says %d, frame says %d", off, clen, payloadLen)
	}
	compressed := buf[frameHeaderSize : frameHeaderSize+int(clen)]
	wantCRC := binary.LittleEndian.Uint32(buf[frameHeaderSize+int(clen):])
	if crc32.ChecksumIEEE(compressed) != wantCRC {
		return nil, fmt.Errorf("archive: crc mismatch at offset %d", off)
	}
	return compressed, nil
}

// compressCluster zstd-compresses raw cluster bytes, optionally primed
// with a content dictionary of recently-seen cluster bytes (§4.5's
// "per-shard trained dictionary" — klauspost/compress/zstd does not
// ship a COVER-style dictionary trainer, so the dictionary here is the
// raw content of the previous sealed cluster rather than a statistically
// trained one; see DESIGN.md).
func compressCluster(raw, dict []byte, level int) ([]byte, error) {
	opts := []zstd.EOption{zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level))}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithEncoderDict(dict))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decompressCluster(compressed, dict []byte) ([]byte, error) {
	opts := []zstd.DOption{}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithDecoderDicts(dict))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}
