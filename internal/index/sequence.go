// Package index implements the dense sequence index and open-addressed
// path-hash index of spec.md §4.6, both resolving to a
// model.IndexRecord locating one archived message within a shard's
// Clustered Virtual Log.
//
// Grounded on internal/identitymap's mmap-file approach (same
// golang.org/x/sys/unix mapping, same fixed-record-size slot math),
// here applied to two different access patterns: a dense array
// addressed by a message's shard-local position, and an open-addressed table
// keyed by a 64-bit path hash.
package index

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"sovereignhose/internal/model"
)

// SequenceIndex is a dense, append-only, mmap-backed array of
// IndexRecords addressed directly by the per-shard local position
// (IndexRecord.LocalPos), not by the global sequence number.
type SequenceIndex struct {
	file *os.File
	data []byte
	cap  uint64 // in records
}

// growStep is how many additional records are reserved each time the
// mapped region is extended, so Append doesn't remap on every call.
const growStep = 1 << 16

// OpenSequenceIndex opens or creates the dense sequence index file.
func OpenSequenceIndex(path string) (*SequenceIndex, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	capRecords := uint64(info.Size()) / model.IndexRecordSize
	if capRecords == 0 {
		capRecords = growStep
		if err := f.Truncate(int64(capRecords) * model.IndexRecordSize); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(capRecords)*model.IndexRecordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &SequenceIndex{file: f, data: data, cap: capRecords}, nil
}

func (s *SequenceIndex) grow(minRecords uint64) error {
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	newCap := s.cap
	for newCap < minRecords {
		newCap += growStep
	}
	if err := s.file.Truncate(int64(newCap) * model.IndexRecordSize); err != nil {
		return err
	}
	data, err := unix.Mmap(int(s.file.Fd()), 0, int(newCap)*model.IndexRecordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	s.data = data
	s.cap = newCap
	return nil
}

// Put writes rec at position pos, growing the mapped file if needed.
func (s *SequenceIndex) Put(pos uint64, rec model.IndexRecord) error {
	if pos >= s.cap {
		if err := s.grow(pos + 1); err != nil {
			return err
		}
	}
	marshalIndexRecord(s.data[pos*model.IndexRecordSize:], rec)
	return nil
}

// Get reads the record at pos.
func (s *SequenceIndex) Get(pos uint64) (model.IndexRecord, error) {
	if pos >= s.cap {
		return model.IndexRecord{}, fmt.Errorf("index: position %d out of range (cap %d)", pos, s.cap)
	}
	return unmarshalIndexRecord(s.data[pos*model.IndexRecordSize:]), nil
}

// Close unmaps and closes the file.
func (s *SequenceIndex) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	return s.file.Close()
}

func marshalIndexRecord(b []byte, rec model.IndexRecord) {
	binary.LittleEndian.PutUint64(b[0:8], rec.BinOff)
	binary.LittleEndian.PutUint32(b[8:12], rec.CLen)
	binary.LittleEndian.PutUint32(b[12:16], rec.InnerOff)
	binary.LittleEndian.PutUint32(b[16:20], rec.ILen)
	binary.LittleEndian.PutUint64(b[20:28], rec.PathHash)
	binary.LittleEndian.PutUint64(b[28:36], rec.LocalPos)
}

func unmarshalIndexRecord(b []byte) model.IndexRecord {
	return model.IndexRecord{
		BinOff:   binary.LittleEndian.Uint64(b[0:8]),
		CLen:     binary.LittleEndian.Uint32(b[8:12]),
		InnerOff: binary.LittleEndian.Uint32(b[12:16]),
		ILen:     binary.LittleEndian.Uint32(b[16:20]),
		PathHash: binary.LittleEndian.Uint64(b[20:28]),
		LocalPos: binary.LittleEndian.Uint64(b[28:36]),
	}
}
