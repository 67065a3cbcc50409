package index

import (
	"encoding/binary"
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"sovereignhose/internal/model"
)

// ErrNotFound is returned by PathHashIndex.Lookup on a definite miss.
var ErrNotFound = errors.New("index: not found")

// pathHashSlotSize is one open-addressed slot: 8-byte path hash +
// IndexRecordSize bytes + 1 tombstone byte, padded to 4-byte alignment.
const pathHashSlotSize = 8 + model.IndexRecordSize + 4

// PathHashIndex is an open-addressed table resolving a record path's
// 64-bit hash to its IndexRecord, with tombstone-on-delete semantics so
// a superseded or deleted path lookup correctly misses without
// disturbing the probe chain for colliding paths (§4.6).
type PathHashIndex struct {
	file     *os.File
	data     []byte
	capacity uint64
}

// OpenPathHashIndex opens or creates a path-hash index of the given slot capacity.
func OpenPathHashIndex(path string, capacity uint64) (*PathHashIndex, error) {
	size := int64(capacity) * pathHashSlotSize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &PathHashIndex{file: f, data: data, capacity: capacity}, nil
}

func (p *PathHashIndex) slot(i uint64) []byte {
	off := i * pathHashSlotSize
	return p.data[off : off+pathHashSlotSize]
}

const (
	offHash      = 0
	offRecord    = 8
	offTombstone = 8 + model.IndexRecordSize
)

// Insert stores rec under pathHash, probing linearly past occupied slots.
func (p *PathHashIndex) Insert(pathHash uint64, rec model.IndexRecord) error {
	start := pathHash % p.capacity
	for probes := uint64(0); probes < p.capacity; probes++ {
		i := (start + probes) % p.capacity
		s := p.slot(i)
		existingHash := binary.LittleEndian.Uint64(s[offHash : offHash+8])
		occupied := existingHash != 0 && s[offTombstone] == 0
		if !occupied {
			binary.LittleEndian.PutUint64(s[offHash:offHash+8], pathHash)
			marshalIndexRecord(s[offRecord:offRecord+model.IndexRecordSize], rec)
			s[offTombstone] = 0
			return nil
		}
		if existingHash == pathHash {
			// Same path hash re-archived (e.g. a record update):
			// overwrite in place rather than growing the probe chain.
			marshalIndexRecord(s[offRecord:offRecord+model.IndexRecordSize], rec)
			return nil
		}
	}
	return errors.New("index: path-hash table full")
}

// Lookup resolves a path hash to its most recently inserted IndexRecord.
func (p *PathHashIndex) Lookup(pathHash uint64) (model.IndexRecord, error) {
	start := pathHash % p.capacity
	for probes := uint64(0); probes < p.capacity; probes++ {
		i := (start + probes) % p.capacity
		s := p.slot(i)
		existingHash := binary.LittleEndian.Uint64(s[offHash : offHash+8])
		if existingHash == 0 && s[offTombstone] == 0 {
			return model.IndexRecord{}, ErrNotFound
		}
		if existingHash == pathHash && s[offTombstone] == 0 {
			return unmarshalIndexRecord(s[offRecord : offRecord+model.IndexRecordSize]), nil
		}
	}
	return model.IndexRecord{}, ErrNotFound
}

// Tombstone marks pathHash's entry deleted without breaking the probe chain.
func (p *PathHashIndex) Tombstone(pathHash uint64) bool {
	start := pathHash % p.capacity
	for probes := uint64(0); probes < p.capacity; probes++ {
		i := (start + probes) % p.capacity
		s := p.slot(i)
		existingHash := binary.LittleEndian.Uint64(s[offHash : offHash+8])
		if existingHash == pathHash && s[offTombstone] == 0 {
			s[offTombstone] = 1
			return true
		}
		if existingHash == 0 && s[offTombstone] == 0 {
			return false
		}
	}
	return false
}

// Close unmaps and closes the underlying file.
func (p *PathHashIndex) Close() error {
	if err := unix.Munmap(p.data); err != nil {
		return err
	}
	return p.file.Close()
}
