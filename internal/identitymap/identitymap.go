// Package identitymap implements the memory-mapped, lock-free,
// open-addressed DID→key table of spec.md §4.1.
//
// Grounded on original_source/src/mmap_did_cache.rs (linear probing
// over a mmap'd slot array keyed by a truncated SHA-256 digest, with a
// valid/tombstone marker byte) and on the teacher's
// internal/probabilistic/bloom style of hand-rolled (de)serialization
// for the file header. mmap access itself uses golang.org/x/sys/unix,
// grounded in bureau-foundation-bureau and jinterlante1206-
// AleutianLocal, both of which require golang.org/x/sys.
package identitymap

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"sovereignhose/internal/model"
)

// HeaderSize is the fixed size of the Identity Map file header (§6).
const HeaderSize = 40

// Magic identifies an Identity Map file (§6: 0x4D4D4150_43414348, "MMAP"+"CACH").
const Magic uint64 = 0x4D4D415043414348

// Version is the on-disk format version written by this package.
const Version uint32 = 2

// MaxProbeLength bounds live-key probe chains (§3 invariant); exceeding
// it during lookup is treated as NotFound rather than scanning forever.
const MaxProbeLength = 128

// LoadFactorLimit is the load factor above which Insert reports Full (§3, §4.1).
const LoadFactorLimit = 0.75

var (
	// ErrNotFound is returned by Lookup on a definite miss.
	ErrNotFound = errors.New("identitymap: not found")
	// ErrFull is returned by Insert once count/capacity exceeds LoadFactorLimit.
	ErrFull = errors.New("identitymap: full, rebuild required")
	// ErrHeaderMismatch is fatal at open per §7.
	ErrHeaderMismatch = errors.New("identitymap: header magic or size mismatch")
)

type header struct {
	Magic      uint64
	Version    uint32
	Capacity   uint64
	Count      uint64
	Generation uint64
}

func (h *header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint64(buf[12:20], h.Capacity)
	binary.LittleEndian.PutUint64(buf[20:28], h.Count)
	binary.LittleEndian.PutUint64(buf[28:36], h.Generation)
	return buf
}

func unmarshalHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, ErrHeaderMismatch
	}
	h := header{
		Magic:      binary.LittleEndian.Uint64(buf[0:8]),
		Version:    binary.LittleEndian.Uint32(buf[8:12]),
		Capacity:   binary.LittleEndian.Uint64(buf[12:20]),
		Count:      binary.LittleEndian.Uint64(buf[20:28]),
		Generation: binary.LittleEndian.Uint64(buf[28:36]),
	}
	if h.Magic != Magic {
		return header{}, ErrHeaderMismatch
	}
	return h, nil
}

// Map is the mmap-backed Identity Map. It is safe for a single writer
// concurrent with many readers; the publication protocol below is what
// makes that safe without locks.
type Map struct {
	file     *os.File
	data     []byte // mmap of the whole file: header + capacity*80 slot bytes
	capacity uint64
	count    uint64 // atomic
	heap     *StringHeap
}

// Open maps an existing Identity Map file for read-mostly use plus
// inserts from a single writer goroutine.
func Open(path string, capacity uint64) (*Map, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("identitymap: open %s: %w", path, err)
	}

	wantSize := int64(HeaderSize) + int64(capacity)*model.IdentityRecordSize
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != wantSize {
		f.Close()
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrHeaderMismatch, wantSize, info.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(wantSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("identitymap: mmap: %w", err)
	}

	hdr, err := unmarshalHeader(data[:HeaderSize])
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	if hdr.Capacity != capacity {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: capacity mismatch", ErrHeaderMismatch)
	}

	heap, err := OpenStringHeap(path + ".strings")
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	m := &Map{file: f, data: data, capacity: capacity, heap: heap}
	atomic.StoreUint64(&m.count, hdr.Count)
	return m, nil
}

// Create creates and maps a new, empty Identity Map file of the given capacity.
func Create(path string, capacity uint64) (*Map, error) {
	size := int64(HeaderSize) + int64(capacity)*model.IdentityRecordSize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	hdr := header{Magic: Magic, Version: Version, Capacity: capacity}
	if _, err := f.WriteAt(hdr.marshal(), 0); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()

	heap, err := CreateStringHeap(path + ".strings")
	if err != nil {
		return nil, err
	}
	heap.Close()

	return Open(path, capacity)
}

// Close unmaps and closes the underlying file.
func (m *Map) Close() error {
	if err := unix.Munmap(m.data); err != nil {
		return err
	}
	if err := m.heap.Close(); err != nil {
		return err
	}
	return m.file.Close()
}

func didHash(did string) [16]byte {
	sum := sha256.Sum256([]byte(did))
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

func (m *Map) slotOffset(i uint64) int {
	return HeaderSize + int(i)*model.IdentityRecordSize
}

// slot is a thin view over one 80-byte record within the mmap.
type slot []byte

// ptr32 reinterprets a 4-byte window of the mmap as a *uint32 for
// atomic access. b must be exactly 4 bytes and 4-byte aligned, which
// slotOffset guarantees (HeaderSize and IdentityRecordSize are both
// multiples of 4, and offGeneration is itself a multiple of 4).
func ptr32(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[0]))
}

func (m *Map) slotAt(i uint64) slot {
	off := m.slotOffset(i)
	return slot(m.data[off : off+model.IdentityRecordSize])
}

// Slot layout (80 bytes total, see model.IdentityRecord and DESIGN.md
// for how this reconciles spec.md §3's internally-inconsistent
// field breakdown):
//
//	[0:16)   did_hash
//	[16]     key_type
//	[17]     key_len
//	[18:51)  key (33 bytes, compressed SEC1 form for both curves)
//	[51]     tombstone
//	[52:56)  padding
//	[56:60)  generation (4-byte aligned within the slot)
//	[60:80)  padding
const (
	offKeyType    = 16
	offKeyLen     = 17
	offKey        = 18
	keyFieldLen   = 33
	offTombstone  = 51
	offGeneration = 56
)

func (s slot) generation() uint32 {
	return atomic.LoadUint32(ptr32(s[offGeneration : offGeneration+4]))
}

func (s slot) setGeneration(g uint32) {
	atomic.StoreUint32(ptr32(s[offGeneration:offGeneration+4]), g)
}

func (s slot) didHash() [16]byte {
	var h [16]byte
	copy(h[:], s[0:16])
	return h
}

func (s slot) tombstone() bool { return s[offTombstone] != 0 }

// Lookup resolves a DID to its verifying key material (§4.1).
//
// Readers load `generation` with acquire ordering first (here, via
// atomic.LoadUint32, which the Go memory model guarantees synchronizes
// with the writer's atomic.StoreUint32 — Go has no separate
// acquire/release intrinsics, so a full sequentially-consistent atomic
// is used as the strictly-stronger substitute); if zero the slot is
// empty and probing stops.
func (m *Map) Lookup(did string) (model.KeyRef, error) {
	dh := didHash(did)
	start := binary.LittleEndian.Uint64(dh[:8]) % m.capacity

	i := start
	for probes := 0; probes < MaxProbeLength; probes++ {
		s := m.slotAt(i)
		gen := s.generation()
		if gen == 0 {
			return model.KeyRef{}, ErrNotFound
		}
		if s.didHash() == dh && !s.tombstone() {
			full, err := m.heap.Lookup(dh)
			if err == nil && full != did {
				// hash collision against a different DID; keep probing
			} else {
				keyType := model.KeyType(s[offKeyType])
				keyLen := s[offKeyLen]
				key := make([]byte, keyLen)
				copy(key, s[offKey:offKey+int(keyLen)])
				return model.KeyRef{KeyType: keyType, Key: key}, nil
			}
		}
		i = (i + 1) % m.capacity
	}
	return model.KeyRef{}, ErrNotFound
}

// Insert stages a record with generation=0, fully writes its payload,
// then publishes it with a release-ordered store of the real
// generation (§4.1's publication protocol). Bumps header Count only
// when the slot was previously empty; updating an already-live DID's
// key reuses its slot and must not inflate Count.
func (m *Map) Insert(did string, ref model.KeyRef) error {
	if float64(atomic.LoadUint64(&m.count))/float64(m.capacity) > LoadFactorLimit {
		return ErrFull
	}

	dh := didHash(did)
	start := binary.LittleEndian.Uint64(dh[:8]) % m.capacity

	i := start
	for probes := 0; probes < MaxProbeLength; probes++ {
		s := m.slotAt(i)
		gen := s.generation()
		if gen == 0 || (s.didHash() == dh) {
			if err := m.heap.Insert(dh, did); err != nil {
				return err
			}

			if len(ref.Key) > keyFieldLen {
				return fmt.Errorf("identitymap: key too long (%d > %d)", len(ref.Key), keyFieldLen)
			}

			copy(s[0:16], dh[:])
			s[offKeyType] = byte(ref.KeyType)
			s[offKeyLen] = byte(len(ref.Key))
			n := copy(s[offKey:offKey+keyFieldLen], ref.Key)
			for j := offKey + n; j < offKey+keyFieldLen; j++ {
				s[j] = 0
			}
			s[offTombstone] = 0 // tombstone=false

			newGen := gen + 1
			if newGen == 0 {
				newGen = 1
			}
			s.setGeneration(newGen)

			if gen == 0 {
				atomic.AddUint64(&m.count, 1)
			}
			m.writeHeaderCount()
			return nil
		}
		i = (i + 1) % m.capacity
	}
	return ErrFull
}

// Tombstone marks a DID's slot deleted without breaking its probe chain
// (mirrors original_source's remove_did: the slot is never zeroed).
func (m *Map) Tombstone(did string) bool {
	dh := didHash(did)
	start := binary.LittleEndian.Uint64(dh[:8]) % m.capacity

	i := start
	for probes := 0; probes < MaxProbeLength; probes++ {
		s := m.slotAt(i)
		if s.generation() != 0 && s.didHash() == dh {
			s[offTombstone] = 1
			return true
		}
		i = (i + 1) % m.capacity
	}
	return false
}

func (m *Map) writeHeaderCount() {
	binary.LittleEndian.PutUint64(m.data[20:28], atomic.LoadUint64(&m.count))
}

// Count returns the number of live (inserted) slots.
func (m *Map) Count() uint64 { return atomic.LoadUint64(&m.count) }

// Capacity returns the fixed slot capacity of the map.
func (m *Map) Capacity() uint64 { return m.capacity }
