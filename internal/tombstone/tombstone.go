// Package tombstone implements the 512 MiB mmap-backed atomic bitset of
// spec.md §4.7, addressed by the global 32-bit sequence.
//
// Grounded on internal/identitymap's mmap-via-golang.org/x/sys/unix
// approach (same file family, same open/atomic pattern) and on
// original_source/src/mmap_did_cache.rs's release-fence-before-publish
// idiom, here applied to individual bits via atomic fetch-or instead of
// a whole-record publish.
package tombstone

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Size is the fixed lattice file size (§6): 512 MiB, one bit per
// possible uint32 sequence value (4,294,967,296 bits / 8 = 512 MiB).
const Size = 512 * 1024 * 1024

// Lattice is the mmap-backed tombstone bitset.
type Lattice struct {
	file *os.File
	data []byte
}

// Open maps tombstones.bin, creating and zero-filling it if absent so
// the lattice persists across runs (§4.7).
func Open(path string) (*Lattice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("tombstone: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != Size {
		if err := f.Truncate(Size); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tombstone: mmap: %w", err)
	}

	return &Lattice{file: f, data: data}, nil
}

// Close unmaps and closes the underlying file.
func (l *Lattice) Close() error {
	if err := unix.Munmap(l.data); err != nil {
		return err
	}
	return l.file.Close()
}

func (l *Lattice) wordPtr(seq uint32) *uint64 {
	wordIdx := seq / 64
	off := int(wordIdx) * 8
	return (*uint64)(unsafe.Pointer(&l.data[off]))
}

// Set marks seq tombstoned. Idempotent, implemented as a per-word
// atomic fetch-or with a Go memory-model atomic store, which acts as
// the release side of the set/get pair (§4.7, §5).
func (l *Lattice) Set(seq uint32) {
	bit := uint64(1) << (seq % 64)
	p := l.wordPtr(seq)
	for {
		old := atomic.LoadUint64(p)
		if old&bit != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(p, old, old|bit) {
			return
		}
	}
}

// Get reports whether seq is tombstoned. The acquire-ordered load here
// pairs with Set's release-ordered store per the Go memory model's
// happens-before guarantee for atomics (§5): a Set that completes
// before a Get begins is guaranteed visible to that Get.
func (l *Lattice) Get(seq uint32) bool {
	bit := uint64(1) << (seq % 64)
	return atomic.LoadUint64(l.wordPtr(seq))&bit != 0
}
