package identitymap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// StringHeap is the sidecar `<name>.strings` file (§6): a length-
// prefixed UTF-8 append log of full DID strings, used to disambiguate
// did_hash collisions in the 16-byte truncated key space. It is kept
// fully in memory alongside the append-only file, which is small
// relative to the mmap table itself (one entry per live DID, not per
// slot).
type StringHeap struct {
	mu     sync.RWMutex
	file   *os.File
	byHash map[[16]byte]string
}

// CreateStringHeap creates an empty sidecar file.
func CreateStringHeap(path string) (*StringHeap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &StringHeap{file: f, byHash: make(map[[16]byte]string)}, nil
}

// OpenStringHeap opens (creating if absent) and loads an existing sidecar file.
func OpenStringHeap(path string) (*StringHeap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	h := &StringHeap{file: f, byHash: make(map[[16]byte]string)}
	if err := h.load(); err != nil {
		f.Close()
		return nil, err
	}
	return h, nil
}

func (h *StringHeap) load() error {
	if _, err := h.file.Seek(0, 0); err != nil {
		return err
	}
	r := bufio.NewReader(h.file)
	for {
		var lenBuf [4]byte
		if _, err := readFull(r, lenBuf[:]); err != nil {
			break
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := readFull(r, buf); err != nil {
			break
		}
		did := string(buf)
		h.byHash[hashKey(did)] = did
	}
	_, err := h.file.Seek(0, 2)
	return err
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func hashKey(did string) [16]byte {
	return didHash(did)
}

// Insert appends did to the heap, indexed by its did_hash. A no-op if
// the hash is already present (e.g. re-publishing the same DID).
func (h *StringHeap) Insert(dh [16]byte, did string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byHash[dh]; ok {
		return nil
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(did)))
	if _, err := h.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("identitymap: string heap append: %w", err)
	}
	if _, err := h.file.WriteString(did); err != nil {
		return fmt.Errorf("identitymap: string heap append: %w", err)
	}

	h.byHash[dh] = did
	return nil
}

// Lookup returns the full DID for a did_hash, used to disambiguate
// collisions between distinct DIDs that hash to the same 16 bytes.
func (h *StringHeap) Lookup(dh [16]byte) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	did, ok := h.byHash[dh]
	if !ok {
		return "", ErrNotFound
	}
	return did, nil
}

// Close flushes and closes the underlying file.
func (h *StringHeap) Close() error {
	return h.file.Close()
}
