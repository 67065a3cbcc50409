package identitymap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringHeap_InsertThenLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.strings")
	h, err := CreateStringHeap(path)
	require.NoError(t, err)
	defer h.Close()

	dh := didHash("did:plc:alice")
	require.NoError(t, h.Insert(dh, "did:plc:alice"))

	got, err := h.Lookup(dh)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", got)
}

func TestStringHeap_LookupMissingReturnsErrNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.strings")
	h, err := CreateStringHeap(path)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Lookup(didHash("did:plc:never-inserted"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStringHeap_InsertIsIdempotentForSameHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.strings")
	h, err := CreateStringHeap(path)
	require.NoError(t, err)
	defer h.Close()

	dh := didHash("did:plc:bob")
	require.NoError(t, h.Insert(dh, "did:plc:bob"))
	require.NoError(t, h.Insert(dh, "did:plc:bob"))

	info, err := h.file.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(4+len("did:plc:bob")), info.Size(), "second insert of the same hash should not append again")
}

func TestOpenStringHeap_ReloadsPersistedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.strings")
	h1, err := CreateStringHeap(path)
	require.NoError(t, err)

	dh := didHash("did:plc:carol")
	require.NoError(t, h1.Insert(dh, "did:plc:carol"))
	require.NoError(t, h1.Close())

	h2, err := OpenStringHeap(path)
	require.NoError(t, err)
	defer h2.Close()

	got, err := h2.Lookup(dh)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:carol", got)
}
