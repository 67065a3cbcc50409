package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressCluster_RoundTrips(t *testing.T) {
	raw := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")

	compressed, err := compressCluster(raw, nil, 3)
	require.NoError(t, err)

	decompressed, err := decompressCluster(compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, decompressed)
}

func TestCompressDecompressCluster_WithContentDictionary(t *testing.T) {
	dict := []byte("app.bsky.feed.post common prefix bytes shared across clusters")
	raw := []byte("app.bsky.feed.post common prefix bytes shared across clusters plus some new content")

	compressed, err := compressCluster(raw, dict, 3)
	require.NoError(t, err)

	decompressed, err := decompressCluster(compressed, dict)
	require.NoError(t, err)
	assert.Equal(t, raw, decompressed)
}

func TestDataWriter_AppendThenReadFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	w, size, err := openDataWriter(path)
	require.NoError(t, err)
	defer w.close()
	assert.Equal(t, int64(0), size)

	payload := []byte("compressed cluster bytes")
	off, err := w.appendFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	got, err := w.readFrameAt(off, uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDataWriter_DetectsCRCMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	w, _, err := openDataWriter(path)
	require.NoError(t, err)
	defer w.close()

	payload := []byte("some bytes")
	off, err := w.appendFrame(payload)
	require.NoError(t, err)

	corruptOffset := int64(off) + frameHeaderSize
	_, err = w.file.WriteAt([]byte{0xFF}, corruptOffset)
	require.NoError(t, err)

	_, err = w.readFrameAt(off, uint32(len(payload)))
	assert.Error(t, err)
}

func TestDataWriter_MultipleFramesAppendSequentially(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	w, _, err := openDataWriter(path)
	require.NoError(t, err)
	defer w.close()

	off1, err := w.appendFrame([]byte("first"))
	require.NoError(t, err)
	off2, err := w.appendFrame([]byte("second-longer"))
	require.NoError(t, err)
	assert.Less(t, off1, off2)

	got1, err := w.readFrameAt(off1, uint32(len("first")))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got1)

	got2, err := w.readFrameAt(off2, uint32(len("second-longer")))
	require.NoError(t, err)
	assert.Equal(t, []byte("second-longer"), got2)
}
