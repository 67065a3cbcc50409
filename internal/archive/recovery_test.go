package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverTail_MissingFileIsEmpty(t *testing.T) {
	validLen, count, err := recoverTail(filepath.Join(t.TempDir(), "missing.clv"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), validLen)
	assert.Equal(t, 0, count)
}

func TestRecoverTail_AllFramesValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	w, _, err := openDataWriter(path)
	require.NoError(t, err)

	_, err = w.appendFrame([]byte("one"))
	require.NoError(t, err)
	_, err = w.appendFrame([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, w.close())

	info, err := os.Stat(path)
	require.NoError(t, err)

	validLen, count, err := recoverTail(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), validLen)
	assert.Equal(t, 2, count)
}

func TestRecoverTail_TruncatesIncompleteTailFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	w, _, err := openDataWriter(path)
	require.NoError(t, err)

	off1, err := w.appendFrame([]byte("complete"))
	require.NoError(t, err)
	_, err = w.appendFrame([]byte("will be chopped"))
	require.NoError(t, err)
	require.NoError(t, w.close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	validLen, count, err := recoverTail(path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Greater(t, validLen, int64(off1))
}

func TestRecoverTail_StopsAtCorruptCRC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	w, _, err := openDataWriter(path)
	require.NoError(t, err)

	off1, err := w.appendFrame([]byte("good"))
	require.NoError(t, err)
	off2, err := w.appendFrame([]byte("corrupted"))
	require.NoError(t, err)
	require.NoError(t, w.close())

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(off2)+frameHeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	validLen, count, err := recoverTail(path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(off2), validLen)
	assert.Greater(t, validLen, int64(off1))
}

func TestTruncateToValidLen_DropsTrailingBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	require.NoError(t, truncateToValidLen(path, 5))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
}

func TestTruncateToValidLen_NoopWhenAlreadyCorrectSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	require.NoError(t, truncateToValidLen(path, 5))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
}

func TestTruncateToValidLen_MissingFileIsNoop(t *testing.T) {
	err := truncateToValidLen(filepath.Join(t.TempDir(), "missing.clv"), 0)
	assert.NoError(t, err)
}
