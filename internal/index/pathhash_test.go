package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovereignhose/internal/model"
)

func TestPathHashIndex_InsertThenLookup(t *testing.T) {
	idx, err := OpenPathHashIndex(filepath.Join(t.TempDir(), "pathhash.idx"), 64)
	require.NoError(t, err)
	defer idx.Close()

	rec := model.IndexRecord{BinOff: 10, PathHash: 555}
	require.NoError(t, idx.Insert(555, rec))

	got, err := idx.Lookup(555)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestPathHashIndex_LookupMissReturnsErrNotFound(t *testing.T) {
	idx, err := OpenPathHashIndex(filepath.Join(t.TempDir(), "pathhash.idx"), 64)
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Lookup(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPathHashIndex_ReinsertSameHashOverwrites(t *testing.T) {
	idx, err := OpenPathHashIndex(filepath.Join(t.TempDir(), "pathhash.idx"), 64)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Insert(7, model.IndexRecord{BinOff: 1}))
	require.NoError(t, idx.Insert(7, model.IndexRecord{BinOff: 2}))

	got, err := idx.Lookup(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.BinOff)
}

func TestPathHashIndex_TombstoneThenLookupMisses(t *testing.T) {
	idx, err := OpenPathHashIndex(filepath.Join(t.TempDir(), "pathhash.idx"), 64)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Insert(42, model.IndexRecord{BinOff: 1}))
	assert.True(t, idx.Tombstone(42))

	_, err = idx.Lookup(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPathHashIndex_CollisionsProbeToDistinctSlots(t *testing.T) {
	idx, err := OpenPathHashIndex(filepath.Join(t.TempDir(), "pathhash.idx"), 4)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Insert(4, model.IndexRecord{BinOff: 1}))
	require.NoError(t, idx.Insert(8, model.IndexRecord{BinOff: 2}))

	got4, err := idx.Lookup(4)
	require.NoError(t, err)
	got8, err := idx.Lookup(8)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), got4.BinOff)
	assert.Equal(t, uint64(2), got8.BinOff)
}
