package tombstone

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLattice(t *testing.T) *Lattice {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "tombstones.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLattice_SetThenGet(t *testing.T) {
	l := openTestLattice(t)

	assert.False(t, l.Get(42), "unset sequence must read as not tombstoned")
	l.Set(42)
	assert.True(t, l.Get(42), "set sequence must read as tombstoned")
}

func TestLattice_SetIsIdempotent(t *testing.T) {
	l := openTestLattice(t)
	l.Set(1000)
	l.Set(1000)
	assert.True(t, l.Get(1000))
}

func TestLattice_DistinctBitsDoNotInterfere(t *testing.T) {
	l := openTestLattice(t)
	l.Set(0)
	l.Set(63)
	l.Set(64)

	assert.True(t, l.Get(0))
	assert.True(t, l.Get(63))
	assert.True(t, l.Get(64))
	assert.False(t, l.Get(1))
	assert.False(t, l.Get(65))
}

func TestLattice_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tombstones.bin")

	l1, err := Open(path)
	require.NoError(t, err)
	l1.Set(777)
	require.NoError(t, l1.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	assert.True(t, l2.Get(777), "tombstone bits must survive a close/reopen cycle")
}
