package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovereignhose/internal/model"
)

func writeTestCluster(t *testing.T, w *dataWriter, events []model.Event) (model.IndexRecord, []model.IndexRecord) {
	t.Helper()

	raw, spans := encodeCluster(events)
	compressed, err := compressCluster(raw, nil, 3)
	require.NoError(t, err)

	off, err := w.appendFrame(compressed)
	require.NoError(t, err)

	recs := make([]model.IndexRecord, len(spans))
	for i, sp := range spans {
		recs[i] = model.IndexRecord{
			BinOff:   off,
			CLen:     uint32(len(compressed)),
			InnerOff: uint32(sp.offset),
			ILen:     uint32(sp.length),
			PathHash: sp.pathHash,
		}
	}
	return recs[len(recs)-1], recs
}

func TestReader_ReadsBackEncodedEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	w, _, err := openDataWriter(path)
	require.NoError(t, err)
	defer w.close()

	events := []model.Event{
		{DID: "did:plc:alice", Path: "app.bsky.feed.post/1", Seq: 1, Payload: []byte("hello")},
		{DID: "did:plc:alice", Path: "app.bsky.feed.post/2", Seq: 2, Payload: []byte("world")},
	}
	_, recs := writeTestCluster(t, w, events)

	r := newReader(w, NewClusterCache(4), nil)

	got, err := r.Read(recs[0])
	require.NoError(t, err)
	assert.Equal(t, events[0].DID, got.DID)
	assert.Equal(t, events[0].Path, got.Path)
	assert.Equal(t, events[0].Payload, got.Payload)

	got2, err := r.Read(recs[1])
	require.NoError(t, err)
	assert.Equal(t, events[1].Path, got2.Path)
	assert.Equal(t, events[1].Payload, got2.Payload)
}

func TestReader_CachesDecompressedCluster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	w, _, err := openDataWriter(path)
	require.NoError(t, err)
	defer w.close()

	events := []model.Event{
		{DID: "did:plc:bob", Path: "app.bsky.feed.like/1", Seq: 1, Payload: []byte("x")},
	}
	_, recs := writeTestCluster(t, w, events)

	cache := NewClusterCache(4)
	r := newReader(w, cache, nil)

	_, ok := cache.Get(recs[0].BinOff)
	assert.False(t, ok)

	_, err = r.Read(recs[0])
	require.NoError(t, err)

	_, ok = cache.Get(recs[0].BinOff)
	assert.True(t, ok, "Read should populate the cluster cache")
}

func TestReader_OutOfBoundsIndexRecordErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.clv")
	w, _, err := openDataWriter(path)
	require.NoError(t, err)
	defer w.close()

	events := []model.Event{
		{DID: "did:plc:carol", Path: "app.bsky.feed.post/1", Seq: 1, Payload: []byte("y")},
	}
	_, recs := writeTestCluster(t, w, events)

	bad := recs[0]
	bad.ILen += 1000
	r := newReader(w, NewClusterCache(4), nil)

	_, err = r.Read(bad)
	assert.Error(t, err)
}
