package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovereignhose/internal/model"
)

func sampleEvents() []model.Event {
	var cidA, cidB model.CID
	cidA[0] = 1
	cidB[0] = 2
	return []model.Event{
		{
			DID:     "did:plc:aaaa",
			Path:    "app.bsky.feed.post/1",
			Seq:     1,
			CID:     cidA,
			Payload: []byte("hello world"),
			Sig:     []byte("sig-a"),
		},
		{
			DID:     "did:plc:aaaa",
			Path:    "app.bsky.feed.post/2",
			Seq:     2,
			CID:     cidB,
			Payload: []byte("second payload"),
			Sig:     []byte("sig-b"),
		},
	}
}

func TestEncodeDecodeCluster_RoundTrips(t *testing.T) {
	events := sampleEvents()
	raw, spans := encodeCluster(events)
	require.Len(t, spans, len(events))

	decoded, err := decodeCluster(raw)
	require.NoError(t, err)
	require.Len(t, decoded, len(events))

	for i, want := range events {
		got := decoded[i].event
		assert.Equal(t, want.DID, got.DID)
		assert.Equal(t, want.Path, got.Path)
		assert.Equal(t, want.Seq, got.Seq)
		assert.Equal(t, want.CID, got.CID)
		assert.Equal(t, want.Payload, got.Payload)
		assert.Equal(t, want.Sig, got.Sig)
	}
}

func TestEncodeCluster_SpansLocateEachMessage(t *testing.T) {
	events := sampleEvents()
	raw, spans := encodeCluster(events)

	decoded, err := decodeCluster(raw[:spans[0].offset+spans[0].length])
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, events[0].Path, decoded[0].event.Path)
}

func TestSharedPrefixLen(t *testing.T) {
	assert.Equal(t, 0, sharedPrefixLen("", "abc"))
	assert.Equal(t, 4, sharedPrefixLen("app.bsky", "app.xyz"))
	assert.Equal(t, 5, sharedPrefixLen("hello", "hello world"))
}

func TestPathHash_Deterministic(t *testing.T) {
	assert.Equal(t, PathHash("a/b/c"), PathHash("a/b/c"))
	assert.NotEqual(t, PathHash("a/b/c"), PathHash("a/b/d"))
}

func TestDecodeCluster_RejectsTruncatedInput(t *testing.T) {
	raw, _ := encodeCluster(sampleEvents())
	_, err := decodeCluster(raw[:len(raw)-1])
	assert.Error(t, err)
}
