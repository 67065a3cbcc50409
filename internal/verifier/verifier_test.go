package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovereignhose/internal/codec"
	"sovereignhose/internal/identitymap"
	"sovereignhose/internal/metrics"
	"sovereignhose/internal/model"
)

// The helpers below build a synthetic firehose frame the same way
// codec_test.go does, so this test exercises the real
// codec.Decode->Canonical path rather than hand-rolling a hash that
// production's verify() (which hashes ev.Canonical, not ev.Payload)
// would never actually see.

type testRepoOp struct {
	Action string `cbor:"action"`
	Path   string `cbor:"path"`
}

type testCommitPayload struct {
	Ops    []testRepoOp `cbor:"ops"`
	Blocks []byte       `cbor:"blocks"`
}

type testRawCommit struct {
	DID  string `cbor:"did"`
	Sig  []byte `cbor:"sig"`
	Data []byte `cbor:"data"`
}

func putTestUvarint(buf []byte, x uint64) []byte {
	for x >= 0x80 {
		buf = append(buf, byte(x)|0x80)
		x >>= 7
	}
	return append(buf, byte(x))
}

func testCIDV1Block(data []byte) []byte {
	digest := sha256.Sum256(data)
	block := []byte{0x01, 0x71} // version 1, dag-cbor codec
	block = putTestUvarint(block, 0x12) // sha2-256 multihash code
	block = putTestUvarint(block, 32)   // digest length
	block = append(block, digest[:]...)
	return append(block, data...)
}

// buildSyntheticFrame wraps commit into the same two-part CBOR
// envelope (header value, then a payload value carrying ops/blocks)
// that a real firehose websocket message uses.
func buildSyntheticFrame(t *testing.T, commit testRawCommit, path string) []byte {
	t.Helper()

	headerVal, err := cbor.Marshal(map[string]interface{}{"op": int64(1), "t": "#commit"})
	require.NoError(t, err)

	header := []byte{0xA0} // empty CBOR map, one byte, as the CAR header block payload
	var blocks []byte
	blocks = putTestUvarint(blocks, uint64(len(header)))
	blocks = append(blocks, header...)

	commitBytes, err := cbor.Marshal(commit)
	require.NoError(t, err)
	commitBlock := testCIDV1Block(commitBytes)
	blocks = putTestUvarint(blocks, uint64(len(commitBlock)))
	blocks = append(blocks, commitBlock...)

	payload := testCommitPayload{Ops: []testRepoOp{{Action: "create", Path: path}}, Blocks: blocks}
	payloadVal, err := cbor.Marshal(payload)
	require.NoError(t, err)

	frame := make([]byte, 0, len(headerVal)+len(payloadVal))
	frame = append(frame, headerVal...)
	frame = append(frame, payloadVal...)
	return frame
}

func newTestPool(t *testing.T, workers int) (*Pool, *identitymap.Map) {
	t.Helper()
	idmap, err := identitymap.Create(filepath.Join(t.TempDir(), "identity.map"), 128)
	require.NoError(t, err)
	t.Cleanup(func() { idmap.Close() })
	return New(workers, idmap, metrics.New()), idmap
}

func TestVerifySecp256k1_ValidSignaturePasses(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	payload := []byte("hello firehose")
	hash := sha256.Sum256(payload)

	sig := dcrecdsa.SignCompact(priv, hash[:], false)
	// SignCompact returns a 65-byte recoverable signature (1-byte
	// recovery id + R||S); the wire signature is the raw 64-byte R||S.
	raw := sig[1:]

	ok, err := pool.verifySecp256k1(priv.PubKey().SerializeCompressed(), raw, hash[:])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifySecp256k1_TamperedPayloadFails(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	hash := sha256.Sum256([]byte("original"))
	sig := dcrecdsa.SignCompact(priv, hash[:], false)

	tamperedHash := sha256.Sum256([]byte("tampered"))
	ok, err := pool.verifySecp256k1(priv.PubKey().SerializeCompressed(), sig[1:], tamperedHash[:])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyP256_ValidSignaturePasses(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	payload := []byte("hello p256")
	hash := sha256.Sum256(payload)

	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	require.NoError(t, err)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	pub := elliptic.MarshalCompressed(elliptic.P256(), priv.X, priv.Y)
	ok, err := pool.verifyP256(pub, sig, hash[:])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPool_ProcessVerifiesAndForwardsEvent(t *testing.T) {
	pool, idmap := newTestPool(t, 1)

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, idmap.Insert("did:plc:signer", model.KeyRef{
		KeyType: model.KeyTypeSecp256k1,
		Key:     priv.PubKey().SerializeCompressed(),
	}))

	payload := []byte("archived event")

	// The signature covers the canonical, sig-stripped commit bytes,
	// not the raw payload (verify() hashes ev.Canonical). Decode a
	// frame with a placeholder signature first to learn what those
	// canonical bytes are, since canonicalizeCommit strips "sig"
	// entirely regardless of its content.
	draft, err := codec.Decode(buildSyntheticFrame(t, testRawCommit{
		DID:  "did:plc:signer",
		Sig:  []byte("placeholder"),
		Data: payload,
	}, "app.bsky.feed.post/1"), 1)
	require.NoError(t, err)

	hash := sha256.Sum256(draft.Canonical)
	sig := dcrecdsa.SignCompact(priv, hash[:], false)

	ev, err := codec.Decode(buildSyntheticFrame(t, testRawCommit{
		DID:  "did:plc:signer",
		Sig:  sig[1:],
		Data: payload,
	}, "app.bsky.feed.post/1"), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.NoError(t, pool.Submit(ctx, ev))

	select {
	case verified := <-pool.Out():
		assert.Equal(t, "did:plc:signer", verified.DID)
		assert.Equal(t, model.KeyTypeSecp256k1, verified.KeyRef.KeyType)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for verified event")
	}
}

func TestPool_ProcessDropsUnknownDID(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.NoError(t, pool.Submit(ctx, model.Event{DID: "did:plc:never-registered"}))

	select {
	case <-pool.Out():
		t.Fatal("event with unknown DID should never reach Out()")
	case <-time.After(200 * time.Millisecond):
	}
}
