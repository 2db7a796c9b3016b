package verifier

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteseed/turbo-upload-service/crypto"
	"github.com/liteseed/turbo-upload-service/streamparser"
	"github.com/liteseed/turbo-upload-service/tag"
)

// buildSignedItem mirrors streamparser_test.go's buildRaw but signs the
// assembled deep hash for real with an ed25519 key, so the resulting bytes
// round-trip through both the streaming parser and an actual signature
// check rather than only exercising the framing.
func buildSignedItem(t *testing.T, tags []tag.Tag, payload []byte) (raw []byte, pub ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rawTags, err := tag.Serialize(&tags)
	require.NoError(t, err)

	digest := crypto.DeepHash([][]byte{
		[]byte("dataitem"), []byte("1"), []byte("2"),
		[]byte(pub), nil, nil, rawTags, payload,
	})
	signature := ed25519.Sign(priv, digest[:])

	raw = make([]byte, 0)
	raw = binary.LittleEndian.AppendUint16(raw, 2) // ed25519
	raw = append(raw, signature...)
	raw = append(raw, pub...)
	raw = append(raw, 0) // no target
	raw = append(raw, 0) // no anchor

	numTags := make([]byte, 8)
	binary.LittleEndian.PutUint64(numTags, uint64(len(tags)))
	raw = append(raw, numTags...)

	tagBytesLen := make([]byte, 8)
	binary.LittleEndian.PutUint64(tagBytesLen, uint64(len(rawTags)))
	raw = append(raw, tagBytesLen...)
	raw = append(raw, rawTags...)
	raw = append(raw, payload...)
	return raw, pub
}

func newPool(t *testing.T) *Pool {
	t.Helper()
	pool, err := NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return pool
}

func TestVerifierAcceptsValidSignatureAndDecodesTags(t *testing.T) {
	tags := []tag.Tag{{Name: "Content-Type", Value: "text/plain"}}
	payload := []byte("hello from a real ed25519 signature")
	raw, pub := buildSignedItem(t, tags, payload)

	pool := newPool(t)
	v, resultCh := New(pool)
	p := streamparser.New(v)
	require.NoError(t, p.Write(raw))
	require.NoError(t, p.Close())

	result := <-resultCh
	require.NoError(t, result.Err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.SignatureType)
	assert.Equal(t, crypto.Base64URLEncode(pub), result.Owner)
	assert.Equal(t, int64(len(payload)), result.PayloadSize)
	require.Len(t, result.Tags, 1)
	assert.Equal(t, "Content-Type", result.Tags[0].Name)
	assert.Equal(t, "text/plain", result.Tags[0].Value)
}

func TestVerifierByteAtATimeMatchesSingleWrite(t *testing.T) {
	tags := []tag.Tag{{Name: "App-Name", Value: "Test"}}
	payload := []byte("streamed payload spanning many single-byte writes, byte by byte")
	raw, _ := buildSignedItem(t, tags, payload)

	pool := newPool(t)
	v, resultCh := New(pool)
	p := streamparser.New(v)
	for i := range raw {
		require.NoError(t, p.Write(raw[i:i+1]))
	}
	require.NoError(t, p.Close())

	result := <-resultCh
	require.NoError(t, result.Err)
	assert.True(t, result.Valid)
	require.Len(t, result.Tags, 1)
	assert.Equal(t, "App-Name", result.Tags[0].Name)
}

func TestVerifierRejectsFlippedSignatureByte(t *testing.T) {
	tags := []tag.Tag{{Name: "Content-Type", Value: "text/plain"}}
	payload := []byte("payload that will fail verification")
	raw, _ := buildSignedItem(t, tags, payload)
	raw[2] ^= 0xFF // flip a byte inside the signature field

	pool := newPool(t)
	v, resultCh := New(pool)
	p := streamparser.New(v)
	require.NoError(t, p.Write(raw))
	require.NoError(t, p.Close())

	result := <-resultCh
	assert.False(t, result.Valid)
	assert.Error(t, result.Err)
}

func TestVerifierEmptyTagsProduceEmptyResult(t *testing.T) {
	payload := []byte("no tags here")
	raw, _ := buildSignedItem(t, nil, payload)

	pool := newPool(t)
	v, resultCh := New(pool)
	p := streamparser.New(v)
	require.NoError(t, p.Write(raw))
	require.NoError(t, p.Close())

	result := <-resultCh
	require.NoError(t, result.Err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Tags)
}

func TestPoolVerifyDigestDetectsTamperedDigest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	digest := crypto.DeepHash([][]byte{[]byte("blob"), []byte("5"), []byte("hello")})
	signature := ed25519.Sign(priv, digest[:])

	pool := newPool(t)
	require.NoError(t, pool.VerifyDigest(crypto.SignatureTypeEd25519, pub, signature, digest[:]))

	tampered := append([]byte{}, digest[:]...)
	tampered[0] ^= 0xFF
	assert.Error(t, pool.VerifyDigest(crypto.SignatureTypeEd25519, pub, signature, tampered))
}
