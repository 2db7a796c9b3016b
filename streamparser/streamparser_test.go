package streamparser

import (
	"encoding/binary"
	"testing"

	"github.com/liteseed/turbo-upload-service/tag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures every event fired by the parser so tests can assert
// on the exact sequence independent of how the input was chunked.
type recorder struct {
	signatureType int
	signature     []byte
	owner         []byte
	target        []byte
	anchor        []byte
	tagsBytes     []byte
	numTags       int
	data          []byte
	payloadSize   int64
	done          bool
	err           error
}

func (r *recorder) OnSignatureType(t int)  { r.signatureType = t }
func (r *recorder) OnSignature(b []byte)   { r.signature = append([]byte{}, b...) }
func (r *recorder) OnOwner(b []byte)       { r.owner = append([]byte{}, b...) }
func (r *recorder) OnTarget(b []byte)      { r.target = append([]byte{}, b...) }
func (r *recorder) OnAnchor(b []byte)      { r.anchor = append([]byte{}, b...) }
func (r *recorder) OnTagsBytes(b []byte, n int) {
	r.tagsBytes = append([]byte{}, b...)
	r.numTags = n
}
func (r *recorder) OnData(chunk []byte)       { r.data = append(r.data, chunk...) }
func (r *recorder) OnPayloadDone(size int64)  { r.done = true; r.payloadSize = size }
func (r *recorder) OnError(err error)         { r.err = err }

func buildRaw(t *testing.T, target, anchor string, tags []tag.Tag, payload []byte) []byte {
	t.Helper()
	raw := make([]byte, 0)
	raw = binary.LittleEndian.AppendUint16(raw, 2) // ed25519
	raw = append(raw, make([]byte, 64)...)         // signature
	raw = append(raw, make([]byte, 32)...)         // owner

	if target == "" {
		raw = append(raw, 0)
	} else {
		raw = append(raw, 1)
		raw = append(raw, []byte(target)...)
	}
	if anchor == "" {
		raw = append(raw, 0)
	} else {
		raw = append(raw, 1)
		raw = append(raw, []byte(anchor)...)
	}

	rawTags, err := tag.Serialize(&tags)
	require.NoError(t, err)

	numTags := make([]byte, 8)
	binary.LittleEndian.PutUint64(numTags, uint64(len(tags)))
	raw = append(raw, numTags...)

	tagBytesLen := make([]byte, 8)
	binary.LittleEndian.PutUint64(tagBytesLen, uint64(len(rawTags)))
	raw = append(raw, tagBytesLen...)
	raw = append(raw, rawTags...)
	raw = append(raw, payload...)
	return raw
}

func TestParserSingleChunk(t *testing.T) {
	tags := []tag.Tag{{Name: "Content-Type", Value: "text/plain"}}
	payload := []byte("hello world")
	raw := buildRaw(t, "0123456789012345678901234567890a", "anchoranchoranchoranchoranchora1", tags, payload)

	rec := &recorder{}
	p := New(rec)
	require.NoError(t, p.Write(raw))
	require.NoError(t, p.Close())

	assert.Equal(t, 2, rec.signatureType)
	assert.Equal(t, 1, rec.numTags)
	assert.Equal(t, payload, rec.data)
	assert.True(t, rec.done)
	assert.Equal(t, int64(len(payload)), rec.payloadSize)
	assert.NoError(t, rec.err)
}

// TestParserByteAtATime proves chunk-boundary independence: feeding the
// exact same bytes one at a time produces the same terminal state as
// feeding them in a single chunk.
func TestParserByteAtATime(t *testing.T) {
	tags := []tag.Tag{{Name: "App-Name", Value: "Test"}}
	payload := []byte("streamed payload spanning many single-byte writes")
	raw := buildRaw(t, "", "", tags, payload)

	rec := &recorder{}
	p := New(rec)
	for i := range raw {
		require.NoError(t, p.Write(raw[i:i+1]))
	}
	require.NoError(t, p.Close())

	assert.Equal(t, 2, rec.signatureType)
	assert.Equal(t, payload, rec.data)
	assert.True(t, rec.done)
	assert.Empty(t, rec.target)
	assert.Empty(t, rec.anchor)
}

func TestParserEmptyPayloadSynthesizesDataEvent(t *testing.T) {
	raw := buildRaw(t, "", "", nil, nil)
	rec := &recorder{}
	p := New(rec)
	require.NoError(t, p.Write(raw))
	require.NoError(t, p.Close())

	assert.True(t, rec.done)
	assert.Equal(t, int64(0), rec.payloadSize)
}

func TestParserRejectsOversizedTagBytes(t *testing.T) {
	raw := make([]byte, 0)
	raw = binary.LittleEndian.AppendUint16(raw, 2)
	raw = append(raw, make([]byte, 64)...)
	raw = append(raw, make([]byte, 32)...)
	raw = append(raw, 0, 0) // no target, no anchor
	raw = binary.LittleEndian.AppendUint64(raw, 1)
	raw = binary.LittleEndian.AppendUint64(raw, tag.MaxTagBytes+1)

	rec := &recorder{}
	p := New(rec)
	err := p.Write(raw)
	require.Error(t, err)
	assert.Error(t, rec.err)
}

func TestParserUnsupportedSignatureType(t *testing.T) {
	raw := make([]byte, 0)
	raw = binary.LittleEndian.AppendUint16(raw, 999)

	rec := &recorder{}
	p := New(rec)
	err := p.Write(raw)
	require.Error(t, err)
}
