package upload

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteseed/turbo-upload-service/uploaderr"
)

func TestMultipartCreateRequiresDatabase(t *testing.T) {
	ctx, cleanup := testContext(t, &fakePayment{checkResult: true})
	defer cleanup()

	m := NewMultipartMachine(ctx)
	_, err := m.Create(25 * 1024 * 1024)
	require.Error(t, err)
	kind, ok := uploaderr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, uploaderr.KindTransient, kind)
}

// writeChunk stages one chunk part's bytes on local EFS exactly the way
// PostChunk does, so assembleReader can be exercised without a database.
func writeChunk(t *testing.T, mount, uploadID string, partNumber int, data []byte) {
	t.Helper()
	path := chunkPath(mount, uploadID, partNumber)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestAssembleReaderReconstructsInPartOrderRegardlessOfInputOrder(t *testing.T) {
	ctx, cleanup := testContext(t, &fakePayment{checkResult: true})
	defer cleanup()

	m := NewMultipartMachine(ctx)
	uploadID := "upload-resumable-1"
	writeChunk(t, ctx.Config.EFSMountPoint, uploadID, 1, []byte("hello "))
	writeChunk(t, ctx.Config.EFSMountPoint, uploadID, 2, []byte("resumable "))
	writeChunk(t, ctx.Config.EFSMountPoint, uploadID, 3, []byte("world"))

	// Parts handed to assembleReader out of arrival order (as they would
	// be if chunks were POSTed out of order and listed without an
	// explicit ORDER BY applied upstream).
	parts := []ChunkPart{
		{UploadID: uploadID, PartNumber: 3, Size: 5},
		{UploadID: uploadID, PartNumber: 1, Size: 6},
		{UploadID: uploadID, PartNumber: 2, Size: 10},
	}

	reader, closeAll, total, err := m.assembleReader(uploadID, parts)
	require.NoError(t, err)
	defer closeAll()

	assert.EqualValues(t, 21, total)
	assembled, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello resumable world", string(assembled))
}

func TestAssembleReaderErrorsOnMissingChunkFile(t *testing.T) {
	ctx, cleanup := testContext(t, &fakePayment{checkResult: true})
	defer cleanup()

	m := NewMultipartMachine(ctx)
	parts := []ChunkPart{{UploadID: "no-such-upload", PartNumber: 1, Size: 4}}

	_, _, _, err := m.assembleReader("no-such-upload", parts)
	assert.Error(t, err)
}

func TestReparseHeaderIDRecoversIDFromHeaderPrefix(t *testing.T) {
	raw, _ := buildSignedItem(t, nil, []byte("a payload the recovery path never needs to read"))

	prefetchLen := maxHeaderPrefetchBytes
	if len(raw) < prefetchLen {
		prefetchLen = len(raw)
	}
	id, err := reparseHeaderID(raw[:prefetchLen])
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	wantID, wantErr := reparseHeaderID(raw)
	require.NoError(t, wantErr)
	assert.Equal(t, wantID, id, "the bounded prefetch must recover the same id as re-parsing the whole item")
}

func TestReparseHeaderIDErrorsWhenHeaderNeverCompletes(t *testing.T) {
	raw, _ := buildSignedItem(t, nil, []byte("payload"))

	_, err := reparseHeaderID(raw[:8]) // far short of a complete ed25519 header
	assert.Error(t, err)
}

func TestRawObjectKeyIsNamespacedFromDataItemPrefix(t *testing.T) {
	key := rawObjectKey("upload-1")
	assert.Contains(t, key, "upload-1")
	assert.NotEqual(t, key, "upload-1")
}
