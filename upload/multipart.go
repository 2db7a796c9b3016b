package upload

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/liteseed/turbo-upload-service/fanout"
	"github.com/liteseed/turbo-upload-service/servicecontext"
	"github.com/liteseed/turbo-upload-service/streamparser"
	"github.com/liteseed/turbo-upload-service/uploaderr"
	"github.com/liteseed/turbo-upload-service/verifier"
)

// MultipartMachine implements the resumable multipart upload flow from
// spec.md §4.6: create, post-chunk-at-offset, and a three-entry-point
// idempotent finalize.
type MultipartMachine struct {
	ctx *servicecontext.Context
}

// NewMultipartMachine builds a machine against the shared process context.
func NewMultipartMachine(ctx *servicecontext.Context) *MultipartMachine {
	return &MultipartMachine{ctx: ctx}
}

// CreateResult is returned from Create.
type CreateResult struct {
	ID        string
	Min       int64
	Max       int64
	ChunkSize int64
}

const (
	minChunkSize  = 5 * 1024 * 1024
	maxChunkSize  = 500 * 1024 * 1024
	maxPartNumber = 10000

	// maxHeaderPrefetchBytes bounds the ranged GET used to re-derive a
	// data item's id from an already-assembled object-store object
	// without downloading it in full: the largest possible ANS-104
	// header (Aptos-multi signature + public key + target + anchor +
	// the max tag section) is well under this.
	maxHeaderPrefetchBytes = 8192
)

// Create opens a new multipart upload, generating uploadId and
// uploadKey. A 250ms artificial delay follows, mitigating DB replication
// lag before clients POST parts.
func (m *MultipartMachine) Create(chunkSize int64) (*CreateResult, error) {
	if m.ctx.DB == nil {
		return nil, uploaderr.Transient("multipart uploads require a configured database", nil)
	}
	if chunkSize == 0 {
		chunkSize = m.ctx.Config.DefaultChunkSize
	}
	if chunkSize < minChunkSize || chunkSize > maxChunkSize {
		return nil, uploaderr.Validation(fmt.Sprintf("chunkSize %d out of bounds [%d, %d]", chunkSize, minChunkSize, maxChunkSize), nil)
	}

	uploadID, err := randomID()
	if err != nil {
		return nil, uploaderr.Transient("generating upload id", err)
	}
	uploadKey, err := randomID()
	if err != nil {
		return nil, uploaderr.Transient("generating upload key", err)
	}

	record := MultipartRecord{
		UploadID:  uploadID,
		UploadKey: uploadKey,
		ChunkSize: chunkSize,
		Status:    MultipartInFlight,
	}
	if err := m.ctx.DB.Create(&record).Error; err != nil {
		return nil, uploaderr.Transient("recording multipart upload", err)
	}

	// Chunks are uploaded under the object store's own multipart API
	// (spec.md §4.6); open that session now so PostChunk can address
	// parts against it. Best-effort: local EFS staging still makes the
	// upload resumable even if the object store is briefly unavailable.
	if objectStoreUploadID, err := m.objectStore().Initiate(rawObjectKey(uploadID), "application/octet-stream"); err != nil {
		m.ctx.Logger.Warn("initiating object store multipart session failed", "uploadId", uploadID, "err", err)
	} else {
		record.ObjectStoreUploadID = objectStoreUploadID
		if err := m.ctx.DB.Model(&record).Update("object_store_upload_id", objectStoreUploadID).Error; err != nil {
			m.ctx.Logger.Warn("persisting object store multipart session id failed", "uploadId", uploadID, "err", err)
		}
	}

	time.Sleep(250 * time.Millisecond)

	return &CreateResult{ID: uploadID, Min: minChunkSize, Max: maxChunkSize, ChunkSize: chunkSize}, nil
}

// PostChunk accepts one chunk at offset for an in-flight multipart
// upload. Part number is derived from offset, not arrival order, so
// chunks may arrive out of order. The chunk is staged both on local EFS
// (for fast local reassembly at finalize) and, when a session is open,
// as a part of the object store's own multipart upload.
func (m *MultipartMachine) PostChunk(uploadID string, offset int64, data []byte) error {
	var record MultipartRecord
	if err := m.ctx.DB.First(&record, "upload_id = ?", uploadID).Error; err != nil {
		return uploaderr.Validation("unknown upload id", err)
	}
	if record.Status != MultipartInFlight {
		return uploaderr.Validation("upload is not accepting chunks", nil)
	}

	if offset%record.ChunkSize != 0 {
		return uploaderr.Validation("chunk offset is not a multiple of the expected chunk size", nil)
	}
	partNumber := int(offset/record.ChunkSize) + 1
	if partNumber > maxPartNumber {
		return uploaderr.Validation(fmt.Sprintf("part number %d exceeds max %d", partNumber, maxPartNumber), nil)
	}

	if int64(len(data)) > record.ChunkSize {
		record.ChunkSize = int64(len(data))
		m.ctx.DB.Model(&record).Update("chunk_size", record.ChunkSize)
	}

	path := chunkPath(m.ctx.Config.EFSMountPoint, uploadID, partNumber)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return uploaderr.Transient("preparing chunk storage", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return uploaderr.Transient("persisting chunk", err)
	}

	var etag string
	if record.ObjectStoreUploadID != "" {
		var err error
		etag, err = m.objectStore().UploadPart(rawObjectKey(uploadID), record.ObjectStoreUploadID, partNumber, data)
		if err != nil {
			return uploaderr.Transient("uploading chunk to object store", err)
		}
	}

	part := ChunkPart{UploadID: uploadID, PartNumber: partNumber, Offset: offset, Size: int64(len(data)), ETag: etag}
	if err := m.ctx.DB.Save(&part).Error; err != nil {
		return uploaderr.Transient("recording chunk", err)
	}
	return nil
}

// List returns the parts recorded so far plus the upload's settings.
func (m *MultipartMachine) List(uploadID string) (*MultipartRecord, []ChunkPart, error) {
	var record MultipartRecord
	if err := m.ctx.DB.First(&record, "upload_id = ?", uploadID).Error; err != nil {
		return nil, nil, uploaderr.Validation("unknown upload id", err)
	}
	var parts []ChunkPart
	if err := m.ctx.DB.Where("upload_id = ?", uploadID).Order("part_number").Find(&parts).Error; err != nil {
		return nil, nil, uploaderr.Transient("listing chunks", err)
	}
	return &record, parts, nil
}

// Status reports the multipart upload's current lifecycle stage.
func (m *MultipartMachine) Status(uploadID string) (MultipartStatus, FailedReason, error) {
	var record MultipartRecord
	if err := m.ctx.DB.First(&record, "upload_id = ?", uploadID).Error; err != nil {
		return "", "", uploaderr.Validation("unknown upload id", err)
	}
	return record.Status, record.FailedReason, nil
}

// Finalize drives one of three idempotent entry points depending on how
// far a previous attempt got, per spec.md §4.6. When the DB row itself is
// gone (the third entry point) it falls back to recovering state from
// whatever the object store still has staged under the upload's own key.
func (m *MultipartMachine) Finalize(uploadID string, single *SingleShotMachine) (*MultipartRecord, error) {
	var record MultipartRecord
	if err := m.ctx.DB.First(&record, "upload_id = ?", uploadID).Error; err != nil {
		return m.finalizeOrphanedRawArtifact(uploadID, err)
	}

	switch record.Status {
	case MultipartFulfilled, MultipartFailed:
		return &record, nil // already terminal; idempotent no-op

	case MultipartInFlight:
		return m.finalizeFromInFlight(record, single)

	case MultipartFinalized:
		return m.finalizeFromFinalized(record)
	}
	return &record, nil
}

// finalizeFromInFlight is entry point 1: complete the object store's
// multipart session, stream the locally-staged chunks through the
// streaming parser and verifier (SingleShotMachine.Process), and on
// success proceed straight into the data-item-prefix move.
func (m *MultipartMachine) finalizeFromInFlight(record MultipartRecord, single *SingleShotMachine) (*MultipartRecord, error) {
	var parts []ChunkPart
	if err := m.ctx.DB.Where("upload_id = ?", record.UploadID).Order("part_number").Find(&parts).Error; err != nil {
		return nil, uploaderr.Transient("listing chunks for finalize", err)
	}

	var completedETag string
	if record.ObjectStoreUploadID != "" {
		completed := make([]fanout.CompletedPart, 0, len(parts))
		for _, p := range parts {
			completed = append(completed, fanout.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
		}
		etag, err := m.objectStore().Complete(rawObjectKey(record.UploadID), record.ObjectStoreUploadID, completed)
		if err != nil {
			return nil, uploaderr.Transient("completing object store multipart upload", err)
		}
		completedETag = etag
	}

	reader, closeAll, total, err := m.assembleReader(record.UploadID, parts)
	if err != nil {
		record.Status = MultipartFailed
		record.FailedReason = FailedInvalid
		m.ctx.DB.Save(&record)
		return &record, uploaderr.Validation("assembling multipart upload", err)
	}
	defer closeAll()

	result, err := single.Process(Request{
		ContentLength: total,
		ContentType:   "application/octet-stream",
		Body:          reader,
	})
	if err != nil {
		record.Status = MultipartFailed
		if kind, ok := uploaderr.KindOf(err); ok && kind == uploaderr.KindCapacity {
			record.FailedReason = FailedUnderfunded
		} else {
			record.FailedReason = FailedInvalid
		}
		m.ctx.DB.Save(&record)
		return &record, err
	}

	record.Status = MultipartFinalized
	record.DataItemID = result.ID
	if completedETag != "" {
		record.ETag = completedETag
	}
	m.ctx.DB.Save(&record)

	return m.moveToDataItemPrefix(record)
}

// finalizeFromFinalized is entry point 2: the item has already been
// validated and fanned out to its canonical dataItemId-keyed location by
// a previous finalizeFromInFlight call, but that attempt was interrupted
// before the raw staging object was reclaimed. Re-derive the id from the
// already-finalized object defensively before retrying the move.
func (m *MultipartMachine) finalizeFromFinalized(record MultipartRecord) (*MultipartRecord, error) {
	if record.DataItemID == "" {
		id, err := m.recoverDataItemID(rawObjectKey(record.UploadID))
		if err != nil {
			return nil, err
		}
		record.DataItemID = id
	}
	return m.moveToDataItemPrefix(record)
}

// finalizeOrphanedRawArtifact is entry point 3: the MultipartRecord row
// is gone (deleted, never committed, lost to replication lag) but the
// object store still has the completed raw object staged under the
// upload's own key. Re-parse its header to recover the data item id and
// insert a fresh DB row before continuing exactly as entry point 2 would.
func (m *MultipartMachine) finalizeOrphanedRawArtifact(uploadID string, dbErr error) (*MultipartRecord, error) {
	rawKey := rawObjectKey(uploadID)
	exists, err := m.objectStore().HeadExists(rawKey)
	if err != nil || !exists {
		return nil, uploaderr.Validation("unknown upload id", dbErr)
	}

	id, err := m.recoverDataItemID(rawKey)
	if err != nil {
		return nil, err
	}

	record := MultipartRecord{UploadID: uploadID, Status: MultipartFinalized, DataItemID: id}
	if err := m.ctx.DB.Create(&record).Error; err != nil {
		return nil, uploaderr.Transient("recovering multipart upload record", err)
	}
	return m.moveToDataItemPrefix(record)
}

// moveToDataItemPrefix reclaims the now-redundant raw staging object
// (the canonical copy already lives at the dataItemId key, written by
// SingleShotMachine.Process's own fan-out during finalizeFromInFlight)
// and marks the upload Fulfilled.
func (m *MultipartMachine) moveToDataItemPrefix(record MultipartRecord) (*MultipartRecord, error) {
	if record.DataItemID == "" {
		return &record, uploaderr.Validation("finalized record is missing a data item id", nil)
	}
	if record.ObjectStoreUploadID != "" {
		if err := m.objectStore().Delete(rawObjectKey(record.UploadID)); err != nil {
			m.ctx.Logger.Warn("removing staged multipart raw object failed", "uploadId", record.UploadID, "err", err)
		}
	}
	record.Status = MultipartFulfilled
	m.ctx.DB.Save(&record)
	return &record, nil
}

// recoverDataItemID re-derives a data item's id from an already-staged
// object without downloading it in full: a ranged GET of the bounded
// header prefix is enough, since the payload itself is never needed to
// recompute the id from the signature.
func (m *MultipartMachine) recoverDataItemID(objectKey string) (string, error) {
	header, err := m.objectStore().GetRange(objectKey, maxHeaderPrefetchBytes)
	if err != nil {
		return "", uploaderr.Transient("re-reading staged multipart object", err)
	}
	id, err := reparseHeaderID(header)
	if err != nil {
		return "", uploaderr.Validation("re-parsing staged multipart object header", err)
	}
	return id, nil
}

// reparseHeaderID drives the streaming parser over an already-bounded
// header prefix just far enough to learn the data item's id, without a
// verifier pool (no signature check happens here; entry point 1 already
// performed that the first time this upload was finalized).
func reparseHeaderID(headerPrefix []byte) (string, error) {
	var id string
	v, _ := verifier.New(nil)
	v.HeaderReady = func(info verifier.HeaderInfo) error {
		id = info.ID
		return nil
	}
	p := streamparser.New(v)
	if err := p.Write(headerPrefix); err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("header did not complete within %d prefetched bytes", len(headerPrefix))
	}
	return id, nil
}

// assembleReader streams the locally-staged chunk parts back as one
// io.Reader via io.MultiReader, so finalize never copies a multi-gigabyte
// upload into a single []byte (spec.md §1/§5). The returned closer must
// be called once the caller is done reading.
func (m *MultipartMachine) assembleReader(uploadID string, parts []ChunkPart) (io.Reader, func(), int64, error) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	files := make([]*os.File, 0, len(parts))
	readers := make([]io.Reader, 0, len(parts))
	var total int64

	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	for _, p := range parts {
		path := chunkPath(m.ctx.Config.EFSMountPoint, uploadID, p.PartNumber)
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, 0, fmt.Errorf("opening chunk part %d: %w", p.PartNumber, err)
		}
		files = append(files, f)
		readers = append(readers, f)
		total += p.Size
	}
	return io.MultiReader(readers...), closeAll, total, nil
}

func (m *MultipartMachine) objectStore() *fanout.ObjectStoreMultipart {
	return fanout.NewObjectStoreMultipart(fanout.ObjectStoreConfig{
		Endpoint: m.ctx.Config.AWSEndpoint,
		Bucket:   m.ctx.Config.ObjectStoreBucket,
		Timeout:  breakerTimeout(),
	})
}

// rawObjectKey is where a multipart upload's assembled bytes live in the
// object store before the data item id is known, distinct from the
// canonical dataItemId-keyed location SingleShotMachine's own fan-out
// writes to once the item has been verified.
func rawObjectKey(uploadID string) string {
	return "multipart-raw/" + uploadID
}

func chunkPath(mount, uploadID string, partNumber int) string {
	return filepath.Join(mount, "multipart-chunks", uploadID, fmt.Sprintf("part_%05d", partNumber))
}

func randomID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
