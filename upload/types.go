// Package upload implements the single-shot and resumable multipart
// upload state machines from spec.md §4.5-4.6, coordinating deduplication,
// balance reservation, signature verification, receipt signing, and the
// compensating refund/quarantine branches when a late step fails.
package upload

import (
	"time"

	"github.com/liteseed/turbo-upload-service/tag"
)

// Record is the in-flight upload record persisted alongside an upload's
// bytes (spec.md §3's "Upload record (in-flight)"). Created on the first
// byte received; destroyed when either a signed receipt is emitted or
// quarantine completes.
type Record struct {
	DataItemID         string    `gorm:"primaryKey"`
	OwnerNativeAddress string
	SignatureType      int
	Signature          string
	Tags               []tag.Tag `gorm:"-"`
	PayloadContentType string
	PayloadDataStart   int64
	ByteCount          int64
	PremiumFeatureType string
	UploadedTimestamp  time.Time
	DeadlineHeight     int64
	AssessedWincPrice  int64
}

func (Record) TableName() string { return "upload_records" }

// FailedReason enumerates the multipart failure reasons spec.md §3 names.
type FailedReason string

const (
	FailedUnderfunded    FailedReason = "UNDERFUNDED"
	FailedInvalid        FailedReason = "INVALID"
	FailedApprovalFailed FailedReason = "APPROVAL_FAILED"
	FailedRevokeFailed   FailedReason = "REVOKE_FAILED"
)

// MultipartStatus is the lifecycle stage of a multipart upload.
type MultipartStatus string

const (
	MultipartInFlight  MultipartStatus = "IN_FLIGHT"
	MultipartFinalized MultipartStatus = "FINALIZED"
	MultipartFulfilled MultipartStatus = "FULFILLED"
	MultipartFailed    MultipartStatus = "FAILED"
)

// MultipartRecord is spec.md §3's "Multipart upload record".
type MultipartRecord struct {
	UploadID            string `gorm:"primaryKey"`
	UploadKey            string
	ChunkSize            int64
	Status               MultipartStatus
	FailedReason         FailedReason
	DataItemID           string
	ETag                 string
	ObjectStoreUploadID  string
}

func (MultipartRecord) TableName() string { return "multipart_upload_records" }

// ChunkPart is one previously-accepted chunk of a multipart upload,
// tracked so finalize can assemble the object-store multipart request.
type ChunkPart struct {
	UploadID   string `gorm:"primaryKey"`
	PartNumber int    `gorm:"primaryKey"`
	Offset     int64
	Size       int64
	ETag       string
}

func (ChunkPart) TableName() string { return "multipart_chunk_parts" }
