package fanout

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/liteseed/turbo-upload-service/breaker"
	"github.com/liteseed/turbo-upload-service/tag"
)

// DataItemRow is the gorm-mapped table the inline KV row sink writes to.
// Per DESIGN.md's resolution of the spec.md §9 Open Question ("the
// source has two versions with diverging quarantine paths; which is
// authoritative is unclear"), this service keeps a single row per data
// item with one Quarantined flag rather than two divergent tables. Tags
// are kept alongside the gzip blob as queryable JSON so status/listing
// calls never need to decompress the payload just to read tags.
type DataItemRow struct {
	DataItemID  string `gorm:"primaryKey"`
	RawGzip     []byte
	Tags        datatypes.JSON
	ContentType string
	CreatedAt   time.Time
	Quarantined bool
}

func (DataItemRow) TableName() string { return "inline_data_items" }

// InlineRowSink gzip-compresses an item's bytes and writes them as a
// single row, for items under the inline threshold (spec.md §4.4). Gated
// by the same circuit breaker class as FilesystemSink, since both are
// durable-but-fallible local infrastructure per spec.md §4.9.
type InlineRowSink struct {
	db      *gorm.DB
	id      string
	ctype   string
	tags    []tag.Tag
	breaker *breaker.Breaker
	buf     bytes.Buffer
	gz      *gzip.Writer
}

// NewInlineRowSink builds a sink that writes id's gzip-compressed bytes
// as one row on Close, alongside its tags as queryable JSON.
func NewInlineRowSink(db *gorm.DB, id, contentType string, tags []tag.Tag, b *breaker.Breaker) *InlineRowSink {
	s := &InlineRowSink{db: db, id: id, ctype: contentType, tags: tags, breaker: b}
	s.gz = gzip.NewWriter(&s.buf)
	return s
}

func (s *InlineRowSink) Name() string { return "inline-row" }

func (s *InlineRowSink) Write(p []byte) (int, error) {
	return s.gz.Write(p)
}

func (s *InlineRowSink) Close() error {
	if err := s.gz.Close(); err != nil {
		return fmt.Errorf("fanout: inline row gzip close: %w", err)
	}
	tagsJSON, err := json.Marshal(s.tags)
	if err != nil {
		return fmt.Errorf("fanout: marshaling tags: %w", err)
	}
	row := DataItemRow{
		DataItemID:  s.id,
		RawGzip:     append([]byte{}, s.buf.Bytes()...),
		Tags:        datatypes.JSON(tagsJSON),
		ContentType: s.ctype,
		CreatedAt:   time.Now(),
	}
	return s.breaker.Call(context.Background(), func(context.Context) error {
		return s.db.Create(&row).Error
	})
}

// Abort discards the in-progress compression buffer; no row was ever
// written.
func (s *InlineRowSink) Abort() error {
	s.gz.Close()
	s.buf.Reset()
	return nil
}

// QuarantineRow marks id's row quarantined instead of deleting it,
// mirroring FilesystemSink's quarantine-by-rename for the row store.
func QuarantineRow(db *gorm.DB, id string) error {
	return db.Model(&DataItemRow{}).Where("data_item_id = ?", id).Update("quarantined", true).Error
}
