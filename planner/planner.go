// Package planner periodically drives the pure packer package against
// the upload records accumulated in the database, the operational loop
// spec.md §4.7 assumes exists around the packer but leaves unspecified.
// Grounded on the teacher's background-worker shape (uploader retries on
// a ticker in client/uploader.go): a ticker loop that logs every tick's
// outcome rather than blocking its caller.
package planner

import (
	"context"
	"time"

	log "github.com/inconshreveable/log15"
	"gorm.io/gorm"

	"github.com/liteseed/turbo-upload-service/config"
	"github.com/liteseed/turbo-upload-service/packer"
	"github.com/liteseed/turbo-upload-service/upload"
)

// pendingRecord mirrors the subset of upload.Record a planning pass
// needs, queried directly rather than loading full rows.
type pendingRecord struct {
	DataItemID        string
	ByteCount         int64
	UploadedTimestamp time.Time
}

// Run ticks every cfg.PlanInterval, packing whatever upload records are
// currently pending into bundle plans. It returns when ctx is cancelled.
// A nil db makes Run log and return immediately, matching the rest of the
// service's optional-database posture. Plans are logged only: consuming them into
// an actual bundle binary is the downstream bundler's job, out of scope
// per spec.md §1.
func Run(ctx context.Context, db *gorm.DB, cfg config.Config, logger log.Logger) {
	if logger == nil {
		logger = log.New("component", "planner")
	}
	if db == nil {
		logger.Info("planner disabled: no database configured")
		return
	}

	ticker := time.NewTicker(cfg.PlanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(db, cfg, logger)
		}
	}
}

func runOnce(db *gorm.DB, cfg config.Config, logger log.Logger) {
	var pending []pendingRecord
	if err := db.Model(&upload.Record{}).Find(&pending).Error; err != nil {
		logger.Warn("planner: listing pending upload records failed", "err", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	items := make([]packer.Item, len(pending))
	for i, r := range pending {
		items[i] = packer.Item{DataItemID: r.DataItemID, ByteCount: r.ByteCount, UploadedDate: r.UploadedTimestamp}
	}

	result := packer.Pack(items, packer.Params{
		MaxTotalDataItemsByteCount: cfg.MaxTotalDataItemsByteCount,
		MaxSingleDataItemByteCount: cfg.MaxSingleDataItemByteCount,
		MaxDataItemsCount:          cfg.MaxDataItemsCount,
		OverdueThreshold:           cfg.OverdueThreshold,
	}, time.Now())

	if len(result.Discarded) > 0 {
		logger.Warn("planner: discarded oversized data items", "count", len(result.Discarded))
	}

	for _, plan := range result.Plans {
		logger.Info("planner: formed bundle plan",
			"items", len(plan.IDs), "totalBytes", plan.TotalByteCount,
			"fillPercent", plan.FillPercent.String(), "overdue", plan.ContainsOverdueDataItems)
	}
}
