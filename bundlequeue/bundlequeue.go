// Package bundlequeue models the three soft-enqueue job kinds the
// single-shot state machine dispatches on a successful upload
// (spec.md §4.5's "Enqueued" state): new-data-item, optical, and
// unbundle-bdi. The downstream workers that consume these queues are out
// of scope per spec.md §1 — only the Dispatcher boundary is implemented,
// backed here by a log-only stub the way the teacher logs rather than
// truly posts L1 transactions in its own uploader retry paths.
package bundlequeue

import (
	log "github.com/inconshreveable/log15"
)

// JobKind names one of the three soft-enqueue job kinds.
type JobKind string

const (
	JobNewDataItem JobKind = "new-data-item"
	JobOptical     JobKind = "optical"
	JobUnbundleBDI JobKind = "unbundle-bdi"
)

// Job is one unit of enqueued work.
type Job struct {
	Kind       JobKind
	DataItemID string
}

// Dispatcher enqueues jobs for background processing. Enqueue failures
// are soft per spec.md §7: logged and counted, never surfaced as a
// failed upload.
type Dispatcher interface {
	Enqueue(job Job) error
}

// LogDispatcher is a stub Dispatcher that logs every job instead of
// posting to a real queue; the bundler/poster/optical-bridge workers
// that would consume a real queue are explicitly out of scope.
type LogDispatcher struct {
	logger log.Logger
}

// NewLogDispatcher builds a Dispatcher that logs via the teacher's
// logging library (log15), matching the ambient logging stack used
// elsewhere in the service.
func NewLogDispatcher(logger log.Logger) *LogDispatcher {
	if logger == nil {
		logger = log.New("component", "bundlequeue")
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Enqueue(job Job) error {
	d.logger.Info("enqueued soft job", "kind", job.Kind, "dataItemId", job.DataItemID)
	return nil
}

var _ Dispatcher = (*LogDispatcher)(nil)
