package jobs

import (
	"context"
	"sync/atomic"

	"github.com/otherjamesbrown/trackable/pkg/logging"
)

// SyncQueue runs every job inline on Submit. Errors from the handler are
// returned to the submitter, which makes it the deterministic choice for tests.
type SyncQueue struct {
	handlers Handlers
	logger   logging.Logger
	closed   atomic.Bool
	ran      atomic.Int64
}

// NewSyncQueue creates a queue that executes jobs immediately.
func NewSyncQueue(handlers Handlers, logger logging.Logger) *SyncQueue {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &SyncQueue{
		handlers: handlers,
		logger:   logger.With(logging.F("component", "sync_queue")),
	}
}

// Submit runs the job's handler before returning.
func (q *SyncQueue) Submit(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	job.Attempts++
	q.ran.Add(1)
	if err := q.handlers.Run(ctx, job); err != nil {
		q.logger.Warn("Job failed",
			logging.F("job_id", job.ID),
			logging.F("kind", job.Kind),
			logging.Err(err))
		return err
	}
	return nil
}

// Ran returns the number of jobs executed.
func (q *SyncQueue) Ran() int64 {
	return q.ran.Load()
}

// Close stops accepting jobs.
func (q *SyncQueue) Close() error {
	q.closed.Store(true)
	return nil
}

var _ Queue = (*SyncQueue)(nil)
