package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/trackable/pkg/logging"
)

// AsyncConfig configures an in-process worker pool.
type AsyncConfig struct {
	Workers int `yaml:"workers"`
	// BufferSize is the initial capacity of the pending list. The list grows
	// past it; Submit never blocks.
	BufferSize int           `yaml:"buffer_size"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	Retry      RetryPolicy   `yaml:"retry"`
}

// DefaultAsyncConfig returns defaults suitable for a single process.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Workers:    4,
		BufferSize: 256,
		JobTimeout: 2 * time.Minute,
		Retry:      DefaultRetryPolicy(),
	}
}

// AsyncQueue runs jobs on a pool of goroutines after Submit returns.
//
// Handlers may Submit follow-up jobs to the queue they run on. Those
// submissions never block a worker, and Close keeps accepting them until
// every outstanding job has finished.
type AsyncQueue struct {
	handlers Handlers
	config   AsyncConfig
	logger   logging.Logger

	mu       sync.Mutex
	ready    *sync.Cond // pending is non-empty or closed is set
	idle     *sync.Cond // inflight dropped to zero
	pending  []Job
	inflight int // submitted and not yet finished, including backoff
	closed   bool

	workers   sync.WaitGroup
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewAsyncQueue starts config.Workers goroutines draining the queue.
func NewAsyncQueue(handlers Handlers, config AsyncConfig, logger logging.Logger) *AsyncQueue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &AsyncQueue{
		handlers: handlers,
		config:   config,
		logger:   logger.With(logging.F("component", "async_queue")),
		pending:  make([]Job, 0, config.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.ready = sync.NewCond(&q.mu)
	q.idle = sync.NewCond(&q.mu)
	for i := 0; i < config.Workers; i++ {
		q.workers.Add(1)
		go q.work(uuid.New().String())
	}
	return q
}

// Submit appends job to the pending list and returns without waiting.
func (q *AsyncQueue) Submit(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.inflight++
	q.pending = append(q.pending, job)
	q.ready.Signal()
	return nil
}

// Wait blocks until every submitted job, including retries and the jobs
// they submit, has finished.
func (q *AsyncQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inflight > 0 {
		q.idle.Wait()
	}
}

// Stats returns processed and failed counts.
func (q *AsyncQueue) Stats() (processed, failed int64) {
	return q.processed.Load(), q.failed.Load()
}

// Close drains outstanding jobs and stops the workers. Jobs submitted by
// running handlers during the drain are accepted and run; intake closes
// once nothing is left in flight.
func (q *AsyncQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		for q.inflight > 0 {
			q.idle.Wait()
		}
		q.closed = true
		q.ready.Broadcast()
		q.mu.Unlock()
		q.workers.Wait()
		q.cancel()
	})
	return nil
}

func (q *AsyncQueue) work(workerID string) {
	defer q.workers.Done()
	log := q.logger.With(logging.F("worker_id", workerID))
	for {
		job, ok := q.next()
		if !ok {
			return
		}
		q.process(log, job)
	}
}

// next pops the oldest pending job, blocking until one arrives or the queue closes.
func (q *AsyncQueue) next() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.ready.Wait()
	}
	if len(q.pending) == 0 {
		return Job{}, false
	}
	job := q.pending[0]
	q.pending[0] = Job{}
	q.pending = q.pending[1:]
	return job, true
}

// requeue puts a retried job back without taking a new inflight slot.
func (q *AsyncQueue) requeue(job Job) {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.ready.Signal()
	q.mu.Unlock()
}

func (q *AsyncQueue) done() {
	q.mu.Lock()
	q.inflight--
	if q.inflight == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}

func (q *AsyncQueue) process(log logging.Logger, job Job) {
	job.Attempts++
	ctx := q.ctx
	var cancel context.CancelFunc
	if q.config.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.config.JobTimeout)
		defer cancel()
	}

	err := q.handlers.Run(ctx, job)
	if err == nil {
		q.processed.Add(1)
		q.done()
		return
	}

	q.failed.Add(1)
	decision := q.config.Retry.DecideRetry(err, job.Attempts)
	if !decision.ShouldRetry {
		log.Error("Job dropped",
			logging.F("job_id", job.ID),
			logging.F("kind", job.Kind),
			logging.F("attempts", job.Attempts),
			logging.F("reason", decision.Reason),
			logging.Err(err))
		q.done()
		return
	}

	log.Warn("Job failed, retrying",
		logging.F("job_id", job.ID),
		logging.F("kind", job.Kind),
		logging.F("attempts", job.Attempts),
		logging.F("backoff", decision.BackoffDuration.String()),
		logging.Err(err))

	// The inflight slot is held across the backoff so Wait and Close cover it.
	go func() {
		select {
		case <-time.After(decision.BackoffDuration):
			q.requeue(job)
		case <-q.ctx.Done():
			q.done()
		}
	}()
}

var _ Queue = (*AsyncQueue)(nil)
