package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/trackable/pkg/logging"
)

// WorkerStatus represents the worker's current status.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusHealthy  WorkerStatus = "healthy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusStopped  WorkerStatus = "stopped"
)

// WorkerConfig configures a Redis queue worker.
type WorkerConfig struct {
	Count           int           `yaml:"count"`
	BatchSize       int           `yaml:"batch_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Retry           RetryPolicy   `yaml:"retry"`
}

// DefaultWorkerConfig returns default worker settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Count:           4,
		BatchSize:       10,
		PollInterval:    500 * time.Millisecond,
		JobTimeout:      90 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Retry:           DefaultRetryPolicy(),
	}
}

// Source is the side of a persistent queue that workers drain.
type Source interface {
	Claim(ctx context.Context, max int) ([]Job, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, job Job, backoff time.Duration) error
	MoveToDeadLetter(ctx context.Context, job Job, reason string) error
}

var _ Source = (*RedisQueue)(nil)

// Worker drains a Source, running each job through Handlers.
type Worker struct {
	ID     string
	Config WorkerConfig

	source   Source
	handlers Handlers
	logger   logging.Logger

	status         atomic.Value
	ProcessedCount atomic.Int64
	FailedCount    atomic.Int64
}

// NewWorker creates a new worker.
func NewWorker(config WorkerConfig, source Source, handlers Handlers, logger logging.Logger) *Worker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	w := &Worker{
		ID:       uuid.New().String(),
		Config:   config,
		source:   source,
		handlers: handlers,
	}
	w.logger = logger.With(logging.F("component", "worker"), logging.F("worker_id", w.ID))
	w.status.Store(WorkerStatusStarting)
	return w
}

// Status returns the worker's status.
func (w *Worker) Status() WorkerStatus {
	return w.status.Load().(WorkerStatus)
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.status.Store(WorkerStatusHealthy)
	defer w.status.Store(WorkerStatusStopped)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := w.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("Failed to claim jobs", logging.Err(err))
		}
		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.Config.PollInterval):
			}
		}
	}
}

// Poll claims one batch and processes it, returning how many jobs were handled.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	batch, err := w.source.Claim(ctx, w.Config.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range batch {
		w.process(ctx, job)
	}
	return len(batch), nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	job.Attempts++
	jobCtx := ctx
	if w.Config.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.Config.JobTimeout)
		defer cancel()
	}

	err := w.handlers.Run(jobCtx, job)
	if err == nil {
		if ackErr := w.source.Ack(ctx, job.ID); ackErr != nil {
			w.logger.Error("Failed to ack job", logging.F("job_id", job.ID), logging.Err(ackErr))
		}
		w.ProcessedCount.Add(1)
		return
	}

	w.FailedCount.Add(1)
	decision := w.Config.Retry.DecideRetry(err, job.Attempts)
	log := w.logger.With(
		logging.F("job_id", job.ID),
		logging.F("kind", job.Kind),
		logging.F("attempts", job.Attempts),
	)
	if decision.ShouldRetry {
		log.Warn("Job failed, retrying", logging.F("backoff", decision.BackoffDuration.String()), logging.Err(err))
		if rerr := w.source.Retry(ctx, job, decision.BackoffDuration); rerr != nil {
			log.Error("Failed to reschedule job", logging.Err(rerr))
		}
		return
	}
	log.Error("Job moved to dead letter", logging.F("reason", decision.Reason), logging.Err(err))
	if derr := w.source.MoveToDeadLetter(ctx, job, decision.Reason+": "+err.Error()); derr != nil {
		log.Error("Failed to dead-letter job", logging.Err(derr))
	}
}

// Pool manages a set of workers draining the same Source.
type Pool struct {
	Config  WorkerConfig
	Workers []*Worker

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a pool of config.Count workers.
func NewPool(config WorkerConfig, source Source, handlers Handlers, logger logging.Logger) *Pool {
	if config.Count <= 0 {
		config.Count = 1
	}
	p := &Pool{Config: config, Workers: make([]*Worker, 0, config.Count)}
	for i := 0; i < config.Count; i++ {
		p.Workers = append(p.Workers, NewWorker(config, source, handlers, logger))
	}
	return p
}

// Start starts all workers. They stop when ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.Workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Stop cancels the workers and waits up to ShutdownTimeout for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	for _, w := range p.Workers {
		w.status.Store(WorkerStatusDraining)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.Config.ShutdownTimeout):
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	WorkerCount int
	ActiveCount int
	Processed   int64
	Failed      int64
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	stats := PoolStats{WorkerCount: len(p.Workers)}
	for _, w := range p.Workers {
		if w.Status() == WorkerStatusHealthy {
			stats.ActiveCount++
		}
		stats.Processed += w.ProcessedCount.Load()
		stats.Failed += w.FailedCount.Load()
	}
	return stats
}
