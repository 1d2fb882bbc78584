// Package jobs provides the dispatch abstraction used for deferred engine work.
//
// A Job is a plain value: a kind plus JSON-encoded arguments. Queues decide when
// the job runs. SyncQueue runs it inline, AsyncQueue hands it to an in-process
// worker pool, and RedisQueue persists it for a separate worker process.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/trackable/pkg/logging"
)

// ErrUnknownKind is returned when no handler is registered for a job kind.
var ErrUnknownKind = errors.New("unknown job kind")

// ErrQueueClosed is returned when submitting to a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// Job is a unit of deferred work.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Args       json.RawMessage `json:"args"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob builds a job of the given kind with args encoded as JSON.
func NewJob(kind string, args any) (Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal %s args: %w", kind, err)
	}
	return Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Args:       raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the job arguments into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Args, v); err != nil {
		return fmt.Errorf("failed to decode %s args: %w", j.Kind, err)
	}
	return nil
}

// Handler executes one job.
type Handler func(ctx context.Context, job Job) error

// Handlers maps job kinds to their handlers.
type Handlers map[string]Handler

// Register installs fn for kind, replacing any earlier handler.
func (h Handlers) Register(kind string, fn Handler) {
	h[kind] = fn
}

// Run dispatches job to its handler. Loggers derived from the handler's ctx
// carry the job id.
func (h Handlers) Run(ctx context.Context, job Job) error {
	fn, ok := h[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
	return fn(logging.ContextWithJob(ctx, job.ID), job)
}

// Queue accepts jobs for eventual execution.
// Implementations guarantee at-least-once execution of every accepted job.
type Queue interface {
	Submit(ctx context.Context, job Job) error
	Close() error
}
