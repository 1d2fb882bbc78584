// Package tracking implements versioned, moderated records: every action peels
// the previous state off into a frozen predecessor row, moderation status is
// gated by permissions and cascades to child records, and two records can be
// merged and later unmerged.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otherjamesbrown/trackable/pkg/jobs"
	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/observability"
)

// DefaultDuplicateWindow bounds how far back Submit looks for an identical record.
const DefaultDuplicateWindow = 2 * time.Minute

// PendingApprovalMessage is returned when a submission awaits moderation.
const PendingApprovalMessage = "Thank you for contributing. Your submission is currently pending moderator approval."

// Options configures an Engine. Store and Registry are required.
type Options struct {
	Store    Store
	Registry *Registry
	Bus      Bus
	// Queue runs deferred work. When nil, jobs run synchronously after commit.
	Queue   jobs.Queue
	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Clock   func() time.Time
	// Actors resolves the acting user when a job runs. When nil, the snapshot
	// carried by the job is used as-is.
	Actors          ActorDirectory
	CacheKeyPrefix  string
	CacheVersion    string
	DuplicateWindow time.Duration
}

// Engine is the entry point for all tracked-record actions.
type Engine struct {
	store        Store
	registry     *Registry
	bus          Bus
	queue        jobs.Queue
	logger       logging.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	clock        func() time.Time
	actors       ActorDirectory
	cachePrefix  string
	cacheVersion string
	dupWindow    time.Duration
}

// New builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("tracking: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("tracking: registry is required")
	}
	if err := opts.Registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Bus == nil {
		opts.Bus = NopBus{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DuplicateWindow == 0 {
		opts.DuplicateWindow = DefaultDuplicateWindow
	}

	e := &Engine{
		store:        opts.Store,
		registry:     opts.Registry,
		bus:          opts.Bus,
		queue:        opts.Queue,
		logger:       opts.Logger.With(logging.F("component", "tracking")),
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		clock:        opts.Clock,
		actors:       opts.Actors,
		cachePrefix:  opts.CacheKeyPrefix,
		cacheVersion: opts.CacheVersion,
		dupWindow:    opts.DuplicateWindow,
	}
	if e.queue == nil {
		handlers := jobs.Handlers{}
		e.RegisterJobs(handlers)
		e.queue = jobs.NewSyncQueue(handlers, opts.Logger)
	}
	return e, nil
}

// Registry returns the type registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// CacheKey returns the cache key of rec using the configured prefix and version.
func (e *Engine) CacheKey(rec *Record) string {
	return CacheKey(e.cachePrefix, e.cacheVersion, e.registry.Label(rec.Type), rec)
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// Session binds the engine to an acting user.
func (e *Engine) Session(actor Actor) *Session {
	if actor == nil {
		actor = Anonymous()
	}
	return &Session{e: e, actor: actor}
}

// Session performs actions on behalf of one actor. A Session handed to hooks is
// bound to the running transaction and its actions join that transaction.
type Session struct {
	e       *Engine
	actor   Actor
	tx      Tx
	pending *pending
}

// pending collects work that must only happen after commit.
type pending struct {
	events []Event
	jobs   []jobs.Job
}

// Outcome is the result of an action. Applied is false when permission was
// denied, in which case Record is unchanged.
type Outcome struct {
	Record    *Record
	Applied   bool
	Duplicate bool
	Message   string
}

func (s *Session) Actor() Actor    { return s.actor }
func (s *Session) Engine() *Engine { return s.e }

// Tx returns the bound transaction, or nil outside one.
func (s *Session) Tx() Tx { return s.tx }

// run executes fn in a transaction. Nested calls join the caller's transaction.
// Events and jobs collected during fn are flushed after commit; committed
// reports whether fn's writes are durable even when flushing failed.
func (s *Session) run(ctx context.Context, action string, ref Ref, out *Outcome, fn func(ctx context.Context, s *Session) error) (committed bool, err error) {
	if s.tx != nil {
		return true, fn(ctx, s)
	}

	start := time.Now()
	ctx = logging.ContextWithActor(ctx, s.actor.ID())
	ctx, span := s.e.tracer.StartAction(ctx, action, ref.Type, ref.ID)

	p := &pending{}
	err = s.e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &Session{e: s.e, actor: s.actor, tx: tx, pending: p})
	})
	outcome := outcomeLabel(out, err)
	if err == nil {
		committed = true
		err = s.e.flush(ctx, p)
	} else {
		s.e.logger.WithContext(ctx).Warn("Action failed",
			logging.F("action", action),
			logging.F("ref", ref.String()),
			logging.Err(err))
	}

	s.e.metrics.RecordAction(ref.Type, action, outcome, time.Since(start))
	observability.End(span, outcome, err)
	return committed, err
}

func outcomeLabel(out *Outcome, err error) string {
	switch {
	case err != nil:
		return observability.OutcomeError
	case out == nil || out.Applied:
		return observability.OutcomeApplied
	case out.Duplicate:
		return observability.OutcomeDuplicate
	default:
		return observability.OutcomeDenied
	}
}

// flush emits collected events and submits collected jobs.
func (e *Engine) flush(ctx context.Context, p *pending) error {
	for _, ev := range p.events {
		if err := e.bus.Emit(ctx, ev); err != nil {
			e.logger.Warn("Failed to emit event",
				logging.F("kind", string(ev.Kind)),
				logging.F("ref", ev.Ref.String()),
				logging.Err(err))
		}
	}
	var errs []error
	for _, job := range p.jobs {
		err := e.queue.Submit(ctx, job)
		e.metrics.RecordJob(job.Kind, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to dispatch %s: %w", job.Kind, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) emit(kind EventKind, rec *Record, message string) {
	s.pending.events = append(s.pending.events, newEvent(kind, rec, s.actor, message, s.e.now()))
}

func (s *Session) enqueue(kind string, args any) error {
	job, err := jobs.NewJob(kind, args)
	if err != nil {
		return err
	}
	s.pending.jobs = append(s.pending.jobs, job)
	return nil
}

func (s *Session) hooks(rec *Record) Hooks {
	return s.e.registry.hooks(rec.Type)
}

// save writes rec, checking constraints on head rows and refreshing the cache time.
func (s *Session) save(ctx context.Context, rec *Record) error {
	if _, err := s.e.registry.mustDescriptor(rec.Type); err != nil {
		return err
	}
	if rec.IsHead {
		if err := s.hooks(rec).AssertConstraints(rec); err != nil {
			return err
		}
	}
	rec.CacheTime = s.e.now()
	if rec.ID == 0 {
		if err := s.tx.Insert(ctx, rec); err != nil {
			return fmt.Errorf("failed to insert %s: %w", rec.Type, err)
		}
		return nil
	}
	if err := s.tx.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to update %s: %w", rec.Ref(), err)
	}
	return nil
}

// Get loads a record by ref inside a transaction.
func (s *Session) Get(ctx context.Context, ref Ref) (*Record, error) {
	if s.tx != nil {
		return s.e.registry.Resolve(ctx, s.tx, ref)
	}
	var rec *Record
	err := s.e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		rec, err = s.e.registry.Resolve(ctx, tx, ref)
		return err
	})
	return rec, err
}
