package tracking

import (
	"context"
	"fmt"

	"github.com/otherjamesbrown/trackable/pkg/jobs"
	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/observability"
)

// Job kinds handled by the engine.
const (
	JobUpdateChildStatuses = "tracking.update_child_statuses"
	JobMerge               = "tracking.merge"
	JobUnmerge             = "tracking.unmerge"
)

const (
	propagateEdit   = "edit"
	propagateRemove = "remove"
)

type propagationArgs struct {
	Parent   Ref           `json:"parent"`
	Status   Status        `json:"status"`
	Children []Status      `json:"children,omitempty"`
	Action   string        `json:"action"`
	Actor    ActorSnapshot `json:"actor"`
	Message  string        `json:"message,omitempty"`
	Force    bool          `json:"force,omitempty"`
}

type mergeArgs struct {
	Primary        Ref           `json:"primary"`
	Secondary      Ref           `json:"secondary"`
	Actor          ActorSnapshot `json:"actor"`
	Message        string        `json:"message,omitempty"`
	Force          bool          `json:"force,omitempty"`
	SkipAfterSaved bool          `json:"skip_after_saved,omitempty"`
	MergeEvent     *int64        `json:"merge_event,omitempty"`
}

type unmergeArgs struct {
	Head           Ref           `json:"head"`
	Actor          ActorSnapshot `json:"actor"`
	Message        string        `json:"message,omitempty"`
	Force          bool          `json:"force,omitempty"`
	SkipAfterSaved bool          `json:"skip_after_saved,omitempty"`
	MergeEvent     *int64        `json:"merge_event,omitempty"`
}

// RegisterJobs installs the engine's job handlers.
func (e *Engine) RegisterJobs(h jobs.Handlers) {
	h.Register(JobUpdateChildStatuses, e.handleUpdateChildStatuses)
	h.Register(JobMerge, e.handleMerge)
	h.Register(JobUnmerge, e.handleUnmerge)
}

// schedulePropagation queues the cascade of status onto the children of rec
// that currently have one of the statuses in children.
func (s *Session) schedulePropagation(rec *Record, status Status, children StatusFilter, action, message string, force bool) error {
	if len(s.e.registry.ChildRelations(rec.Type)) == 0 {
		return nil
	}
	return s.enqueue(JobUpdateChildStatuses, propagationArgs{
		Parent:   rec.Ref(),
		Status:   status,
		Children: children.Statuses(),
		Action:   action,
		Actor:    SnapshotOf(s.actor),
		Message:  message,
		Force:    force,
	})
}

// DispatchMerge queues a merge of secondary into primary.
func (s *Session) DispatchMerge(ctx context.Context, primary, secondary Ref, opts MergeOptions) error {
	return s.dispatch(ctx, JobMerge, mergeArgs{
		Primary:        primary,
		Secondary:      secondary,
		Actor:          SnapshotOf(s.actor),
		Message:        opts.Message,
		Force:          opts.Force,
		SkipAfterSaved: opts.SkipAfterSaved,
	})
}

// DispatchUnmerge queues an unmerge of head.
func (s *Session) DispatchUnmerge(ctx context.Context, head Ref, opts UnmergeOptions) error {
	return s.dispatch(ctx, JobUnmerge, unmergeArgs{
		Head:           head,
		Actor:          SnapshotOf(s.actor),
		Message:        opts.Message,
		Force:          opts.Force,
		SkipAfterSaved: opts.SkipAfterSaved,
		MergeEvent:     clonePtr(opts.MergeEvent),
	})
}

// dispatch submits a job now, or after commit when called inside an action.
func (s *Session) dispatch(ctx context.Context, kind string, args any) error {
	if s.tx != nil {
		return s.enqueue(kind, args)
	}
	job, err := jobs.NewJob(kind, args)
	if err != nil {
		return err
	}
	err = s.e.queue.Submit(ctx, job)
	s.e.metrics.RecordJob(kind, err)
	return err
}

func (e *Engine) resolveActor(ctx context.Context, snap ActorSnapshot) (Actor, error) {
	if e.actors == nil || snap.ID == "" {
		return snap.User(), nil
	}
	actor, err := e.actors.Lookup(ctx, snap.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actor %q: %w", snap.ID, err)
	}
	return actor, nil
}

func (e *Engine) handleUpdateChildStatuses(ctx context.Context, job jobs.Job) (err error) {
	var args propagationArgs
	if err := job.Decode(&args); err != nil {
		return err
	}
	ctx, span := e.tracer.StartJob(ctx, job.Kind)
	defer func() { observability.End(span, "", err) }()

	actor, err := e.resolveActor(ctx, args.Actor)
	if err != nil {
		return err
	}
	s := e.Session(actor)

	children, err := s.children(ctx, args.Parent, args.Children)
	if err != nil {
		return err
	}

	changed := 0
	for _, child := range children {
		if child.Status == args.Status {
			continue
		}
		child.Status = args.Status
		var out Outcome
		switch args.Action {
		case propagateRemove:
			out, err = s.Remove(ctx, child, RemoveOptions{Message: args.Message, Force: args.Force, SkipAfterSaved: true})
		default:
			out, err = s.Edit(ctx, child, EditOptions{Message: args.Message, Force: args.Force, SkipAfterSaved: true})
		}
		if err != nil {
			return fmt.Errorf("failed to propagate %s to %s: %w", args.Action, child.Ref(), err)
		}
		if out.Applied {
			changed++
		}
	}

	e.metrics.RecordPropagation(args.Action, changed)
	e.logger.WithContext(ctx).Debug("Propagated status to children",
		logging.F("parent", args.Parent.String()),
		logging.F("status", args.Status.String()),
		logging.F("action", args.Action),
		logging.F("children", len(children)),
		logging.F("changed", changed))
	return nil
}

// children loads the head records inheriting status from parent whose status
// is in statuses, or in the parent's current status when statuses is empty.
func (s *Session) children(ctx context.Context, parentRef Ref, statuses []Status) ([]*Record, error) {
	var out []*Record
	err := s.e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		parent, err := s.e.registry.Resolve(ctx, tx, parentRef)
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			statuses = []Status{parent.Status}
		}
		for _, rel := range s.e.registry.ChildRelations(parent.Type) {
			rows, err := tx.Find(ctx, Filter{
				Type:     rel.Type,
				HeadOnly: true,
				Statuses: statuses,
				Fields:   []FieldMatch{{Name: rel.Field, Value: parent.ID}},
			})
			if err != nil {
				return fmt.Errorf("failed to load children of %s: %w", parent.Ref(), err)
			}
			out = append(out, rows...)
		}
		return nil
	})
	return out, err
}

func (e *Engine) handleMerge(ctx context.Context, job jobs.Job) (err error) {
	var args mergeArgs
	if err := job.Decode(&args); err != nil {
		return err
	}
	ctx, span := e.tracer.StartJob(ctx, job.Kind)
	defer func() { observability.End(span, "", err) }()

	actor, err := e.resolveActor(ctx, args.Actor)
	if err != nil {
		return err
	}
	s := e.Session(actor)
	primary, err := s.Get(ctx, args.Primary)
	if err != nil {
		return err
	}
	secondary, err := s.Get(ctx, args.Secondary)
	if err != nil {
		return err
	}
	_, err = s.Merge(ctx, primary, secondary, MergeOptions{
		Message:        args.Message,
		Force:          args.Force,
		SkipAfterSaved: args.SkipAfterSaved,
		event:          args.MergeEvent,
	})
	return err
}

func (e *Engine) handleUnmerge(ctx context.Context, job jobs.Job) (err error) {
	var args unmergeArgs
	if err := job.Decode(&args); err != nil {
		return err
	}
	ctx, span := e.tracer.StartJob(ctx, job.Kind)
	defer func() { observability.End(span, "", err) }()

	actor, err := e.resolveActor(ctx, args.Actor)
	if err != nil {
		return err
	}
	s := e.Session(actor)
	head, err := s.Get(ctx, args.Head)
	if err != nil {
		return err
	}
	_, err = s.Unmerge(ctx, head, UnmergeOptions{
		Message:        args.Message,
		MergeEvent:     args.MergeEvent,
		Force:          args.Force,
		SkipAfterSaved: args.SkipAfterSaved,
	})
	return err
}
