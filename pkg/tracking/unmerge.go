package tracking

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/observability"
)

// UnmergeOptions controls Unmerge.
type UnmergeOptions struct {
	Message string
	// MergeEvent selects the merge to undo. When nil the most recent merge in
	// head's history is used.
	MergeEvent     *int64
	Force          bool
	SkipAfterSaved bool

	// nested is set when undoing a conflict merge from inside another unmerge.
	nested bool
}

// Unmerge undoes a merge recorded in head's history. Fields that were filled
// from the secondary are cleared again if nobody changed them since, the
// secondary becomes head again, and records redirected by the merge point back
// at the secondary.
func (s *Session) Unmerge(ctx context.Context, head *Record, opts UnmergeOptions) (Outcome, error) {
	var out Outcome
	var result *Record
	committed, err := s.run(ctx, "unmerge", head.Ref(), &out, func(ctx context.Context, s *Session) error {
		rec, applied, err := s.unmerge(ctx, head, opts)
		result = rec
		out.Applied = applied
		return err
	})
	if committed && out.Applied && result != nil {
		*head = *result
		head.MarkLoaded()
	}
	out.Record = head
	return out, err
}

func (s *Session) unmerge(ctx context.Context, in *Record, opts UnmergeOptions) (*Record, bool, error) {
	head, err := s.tx.GetForUpdate(ctx, in.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock %s: %w", in.Ref(), err)
	}
	if head.Type != in.Type {
		return nil, false, trkerrors.Precondition("unmerge", "stored type of %s differs", in.Ref())
	}
	if !head.IsHead {
		return nil, false, trkerrors.Precondition("unmerge", "only head records can be unmerged, %s is not head", head.Ref())
	}

	event := opts.MergeEvent
	if event == nil {
		if event, err = s.mostRecentMergeEvent(ctx, head); err != nil {
			return nil, false, err
		}
	}
	if event == nil {
		return nil, false, trkerrors.Forbidden("unmerge", "This object cannot be unmerged because it was never merged.")
	}
	ev := *event
	observability.SetMergeEvent(trace.SpanFromContext(ctx), ev)

	target := head
	if !ptrIs(head.MergeEvent, ev) {
		if target, err = s.findByMergeEvent(ctx, head.Type, ev); err != nil {
			return nil, false, err
		}
		if target == nil {
			return nil, false, trkerrors.Precondition("unmerge", "no %s row carries merge event %d", head.Type, ev)
		}
	}
	if target.PrimaryMergeFrom == nil || target.SecondaryMergeFrom == nil {
		return nil, false, trkerrors.Precondition("unmerge", "%s carries merge event %d without merge inputs", target.Ref(), ev)
	}

	h := s.hooks(head)
	if !(opts.Force || s.e.HasUnmergePerm(s.actor, target)) || !h.CanUnmerge(head, ev) {
		return nil, false, nil
	}

	oldPrimary, err := s.tx.Get(ctx, *target.PrimaryMergeFrom)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load merge input: %w", err)
	}
	secondary, err := s.tx.Get(ctx, *target.SecondaryMergeFrom)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load merge input: %w", err)
	}

	// Clear the fields the secondary filled in, unless they changed since.
	for _, name := range s.e.registry.fieldNames(head.Type) {
		old := oldPrimary.Fields[name]
		cur := head.Fields[name]
		filled := secondary.Fields[name]
		if IsEmpty(old) && !IsEmpty(filled) && valuesEqual(filled, cur) {
			target.Fields[name] = old
			if err := s.save(ctx, target); err != nil {
				return nil, false, err
			}
			if err := s.setAllNext(ctx, target, name, old, cur, false); err != nil {
				return nil, false, err
			}
		}
	}

	// The merge inputs stay recorded on the row.
	target.MergeEvent = nil
	target.ActionTaken = ActionUnmerged
	target.ActionBy = s.actor.ID()
	target.ActionTime = s.e.now()
	target.ActionMessage = opts.Message
	if err := s.save(ctx, target); err != nil {
		return nil, false, err
	}

	secondary.IsHead = true
	secondary.PointsTo = nil
	if err := s.save(ctx, secondary); err != nil {
		return nil, false, err
	}

	affected, err := s.tx.AffectedBy(ctx, ev)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load merge side effects: %w", err)
	}
	for _, entry := range affected {
		if err := s.revertAffected(ctx, entry, head, target, secondary, opts); err != nil {
			return nil, false, err
		}
	}

	if !opts.SkipAfterSaved {
		if err := h.DoAfterSaved(ctx, s, head, opts.Message); err != nil {
			return nil, false, err
		}
	}

	result, err := s.tx.Get(ctx, head.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reload %s: %w", head.Ref(), err)
	}
	s.emit(EventUpdated, result, opts.Message)
	s.emit(EventUpdated, secondary, opts.Message)
	s.e.logger.WithContext(ctx).Debug("Unmerged records",
		logging.F("head", head.Ref().String()),
		logging.F("secondary", secondary.Ref().String()),
		logging.F("merge_event", ev),
		logging.F("affected", len(affected)))
	return result, true, nil
}

// revertAffected undoes one side effect of a merge. A nested unmerge leaves
// entries it could not revert for the enclosing unmerge to handle.
func (s *Session) revertAffected(ctx context.Context, entry AffectedByMerge, head, target, secondary *Record, opts UnmergeOptions) error {
	// A conflict unmerge earlier in the loop may have handled it already.
	exists, err := s.tx.HasAffected(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to check merge side effect: %w", err)
	}
	if !exists {
		return nil
	}

	affected, err := s.tx.Get(ctx, entry.Target.ID)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", entry.Target, err)
	}

	handled := false
	if ptrIs(affected.MergeEvent, entry.MergeEvent) {
		affHead, err := s.head(ctx, affected)
		if err != nil {
			return err
		}
		if _, _, err := s.unmerge(ctx, affHead, UnmergeOptions{
			Message:        opts.Message,
			MergeEvent:     idPtr(entry.MergeEvent),
			Force:          true,
			SkipAfterSaved: true,
			nested:         true,
		}); err != nil {
			return err
		}
		handled = true
	} else {
		beforeMerge, err := s.headBeforeMerge(ctx, target)
		if err != nil {
			return err
		}
		affHead, err := s.head(ctx, affected)
		if err != nil {
			return err
		}
		prev, err := s.predecessors(ctx, affected)
		if err != nil {
			return err
		}
		fields := s.e.registry.refFieldsTo(affected.Type, head.Type)
		for _, p := range prev {
			for _, f := range fields {
				if affHead.Fields.Int(f) == head.ID &&
					affected.Fields.Int(f) == beforeMerge.ID &&
					p.Fields.Int(f) == secondary.ID {
					affected.Fields[f] = secondary.ID
					if err := s.save(ctx, affected); err != nil {
						return err
					}
					if err := s.setAllNext(ctx, affected, f, secondary.ID, head.ID, true); err != nil {
						return err
					}
					handled = true
				}
			}
		}
	}

	if handled || !opts.nested {
		if err := s.tx.DeleteAffected(ctx, entry.ID); err != nil {
			return fmt.Errorf("failed to delete merge side effect: %w", err)
		}
	}
	return nil
}
