package tracking

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/observability"
)

// MergeOptions controls Merge.
type MergeOptions struct {
	Message        string
	Force          bool
	SkipAfterSaved bool

	// event is set when a merge resolves a conflict inside another merge.
	event *int64
}

// Merge folds secondary into primary. Empty fields of primary are filled from
// secondary, secondary stops being head, and every head record referring to
// secondary is redirected to primary. A redirected record that then conflicts
// with another is itself merged into it under the same merge event.
//
// On success primary and secondary are updated to their stored state.
func (s *Session) Merge(ctx context.Context, primary, secondary *Record, opts MergeOptions) (Outcome, error) {
	var out Outcome
	var merged, folded *Record
	committed, err := s.run(ctx, "merge", primary.Ref(), &out, func(ctx context.Context, s *Session) error {
		p, sec, applied, err := s.merge(ctx, primary, secondary, opts)
		merged, folded = p, sec
		out.Applied = applied
		return err
	})
	if committed && out.Applied {
		*primary = *merged
		*secondary = *folded
		primary.MarkLoaded()
		secondary.MarkLoaded()
	}
	out.Record = primary
	return out, err
}

func (s *Session) merge(ctx context.Context, primary, secondary *Record, opts MergeOptions) (*Record, *Record, bool, error) {
	if primary.Type != secondary.Type {
		return nil, nil, false, trkerrors.Precondition("merge", "cannot merge %s into %s", secondary.Ref(), primary.Ref())
	}
	if primary.ID == 0 || secondary.ID == 0 || primary.ID == secondary.ID {
		return nil, nil, false, trkerrors.Precondition("merge", "merge needs two distinct saved records, got %s and %s", primary.Ref(), secondary.Ref())
	}
	p, err := s.tx.GetForUpdate(ctx, primary.ID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to lock %s: %w", primary.Ref(), err)
	}
	sec, err := s.tx.GetForUpdate(ctx, secondary.ID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to lock %s: %w", secondary.Ref(), err)
	}
	if p.Type != primary.Type || sec.Type != secondary.Type {
		return nil, nil, false, trkerrors.Precondition("merge", "stored type of %s or %s differs", primary.Ref(), secondary.Ref())
	}
	if !p.IsHead || !sec.IsHead {
		return nil, nil, false, trkerrors.Precondition("merge", "only head records can be merged")
	}

	h := s.hooks(p)
	if !(opts.Force || s.e.HasMergePerm(s.actor, p, sec)) || !h.CanMerge(p, sec) {
		return nil, nil, false, nil
	}

	referrers, err := s.referrersOf(ctx, sec, p.ID)
	if err != nil {
		return nil, nil, false, err
	}

	oldPrimary, err := s.copyCurrentState(ctx, p)
	if err != nil {
		return nil, nil, false, err
	}

	for _, name := range s.e.registry.fieldNames(p.Type) {
		if IsEmpty(p.Fields[name]) && !IsEmpty(sec.Fields[name]) {
			p.Fields[name] = sec.Fields[name]
		}
	}

	sec.IsHead = false
	sec.PointsTo = idPtr(p.ID)
	if _, err := s.edit(ctx, sec, EditOptions{Message: opts.Message, Force: true}); err != nil {
		return nil, nil, false, err
	}

	var event int64
	if opts.event != nil {
		event = *opts.event
	} else if event, err = s.tx.CreateMergeEvent(ctx); err != nil {
		return nil, nil, false, fmt.Errorf("failed to create merge event: %w", err)
	}
	observability.SetMergeEvent(trace.SpanFromContext(ctx), event)

	p.MergeEvent = idPtr(event)
	p.PointsTo = nil
	p.IsHead = true
	p.ActionTaken = ActionMerged
	p.ActionTime = s.e.now()
	p.ActionBy = s.actor.ID()
	p.ActionMessage = opts.Message
	p.PrimaryMergeFrom = idPtr(oldPrimary.ID)
	p.SecondaryMergeFrom = idPtr(sec.ID)
	if err := h.MergeFields(ctx, s, p, sec, oldPrimary); err != nil {
		return nil, nil, false, err
	}
	if err := s.save(ctx, p); err != nil {
		return nil, nil, false, err
	}

	for _, ref := range referrers {
		if err := s.redirectReferrer(ctx, ref, p, sec, event, opts); err != nil {
			return nil, nil, false, err
		}
	}

	if !opts.SkipAfterSaved {
		if err := h.DoAfterSaved(ctx, s, p, opts.Message); err != nil {
			return nil, nil, false, err
		}
	}
	s.emit(EventUpdated, p, opts.Message)
	s.e.logger.WithContext(ctx).Debug("Merged records",
		logging.F("primary", p.Ref().String()),
		logging.F("secondary", sec.Ref().String()),
		logging.F("merge_event", event),
		logging.F("referrers", len(referrers)))
	return p, sec, true, nil
}

// referrersOf returns the head records holding a ref field that points at rec.
// The primary of the merge is never one of them.
func (s *Session) referrersOf(ctx context.Context, rec *Record, primaryID int64) ([]Ref, error) {
	var out []Ref
	seen := make(map[Ref]bool)
	for _, rel := range s.e.registry.Referrers(rec.Type) {
		rows, err := s.tx.Find(ctx, Filter{
			Type:     rel.Type,
			HeadOnly: true,
			Fields:   []FieldMatch{{Name: rel.Field, Value: rec.ID}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to find records referring to %s: %w", rec.Ref(), err)
		}
		for _, row := range rows {
			ref := row.Ref()
			if row.Type == rec.Type && (row.ID == rec.ID || row.ID == primaryID) {
				continue
			}
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out, nil
}

// redirectReferrer points ref's fields at primary instead of secondary and
// records it as affected by event.
func (s *Session) redirectReferrer(ctx context.Context, ref Ref, primary, secondary *Record, event int64, opts MergeOptions) error {
	r, err := s.tx.Get(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", ref, err)
	}
	// An earlier conflict merge in this loop may have folded it already.
	if !r.IsHead {
		return nil
	}
	for _, f := range s.e.registry.refFieldsTo(r.Type, primary.Type) {
		if r.Fields.Int(f) == secondary.ID {
			r.Fields[f] = primary.ID
		}
	}

	conflicts, err := s.hooks(r).Conflicts(ctx, s, r)
	if err != nil {
		return fmt.Errorf("failed to check conflicts of %s: %w", ref, err)
	}
	conflicts = otherHeads(conflicts, r.ID)

	if len(conflicts) > 0 {
		fresh, err := s.tx.Get(ctx, ref.ID)
		if err != nil {
			return fmt.Errorf("failed to reload %s: %w", ref, err)
		}
		target := conflicts[0]
		_, _, applied, err := s.merge(ctx, target, fresh, MergeOptions{
			Message:        opts.Message,
			Force:          true,
			SkipAfterSaved: opts.SkipAfterSaved,
			event:          idPtr(event),
		})
		if err != nil {
			return err
		}
		if !applied {
			return trkerrors.Forbidden("merge", fmt.Sprintf("%s conflicts with %s and cannot be merged into it", ref, target.Ref()))
		}
		if _, err := s.tx.AddAffected(ctx, event, target.Ref()); err != nil {
			return fmt.Errorf("failed to record merge side effect: %w", err)
		}
		if _, err := s.tx.AddAffected(ctx, event, fresh.Ref()); err != nil {
			return fmt.Errorf("failed to record merge side effect: %w", err)
		}
	} else {
		if _, err := s.edit(ctx, r, EditOptions{Message: opts.Message, Force: true, SkipAfterSaved: true}); err != nil {
			return err
		}
		if _, err := s.tx.AddAffected(ctx, event, r.Ref()); err != nil {
			return fmt.Errorf("failed to record merge side effect: %w", err)
		}
	}
	s.e.metrics.RecordMergeAffected(r.Type)
	return nil
}

func otherHeads(recs []*Record, id int64) []*Record {
	out := recs[:0:0]
	for _, r := range recs {
		if r != nil && r.ID != id && r.IsHead {
			out = append(out, r)
		}
	}
	return out
}
