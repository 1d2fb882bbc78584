package tracking

import (
	"context"
	"fmt"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/logging"
)

// SubmitOptions controls Submit.
type SubmitOptions struct {
	Message string
	// Live asks for Live even without add-without-approval permission.
	Live bool
	// Hidden asks for Hidden; granted only with add-without-approval permission.
	Hidden             bool
	Force              bool
	SkipDuplicateCheck bool
	SkipAfterSaved     bool
}

// EditOptions controls Edit.
type EditOptions struct {
	Message        string
	Force          bool
	SkipAfterSaved bool
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	Message        string
	Force          bool
	SkipAfterSaved bool
}

// Submit creates rec as Hidden, Live or Pending depending on the options and
// the actor's permissions. An identical Live record submitted by the same
// actor within the duplicate window is returned instead of creating a new one.
func (s *Session) Submit(ctx context.Context, rec *Record, opts SubmitOptions) (Outcome, error) {
	var out Outcome
	work := s.working(rec)
	committed, err := s.run(ctx, "submit", rec.Ref(), &out, func(ctx context.Context, s *Session) error {
		return s.submit(ctx, work, opts, &out)
	})
	finish(rec, work, &out, committed)
	return out, err
}

// SubmitLive is Submit asking for Live.
func (s *Session) SubmitLive(ctx context.Context, rec *Record, message string, force bool) (Outcome, error) {
	return s.Submit(ctx, rec, SubmitOptions{Message: message, Live: true, Force: force})
}

// SubmitHidden is Submit asking for Hidden.
func (s *Session) SubmitHidden(ctx context.Context, rec *Record, message string, force bool) (Outcome, error) {
	return s.Submit(ctx, rec, SubmitOptions{Message: message, Hidden: true, Force: force})
}

// Edit saves the in-memory changes of rec as a new revision. Without force it
// requires edit permission, and the status must be unchanged since load unless
// the change is Hidden to Live.
func (s *Session) Edit(ctx context.Context, rec *Record, opts EditOptions) (Outcome, error) {
	var out Outcome
	work := s.working(rec)
	committed, err := s.run(ctx, "edit", rec.Ref(), &out, func(ctx context.Context, s *Session) error {
		applied, err := s.edit(ctx, work, opts)
		out.Applied = applied
		return err
	})
	finish(rec, work, &out, committed)
	return out, err
}

// MakeLive marks rec Live and edits it.
func (s *Session) MakeLive(ctx context.Context, rec *Record, opts EditOptions) (Outcome, error) {
	if !s.e.HasEditPerm(s.actor, rec) {
		return Outcome{Record: rec}, nil
	}
	rec.Status = StatusLive
	return s.Edit(ctx, rec, opts)
}

// Approve moves rec to its parent's status, or Live when it has no parent.
func (s *Session) Approve(ctx context.Context, rec *Record, message string) (Outcome, error) {
	var out Outcome
	work := s.working(rec)
	committed, err := s.run(ctx, "approve", rec.Ref(), &out, func(ctx context.Context, s *Session) error {
		applied, err := s.approve(ctx, work, message)
		out.Applied = applied
		return err
	})
	finish(rec, work, &out, committed)
	return out, err
}

// Reject marks rec Rejected, recording the moderator in the removal fields.
func (s *Session) Reject(ctx context.Context, rec *Record, message string) (Outcome, error) {
	var out Outcome
	work := s.working(rec)
	committed, err := s.run(ctx, "reject", rec.Ref(), &out, func(ctx context.Context, s *Session) error {
		applied, err := s.reject(ctx, work, message)
		out.Applied = applied
		return err
	})
	finish(rec, work, &out, committed)
	return out, err
}

// Remove marks rec Removed and cascades the removal to its children.
func (s *Session) Remove(ctx context.Context, rec *Record, opts RemoveOptions) (Outcome, error) {
	var out Outcome
	work := s.working(rec)
	committed, err := s.run(ctx, "remove", rec.Ref(), &out, func(ctx context.Context, s *Session) error {
		applied, err := s.remove(ctx, work, opts)
		out.Applied = applied
		return err
	})
	finish(rec, work, &out, committed)
	return out, err
}

// working returns the record an action mutates: a copy at top level, so a
// rolled-back transaction leaves the caller's record untouched.
func (s *Session) working(rec *Record) *Record {
	if s.tx != nil {
		return rec
	}
	return rec.Clone()
}

func finish(rec, work *Record, out *Outcome, committed bool) {
	if committed {
		if work != rec {
			*rec = *work
		}
		if out.Applied {
			rec.MarkLoaded()
		}
	}
	if out.Record == nil {
		out.Record = rec
	}
}

func (s *Session) submit(ctx context.Context, rec *Record, opts SubmitOptions, out *Outcome) error {
	if !opts.Force && !s.e.HasAddPerm(s.actor, rec) {
		return nil
	}
	if !opts.SkipDuplicateCheck {
		dup, err := s.findIdentical(ctx, rec)
		if err != nil {
			return err
		}
		if dup != nil {
			out.Record = dup
			out.Duplicate = true
			return nil
		}
	}

	parent, err := s.parent(ctx, rec)
	if err != nil {
		return err
	}
	parentHidden := parent != nil && parent.IsHidden()
	withoutApproval := s.e.HasAddWithoutApprovalPerm(s.actor, rec)
	h := s.hooks(rec)
	message := opts.Message

	switch {
	case (opts.Hidden || parentHidden) && (opts.Force || withoutApproval):
		rec.Status = StatusHidden
		s.setSubmitParams(rec, message)
		if err := s.performAction(ctx, rec, ActionCreated, message); err != nil {
			return err
		}
		if err := h.DoIfHidden(ctx, s, rec, message); err != nil {
			return err
		}
	case opts.Live || withoutApproval:
		rec.Status = StatusLive
		s.setSubmitParams(rec, message)
		if err := s.performAction(ctx, rec, ActionCreated, message); err != nil {
			return err
		}
		if err := h.DoIfLive(ctx, s, rec, message); err != nil {
			return err
		}
	default:
		rec.Status = StatusPending
		s.setSubmitParams(rec, message)
		if err := s.performAction(ctx, rec, ActionCreated, message); err != nil {
			return err
		}
		message = PendingApprovalMessage
		out.Message = message
	}

	if !opts.SkipAfterSaved {
		if err := h.DoAfterSaved(ctx, s, rec, message); err != nil {
			return err
		}
	}
	if rec.IsHead {
		s.emit(EventCreated, rec, message)
	}
	out.Applied = true
	return nil
}

func (s *Session) edit(ctx context.Context, rec *Record, opts EditOptions) (bool, error) {
	allowed := opts.Force ||
		(s.e.HasEditPerm(s.actor, rec) && (rec.isHiddenToLive() || rec.OriginalStatus() == rec.Status))
	if !allowed {
		return false, nil
	}

	childFilter := FilterFor(rec.OriginalStatus())
	if err := s.performAction(ctx, rec, ActionEdited, opts.Message); err != nil {
		return false, err
	}

	if rec.isChangedToLive() {
		if err := s.schedulePropagation(rec, StatusLive, childFilter, propagateEdit, opts.Message, opts.Force); err != nil {
			return false, err
		}
	}
	h := s.hooks(rec)
	if rec.isHiddenToLive() {
		if err := h.DoIfLive(ctx, s, rec, opts.Message); err != nil {
			return false, err
		}
	}
	if !opts.SkipAfterSaved {
		if err := h.DoAfterSaved(ctx, s, rec, opts.Message); err != nil {
			return false, err
		}
	}
	if rec.IsHead {
		s.emit(EventUpdated, rec, opts.Message)
	}
	return true, nil
}

func (s *Session) approve(ctx context.Context, rec *Record, message string) (bool, error) {
	if !s.e.HasApprovePerm(s.actor, rec) {
		return false, nil
	}
	h := s.hooks(rec)
	if err := h.ApproveRelated(ctx, s, rec, message); err != nil {
		return false, err
	}

	parent, err := s.parent(ctx, rec)
	if err != nil {
		return false, err
	}
	if parent != nil {
		rec.Status = parent.Status
	} else {
		rec.Status = StatusLive
	}
	rec.ApprovedBy = s.actor.ID()
	rec.ApprovedTime = s.e.now()
	if err := s.performAction(ctx, rec, ActionApproved, message); err != nil {
		return false, err
	}

	if err := h.DoAfterSaved(ctx, s, rec, message); err != nil {
		return false, err
	}
	if rec.IsLive() {
		if err := h.DoIfLive(ctx, s, rec, message); err != nil {
			return false, err
		}
	}
	if rec.IsHead {
		s.emit(EventUpdated, rec, message)
	}
	return true, nil
}

func (s *Session) reject(ctx context.Context, rec *Record, message string) (bool, error) {
	if !s.e.HasApprovePerm(s.actor, rec) {
		return false, nil
	}
	h := s.hooks(rec)
	if err := h.RejectRelated(ctx, s, rec, message); err != nil {
		return false, err
	}
	rec.Status = StatusRejected
	rec.RemovedBy = s.actor.ID()
	rec.RemovedTime = s.e.now()
	if err := s.performAction(ctx, rec, ActionRejected, message); err != nil {
		return false, err
	}
	if err := h.DoIfRemoved(ctx, s, rec, message); err != nil {
		return false, err
	}
	if err := h.DoAfterSaved(ctx, s, rec, message); err != nil {
		return false, err
	}
	if rec.IsHead {
		s.emit(EventRemoved, rec, message)
	}
	return true, nil
}

func (s *Session) remove(ctx context.Context, rec *Record, opts RemoveOptions) (bool, error) {
	if !opts.Force && !s.e.HasRemovePerm(s.actor, rec) {
		return false, nil
	}
	// Children are selected by the status this record was loaded with, so a
	// cascaded removal still reaches the next level.
	childFilter := FilterFor(rec.OriginalStatus())
	h := s.hooks(rec)
	if err := h.RemoveRelated(ctx, s, rec, opts.Message); err != nil {
		return false, err
	}
	rec.Status = StatusRemoved
	rec.RemovedBy = s.actor.ID()
	rec.RemovedTime = s.e.now()
	rec.RemovalMessage = opts.Message
	if err := s.performAction(ctx, rec, ActionRemoved, opts.Message); err != nil {
		return false, err
	}
	if err := s.schedulePropagation(rec, StatusRemoved, childFilter, propagateRemove, opts.Message, opts.Force); err != nil {
		return false, err
	}
	if err := h.DoIfRemoved(ctx, s, rec, opts.Message); err != nil {
		return false, err
	}
	if !opts.SkipAfterSaved {
		if err := h.DoAfterSaved(ctx, s, rec, opts.Message); err != nil {
			return false, err
		}
	}
	if rec.IsHead {
		s.emit(EventRemoved, rec, opts.Message)
	}
	return true, nil
}

// performAction peels the stored state of rec off into a predecessor row, then
// stamps the action on rec and saves it in place.
func (s *Session) performAction(ctx context.Context, rec *Record, action Action, message string) error {
	if rec.ID != 0 {
		stored, err := s.tx.Get(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to reload %s: %w", rec.Ref(), err)
		}
		if _, err := s.copyCurrentState(ctx, stored); err != nil {
			return err
		}
	}
	rec.MergeEvent = nil
	rec.PrimaryMergeFrom = nil
	rec.SecondaryMergeFrom = nil
	rec.ActionBy = s.actor.ID()
	rec.ActionTime = s.e.now()
	rec.ActionTaken = action
	rec.ActionMessage = message
	return s.save(ctx, rec)
}

// setSubmitParams fills the submission fields that are still empty.
func (s *Session) setSubmitParams(rec *Record, message string) {
	if rec.SubmittedBy == "" {
		rec.SubmittedBy = s.actor.ID()
	}
	if rec.SubmittedTime.IsZero() {
		rec.SubmittedTime = s.e.now()
	}
	if rec.SubmissionMessage == "" {
		rec.SubmissionMessage = message
	}
}

// parent resolves the record rec inherits its status from, if any.
func (s *Session) parent(ctx context.Context, rec *Record) (*Record, error) {
	d, err := s.e.registry.mustDescriptor(rec.Type)
	if err != nil {
		return nil, err
	}
	if len(d.InheritsStatusFrom) == 0 {
		return nil, nil
	}
	name := d.InheritsStatusFrom[0]
	id := rec.Fields.Int(name)
	if id == 0 {
		return nil, nil
	}
	f, _ := d.Field(name)
	parent, err := s.e.registry.Resolve(ctx, s.tx, Ref{Type: f.RefType, ID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to load parent of %s: %w", rec.Ref(), err)
	}
	return parent, nil
}

// findIdentical returns a Live head of the same type submitted by the actor
// within the duplicate window whose domain fields all equal rec's.
func (s *Session) findIdentical(ctx context.Context, rec *Record) (*Record, error) {
	if s.actor.ID() == "" {
		return nil, nil
	}
	f := Filter{
		Type:           rec.Type,
		HeadOnly:       true,
		Statuses:       []Status{StatusLive},
		SubmittedBy:    s.actor.ID(),
		SubmittedSince: s.e.now().Add(-s.e.dupWindow),
		Limit:          1,
	}
	if rec.ID != 0 {
		f.ExcludeIDs = []int64{rec.ID}
	}
	for _, name := range s.e.registry.fieldNames(rec.Type) {
		f.Fields = append(f.Fields, FieldMatch{Name: name, Value: rec.Fields[name]})
	}
	rows, err := s.tx.Find(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Decision is a moderation verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ModerationResult is the response for moderation endpoints.
type ModerationResult struct {
	Message string `json:"message"`
}

// Moderate applies d to the record at ref. Unexpected failures are logged and
// reported with a generic message.
func (s *Session) Moderate(ctx context.Context, ref Ref, d Decision) ModerationResult {
	rec, err := s.Get(ctx, ref)
	if err == nil {
		switch d {
		case DecisionApprove:
			if _, err = s.Approve(ctx, rec, ""); err == nil {
				return ModerationResult{Message: "Approved"}
			}
		case DecisionReject:
			if _, err = s.Reject(ctx, rec, ""); err == nil {
				return ModerationResult{Message: "Rejected"}
			}
		default:
			err = fmt.Errorf("%w: unknown decision %q", trkerrors.ErrValidation, d)
		}
	}
	s.e.logger.WithContext(ctx).Error("Moderation failed",
		logging.F("ref", ref.String()),
		logging.F("decision", string(d)),
		logging.Err(err))
	return ModerationResult{Message: trkerrors.GenericFailureMessage}
}
