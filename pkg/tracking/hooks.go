package tracking

import "context"

// Hooks are the per-type override points. Embed BaseHooks to pick up the
// no-op defaults and override only what the type needs.
type Hooks interface {
	// DoIfLive runs once, when the record first becomes Live.
	DoIfLive(ctx context.Context, s *Session, rec *Record, message string) error
	// DoIfHidden runs when the record is created Hidden.
	DoIfHidden(ctx context.Context, s *Session, rec *Record, message string) error
	// DoIfRemoved runs after the record is removed or rejected.
	DoIfRemoved(ctx context.Context, s *Session, rec *Record, message string) error
	// DoAfterSaved runs after user-driven creates and edits.
	DoAfterSaved(ctx context.Context, s *Session, rec *Record, message string) error

	ApproveRelated(ctx context.Context, s *Session, rec *Record, message string) error
	RejectRelated(ctx context.Context, s *Session, rec *Record, message string) error
	RemoveRelated(ctx context.Context, s *Session, rec *Record, message string) error

	// MergeFields runs after empty fields of primary were filled from secondary.
	// oldPrimary is the frozen pre-merge copy.
	MergeFields(ctx context.Context, s *Session, primary, secondary, oldPrimary *Record) error
	// Conflicts returns head records that may not coexist with rec.
	Conflicts(ctx context.Context, s *Session, rec *Record) ([]*Record, error)
	// AssertConstraints is checked before every head save; an error aborts the action.
	AssertConstraints(rec *Record) error

	SpecialPerm(actor Actor, rec *Record, perm string) bool
	SpecialRestriction(actor Actor, rec *Record, perm string) bool
	CanMerge(primary, secondary *Record) bool
	// CanUnmerge reports whether head may undo event.
	CanUnmerge(head *Record, event int64) bool
}

// BaseHooks provides the default behavior for every hook.
type BaseHooks struct{}

func (BaseHooks) DoIfLive(context.Context, *Session, *Record, string) error       { return nil }
func (BaseHooks) DoIfHidden(context.Context, *Session, *Record, string) error     { return nil }
func (BaseHooks) DoIfRemoved(context.Context, *Session, *Record, string) error    { return nil }
func (BaseHooks) DoAfterSaved(context.Context, *Session, *Record, string) error   { return nil }
func (BaseHooks) ApproveRelated(context.Context, *Session, *Record, string) error { return nil }
func (BaseHooks) RejectRelated(context.Context, *Session, *Record, string) error  { return nil }
func (BaseHooks) RemoveRelated(context.Context, *Session, *Record, string) error  { return nil }

func (BaseHooks) MergeFields(context.Context, *Session, *Record, *Record, *Record) error {
	return nil
}

func (BaseHooks) Conflicts(context.Context, *Session, *Record) ([]*Record, error) {
	return nil, nil
}

func (BaseHooks) AssertConstraints(*Record) error                { return nil }
func (BaseHooks) SpecialPerm(Actor, *Record, string) bool        { return false }
func (BaseHooks) SpecialRestriction(Actor, *Record, string) bool { return false }

func (BaseHooks) CanMerge(primary, secondary *Record) bool {
	return primary.IsHead && secondary.IsHead
}

func (BaseHooks) CanUnmerge(*Record, int64) bool { return true }

var _ Hooks = BaseHooks{}
