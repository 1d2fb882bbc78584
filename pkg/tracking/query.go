package tracking

import (
	"context"
	"time"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
)

// QuerySet is an immutable record query. Every builder method returns a new
// QuerySet; terminals run the query in its own transaction, or in the
// session's transaction when built from a Session inside an action.
type QuerySet struct {
	e      *Engine
	tx     Tx
	filter Filter
}

func (e *Engine) query(tx Tx, f Filter) *QuerySet {
	return &QuerySet{e: e, tx: tx, filter: f}
}

// Objects returns every head record of typ.
func (e *Engine) Objects(typ string) *QuerySet {
	return e.query(nil, Filter{Type: typ, HeadOnly: true})
}

// AllObjects returns every row of typ, frozen predecessors included.
func (e *Engine) AllObjects(typ string) *QuerySet {
	return e.query(nil, Filter{Type: typ})
}

func (e *Engine) Live(typ string) *QuerySet { return e.Objects(typ).Status(StatusFilter{Live: true}) }

func (e *Engine) Hidden(typ string) *QuerySet {
	return e.Objects(typ).Status(StatusFilter{Hidden: true})
}

func (e *Engine) PendingApproval(typ string) *QuerySet {
	return e.Objects(typ).Status(StatusFilter{Pending: true})
}

func (e *Engine) Rejected(typ string) *QuerySet {
	return e.Objects(typ).Status(StatusFilter{Rejected: true})
}

func (e *Engine) Removed(typ string) *QuerySet {
	return e.Objects(typ).Status(StatusFilter{Removed: true})
}

// Objects is Engine.Objects bound to the session's transaction.
func (s *Session) Objects(typ string) *QuerySet {
	return s.e.query(s.tx, Filter{Type: typ, HeadOnly: true})
}

// AllObjects is Engine.AllObjects bound to the session's transaction.
func (s *Session) AllObjects(typ string) *QuerySet {
	return s.e.query(s.tx, Filter{Type: typ})
}

func (s *Session) Live(typ string) *QuerySet { return s.Objects(typ).Status(StatusFilter{Live: true}) }

func (s *Session) Hidden(typ string) *QuerySet {
	return s.Objects(typ).Status(StatusFilter{Hidden: true})
}

func (s *Session) PendingApproval(typ string) *QuerySet {
	return s.Objects(typ).Status(StatusFilter{Pending: true})
}

func (s *Session) Rejected(typ string) *QuerySet {
	return s.Objects(typ).Status(StatusFilter{Rejected: true})
}

func (s *Session) Removed(typ string) *QuerySet {
	return s.Objects(typ).Status(StatusFilter{Removed: true})
}

func (q *QuerySet) with(fn func(f *Filter)) *QuerySet {
	f := q.filter
	f.Statuses = append([]Status(nil), q.filter.Statuses...)
	f.ExcludeStatuses = append([]Status(nil), q.filter.ExcludeStatuses...)
	f.Fields = append([]FieldMatch(nil), q.filter.Fields...)
	f.ExcludeIDs = append([]int64(nil), q.filter.ExcludeIDs...)
	fn(&f)
	return &QuerySet{e: q.e, tx: q.tx, filter: f}
}

// Filter returns a copy of the underlying filter.
func (q *QuerySet) Filter() Filter {
	return q.with(func(*Filter) {}).filter
}

// Status narrows to the statuses sf selects. A zero filter leaves the set unchanged.
func (q *QuerySet) Status(sf StatusFilter) *QuerySet {
	statuses := sf.Statuses()
	if len(statuses) == 0 {
		return q
	}
	return q.with(func(f *Filter) {
		if len(f.Statuses) == 0 {
			f.Statuses = statuses
			return
		}
		var both []Status
		for _, st := range f.Statuses {
			if containsStatus(statuses, st) {
				both = append(both, st)
			}
		}
		if len(both) == 0 {
			f.None = true
		}
		f.Statuses = both
	})
}

// Exclude drops records with any of statuses.
func (q *QuerySet) Exclude(statuses ...Status) *QuerySet {
	return q.with(func(f *Filter) { f.ExcludeStatuses = append(f.ExcludeStatuses, statuses...) })
}

// Where requires field to equal value.
func (q *QuerySet) Where(field string, value any) *QuerySet {
	if n, ok := toInt64(value); ok {
		value = n
	}
	return q.with(func(f *Filter) { f.Fields = append(f.Fields, FieldMatch{Name: field, Value: value}) })
}

func (q *QuerySet) SubmittedBy(id string) *QuerySet {
	return q.with(func(f *Filter) { setSubmittedBy(f, id) })
}

func (q *QuerySet) SubmittedSince(t time.Time) *QuerySet {
	return q.with(func(f *Filter) { f.SubmittedSince = t })
}

func (q *QuerySet) AutoApprove(v bool) *QuerySet {
	return q.with(func(f *Filter) { f.AutoApprove = &v })
}

func (q *QuerySet) ExcludeIDs(ids ...int64) *QuerySet {
	return q.with(func(f *Filter) { f.ExcludeIDs = append(f.ExcludeIDs, ids...) })
}

func (q *QuerySet) Limit(n int) *QuerySet {
	return q.with(func(f *Filter) { f.Limit = n })
}

// Newest orders by id descending.
func (q *QuerySet) Newest() *QuerySet {
	return q.with(func(f *Filter) { f.Newest = true })
}

// None returns an empty set.
func (q *QuerySet) None() *QuerySet {
	return q.with(func(f *Filter) { f.None = true })
}

func setSubmittedBy(f *Filter, id string) {
	if f.SubmittedBy != "" && f.SubmittedBy != id {
		f.None = true
	}
	f.SubmittedBy = id
}

// FilterPerms keeps what actor may act on with perm. A global grant, or perm on
// obj, keeps everything. Otherwise view keeps Live rows plus the actor's Hidden
// rows, other permissions keep the actor's own rows, and anonymous actors get
// nothing.
func (q *QuerySet) FilterPerms(actor Actor, perm string, obj *Record) *QuerySet {
	if actor == nil {
		actor = Anonymous()
	}
	if actor.HasPermission(perm) {
		return q
	}
	if obj != nil && q.e.HasPerm(actor, obj, perm) {
		return q
	}
	if perm == PermView {
		id := actor.ID()
		return q.with(func(f *Filter) { f.VisibleTo = &id })
	}
	if actor.ID() == "" {
		return q.None()
	}
	return q.SubmittedBy(actor.ID())
}

// FilterViewPerms keeps what actor may see. Removed records are never visible.
func (q *QuerySet) FilterViewPerms(actor Actor, obj *Record) *QuerySet {
	return q.Exclude(StatusRemoved).FilterPerms(actor, PermView, obj)
}

func (q *QuerySet) FilterEditPerms(actor Actor, obj *Record) *QuerySet {
	return q.FilterPerms(actor, PermChange, obj)
}

func (q *QuerySet) FilterRemovePerms(actor Actor, obj *Record) *QuerySet {
	return q.FilterPerms(actor, PermDelete, obj)
}

func (q *QuerySet) run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if q.tx != nil {
		return fn(ctx, q.tx)
	}
	return q.e.store.WithTx(ctx, fn)
}

// All returns every matching record.
func (q *QuerySet) All(ctx context.Context) ([]*Record, error) {
	if q.filter.None {
		return nil, nil
	}
	var out []*Record
	err := q.run(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.Find(ctx, q.filter)
		return err
	})
	return out, err
}

// First returns the first matching record, or nil when there is none.
func (q *QuerySet) First(ctx context.Context) (*Record, error) {
	recs, err := q.Limit(1).All(ctx)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Count returns the number of matching records, ignoring Limit.
func (q *QuerySet) Count(ctx context.Context) (int, error) {
	if q.filter.None {
		return 0, nil
	}
	var n int
	err := q.run(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.Count(ctx, q.filter)
		return err
	})
	return n, err
}

// Exists reports whether any record matches.
func (q *QuerySet) Exists(ctx context.Context) (bool, error) {
	n, err := q.Count(ctx)
	return n > 0, err
}

// Get returns the matching record with id, or a not-found error.
func (q *QuerySet) Get(ctx context.Context, id int64) (*Record, error) {
	rec, err := q.with(func(f *Filter) { f.ID = id }).First(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, trkerrors.NotFound(q.filter.Type, id)
	}
	return rec, nil
}

// GetFromID is Get that tells a removed record apart from a missing one. With
// safe set a failed lookup returns nil and no error.
func (q *QuerySet) GetFromID(ctx context.Context, id int64, safe bool) (*Record, error) {
	rec, err := q.Get(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !trkerrors.IsNotFound(err) {
		return nil, err
	}
	if safe {
		return nil, nil
	}
	var stored *Record
	lookup := func(ctx context.Context, tx Tx) error {
		rows, err := tx.Find(ctx, Filter{Type: q.filter.Type, ID: id, Limit: 1})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			stored = rows[0]
		}
		return nil
	}
	if err := q.run(ctx, lookup); err != nil {
		return nil, err
	}
	if stored != nil && stored.IsRemoved() {
		return nil, trkerrors.Removed(q.filter.Type, id)
	}
	return nil, trkerrors.NotFound(q.filter.Type, id)
}

// HasPerm reports whether actor holds perm globally, on obj, or on any record
// of the set through ownership.
func (q *QuerySet) HasPerm(ctx context.Context, actor Actor, perm string, obj *Record) (bool, error) {
	if actor == nil {
		actor = Anonymous()
	}
	if actor.HasPermission(perm) {
		return true, nil
	}
	if obj != nil && q.e.HasPerm(actor, obj, perm) {
		return true, nil
	}
	if actor.ID() == "" {
		return false, nil
	}
	return q.FilterPerms(actor, perm, nil).Exists(ctx)
}

func (q *QuerySet) HasApprovePerm(ctx context.Context, actor Actor, obj *Record) (bool, error) {
	return q.HasPerm(ctx, actor, PermApprove, obj)
}

func (q *QuerySet) HasEditPerm(ctx context.Context, actor Actor, obj *Record) (bool, error) {
	return q.HasPerm(ctx, actor, PermChange, obj)
}

func (q *QuerySet) HasRemovePerm(ctx context.Context, actor Actor, obj *Record) (bool, error) {
	return q.HasPerm(ctx, actor, PermDelete, obj)
}
