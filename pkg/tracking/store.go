package tracking

import (
	"context"
	"time"
)

// Store runs transactions against persisted records.
type Store interface {
	// WithTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of record operations available inside a transaction.
// Returned records are copies owned by the caller, already marked loaded.
type Tx interface {
	Get(ctx context.Context, id int64) (*Record, error)
	// GetForUpdate is Get plus a row lock held until the transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*Record, error)
	// Insert assigns rec.ID.
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	// Predecessors returns rows whose PointsTo is id, ordered by id.
	Predecessors(ctx context.Context, id int64) ([]*Record, error)
	Find(ctx context.Context, f Filter) ([]*Record, error)
	Count(ctx context.Context, f Filter) (int, error)

	CreateMergeEvent(ctx context.Context) (int64, error)
	AddAffected(ctx context.Context, event int64, target Ref) (int64, error)
	// AffectedBy returns the bookkeeping rows of event, ordered by id.
	AffectedBy(ctx context.Context, event int64) ([]AffectedByMerge, error)
	HasAffected(ctx context.Context, id int64) (bool, error)
	// MoveAffected re-keys every row targeting from onto the row toID.
	MoveAffected(ctx context.Context, from Ref, toID int64) error
	// DeleteAffected removes a bookkeeping row. A missing row is not an error.
	DeleteAffected(ctx context.Context, id int64) error
}

// FieldMatch is an equality condition on a domain field.
type FieldMatch struct {
	Name  string
	Value any
}

// Filter selects records. Zero-valued members do not constrain.
type Filter struct {
	Type            string
	ID              int64
	HeadOnly        bool
	Statuses        []Status
	ExcludeStatuses []Status
	SubmittedBy     string
	SubmittedSince  time.Time
	Fields          []FieldMatch
	MergeEvent      *int64
	AutoApprove     *bool
	// VisibleTo keeps Live rows plus Hidden rows submitted by the given user.
	VisibleTo  *string
	ExcludeIDs []int64
	// None matches nothing.
	None   bool
	Limit  int
	Newest bool
}

// Matches evaluates the filter against rec, ignoring Limit and ordering.
func (f Filter) Matches(rec *Record) bool {
	if f.None {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.ID != 0 && rec.ID != f.ID {
		return false
	}
	if f.HeadOnly && !rec.IsHead {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, rec.Status) {
		return false
	}
	if containsStatus(f.ExcludeStatuses, rec.Status) {
		return false
	}
	if f.SubmittedBy != "" && rec.SubmittedBy != f.SubmittedBy {
		return false
	}
	if !f.SubmittedSince.IsZero() && rec.SubmittedTime.Before(f.SubmittedSince) {
		return false
	}
	for _, m := range f.Fields {
		if !valuesEqual(rec.Fields[m.Name], m.Value) {
			return false
		}
	}
	if f.MergeEvent != nil && !ptrEqual(rec.MergeEvent, f.MergeEvent) {
		return false
	}
	if f.AutoApprove != nil && rec.AutoApprove != *f.AutoApprove {
		return false
	}
	if f.VisibleTo != nil {
		visible := rec.Status == StatusLive ||
			(rec.Status == StatusHidden && *f.VisibleTo != "" && rec.SubmittedBy == *f.VisibleTo)
		if !visible {
			return false
		}
	}
	for _, id := range f.ExcludeIDs {
		if rec.ID == id {
			return false
		}
	}
	return true
}
