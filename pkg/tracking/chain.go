package tracking

import (
	"context"
	"fmt"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
)

// maxChainLength bounds chain walks so a corrupted cycle fails instead of spinning.
const maxChainLength = 1 << 16

// copyCurrentState inserts a frozen copy of rec that points at rec, moves rec's
// predecessors and merge bookkeeping onto the copy, and returns the copy.
func (s *Session) copyCurrentState(ctx context.Context, rec *Record) (*Record, error) {
	prev, err := s.tx.Predecessors(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load predecessors: %w", err)
	}

	old := rec.Clone()
	old.ID = 0
	old.IsHead = false
	old.PointsTo = idPtr(rec.ID)
	if err := s.save(ctx, old); err != nil {
		return nil, err
	}

	if err := s.tx.MoveAffected(ctx, rec.Ref(), old.ID); err != nil {
		return nil, fmt.Errorf("failed to move merge bookkeeping: %w", err)
	}

	for _, p := range prev {
		p.PointsTo = idPtr(old.ID)
		if err := s.save(ctx, p); err != nil {
			return nil, err
		}
	}
	return old, nil
}

// predecessors returns the rows pointing at rec, oldest first.
func (s *Session) predecessors(ctx context.Context, rec *Record) ([]*Record, error) {
	prev, err := s.tx.Predecessors(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load predecessors: %w", err)
	}
	return prev, nil
}

// head follows PointsTo until it reaches the head row.
func (s *Session) head(ctx context.Context, rec *Record) (*Record, error) {
	cur := rec
	for i := 0; i < maxChainLength; i++ {
		if cur.IsHead || cur.PointsTo == nil {
			return cur, nil
		}
		next, err := s.tx.Get(ctx, *cur.PointsTo)
		if err != nil {
			return nil, fmt.Errorf("failed to follow chain from %s: %w", cur.Ref(), err)
		}
		cur = next
	}
	return nil, trkerrors.Precondition("head", "revision chain of %s does not terminate", rec.Ref())
}

// headBeforeMerge is head, except it stops at the row that was merged away as
// the secondary input of its successor.
func (s *Session) headBeforeMerge(ctx context.Context, rec *Record) (*Record, error) {
	cur := rec
	for i := 0; i < maxChainLength; i++ {
		if cur.IsHead || cur.PointsTo == nil {
			return cur, nil
		}
		next, err := s.tx.Get(ctx, *cur.PointsTo)
		if err != nil {
			return nil, fmt.Errorf("failed to follow chain from %s: %w", cur.Ref(), err)
		}
		if ptrIs(next.SecondaryMergeFrom, cur.ID) {
			return cur, nil
		}
		cur = next
	}
	return nil, trkerrors.Precondition("head", "revision chain of %s does not terminate", rec.Ref())
}

// setAllNext writes value into field on every successor of rec, stopping at
// the first successor whose value differs from expected. force skips the check.
func (s *Session) setAllNext(ctx context.Context, rec *Record, field string, value, expected any, force bool) error {
	cur := rec
	for i := 0; i < maxChainLength; i++ {
		if cur.PointsTo == nil {
			return nil
		}
		next, err := s.tx.Get(ctx, *cur.PointsTo)
		if err != nil {
			return fmt.Errorf("failed to follow chain from %s: %w", cur.Ref(), err)
		}
		if !force && !valuesEqual(next.Fields[field], expected) {
			return nil
		}
		next.Fields[field] = value
		if err := s.save(ctx, next); err != nil {
			return err
		}
		cur = next
	}
	return trkerrors.Precondition("set_all_next", "revision chain of %s does not terminate", rec.Ref())
}

// mostRecentMergeEvent returns rec's merge event, or the first one found
// walking back through its predecessors.
func (s *Session) mostRecentMergeEvent(ctx context.Context, rec *Record) (*int64, error) {
	seen := make(map[int64]bool)
	var walk func(r *Record) (*int64, error)
	walk = func(r *Record) (*int64, error) {
		if r.MergeEvent != nil {
			return clonePtr(r.MergeEvent), nil
		}
		if seen[r.ID] {
			return nil, nil
		}
		seen[r.ID] = true
		prev, err := s.predecessors(ctx, r)
		if err != nil {
			return nil, err
		}
		for _, p := range prev {
			ev, err := walk(p)
			if err != nil || ev != nil {
				return ev, err
			}
		}
		return nil, nil
	}
	return walk(rec)
}

// findByMergeEvent returns the single row of typ stamped with event.
func (s *Session) findByMergeEvent(ctx context.Context, typ string, event int64) (*Record, error) {
	rows, err := s.tx.Find(ctx, Filter{Type: typ, MergeEvent: idPtr(event)})
	if err != nil {
		return nil, fmt.Errorf("failed to find merge result: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, trkerrors.Precondition("unmerge", "merge event %d stamped on %d %s rows", event, len(rows), typ)
	}
}

// History returns the revision chain ending at ref's head, newest first.
func (s *Session) History(ctx context.Context, ref Ref) ([]*Record, error) {
	var out []*Record
	collect := func(ctx context.Context, inner *Session) error {
		rec, err := s.e.registry.Resolve(ctx, inner.tx, ref)
		if err != nil {
			return err
		}
		head, err := inner.head(ctx, rec)
		if err != nil {
			return err
		}
		cur := head
		for i := 0; i < maxChainLength && cur != nil; i++ {
			out = append(out, cur)
			prev, err := inner.predecessors(ctx, cur)
			if err != nil {
				return err
			}
			row := cur
			cur = nil
			for _, p := range prev {
				// A merged-away secondary also points here; its own history is separate.
				if ptrIs(row.SecondaryMergeFrom, p.ID) {
					continue
				}
				cur = p
			}
		}
		return nil
	}
	if s.tx != nil {
		return out, collect(ctx, s)
	}
	err := s.e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return collect(ctx, &Session{e: s.e, actor: s.actor, tx: tx, pending: &pending{}})
	})
	return out, err
}
