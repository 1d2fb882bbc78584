// Package memstore is an in-memory tracking.Store. Transactions are serialized
// by a single lock and rolled back from a snapshot, so a transaction must not
// open another one on the same store.
package memstore

import (
	"context"
	"sort"
	"sync"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// Store keeps every row in memory.
type Store struct {
	mu    sync.Mutex
	state state
}

type state struct {
	rows       map[int64]*tracking.Record
	affected   map[int64]tracking.AffectedByMerge
	nextID     int64
	nextEvent  int64
	nextAffect int64
}

// New creates an empty store.
func New() *Store {
	return &Store{state: state{
		rows:     make(map[int64]*tracking.Record),
		affected: make(map[int64]tracking.AffectedByMerge),
	}}
}

func (st state) clone() state {
	c := st
	c.rows = make(map[int64]*tracking.Record, len(st.rows))
	for id, r := range st.rows {
		c.rows[id] = r.Clone()
	}
	c.affected = make(map[int64]tracking.AffectedByMerge, len(st.affected))
	for id, a := range st.affected {
		c.affected[id] = a
	}
	return c
}

// WithTx runs fn under the store lock and restores the previous state if fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx tracking.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(ctx, &tx{st: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// Len returns the number of stored rows, heads and predecessors alike.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.rows)
}

// AffectedCount returns the number of merge bookkeeping rows.
func (s *Store) AffectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.affected)
}

type tx struct {
	st *state
}

func loaded(r *tracking.Record) *tracking.Record {
	c := r.Clone()
	c.MarkLoaded()
	return c
}

func (t *tx) Get(ctx context.Context, id int64) (*tracking.Record, error) {
	r, ok := t.st.rows[id]
	if !ok {
		return nil, trkerrors.NotFound("record", id)
	}
	return loaded(r), nil
}

func (t *tx) GetForUpdate(ctx context.Context, id int64) (*tracking.Record, error) {
	return t.Get(ctx, id)
}

func (t *tx) Insert(ctx context.Context, rec *tracking.Record) error {
	t.st.nextID++
	rec.ID = t.st.nextID
	t.st.rows[rec.ID] = rec.Clone()
	return nil
}

func (t *tx) Update(ctx context.Context, rec *tracking.Record) error {
	if _, ok := t.st.rows[rec.ID]; !ok {
		return trkerrors.NotFound(rec.Type, rec.ID)
	}
	t.st.rows[rec.ID] = rec.Clone()
	return nil
}

func (t *tx) Predecessors(ctx context.Context, id int64) ([]*tracking.Record, error) {
	var out []*tracking.Record
	for _, r := range t.st.rows {
		if r.PointsTo != nil && *r.PointsTo == id {
			out = append(out, loaded(r))
		}
	}
	sortByID(out, false)
	return out, nil
}

func (t *tx) Find(ctx context.Context, f tracking.Filter) ([]*tracking.Record, error) {
	var out []*tracking.Record
	for _, r := range t.st.rows {
		if f.Matches(r) {
			out = append(out, loaded(r))
		}
	}
	sortByID(out, f.Newest)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *tx) Count(ctx context.Context, f tracking.Filter) (int, error) {
	n := 0
	for _, r := range t.st.rows {
		if f.Matches(r) {
			n++
		}
	}
	return n, nil
}

func (t *tx) CreateMergeEvent(ctx context.Context) (int64, error) {
	t.st.nextEvent++
	return t.st.nextEvent, nil
}

func (t *tx) AddAffected(ctx context.Context, event int64, target tracking.Ref) (int64, error) {
	t.st.nextAffect++
	id := t.st.nextAffect
	t.st.affected[id] = tracking.AffectedByMerge{ID: id, MergeEvent: event, Target: target}
	return id, nil
}

func (t *tx) AffectedBy(ctx context.Context, event int64) ([]tracking.AffectedByMerge, error) {
	var out []tracking.AffectedByMerge
	for _, a := range t.st.affected {
		if a.MergeEvent == event {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) HasAffected(ctx context.Context, id int64) (bool, error) {
	_, ok := t.st.affected[id]
	return ok, nil
}

func (t *tx) MoveAffected(ctx context.Context, from tracking.Ref, toID int64) error {
	for id, a := range t.st.affected {
		if a.Target == from {
			a.Target.ID = toID
			t.st.affected[id] = a
		}
	}
	return nil
}

func (t *tx) DeleteAffected(ctx context.Context, id int64) error {
	delete(t.st.affected, id)
	return nil
}

func sortByID(recs []*tracking.Record, desc bool) {
	sort.Slice(recs, func(i, j int) bool {
		if desc {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].ID < recs[j].ID
	})
}

var _ tracking.Store = (*Store)(nil)
