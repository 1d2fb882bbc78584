package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

func insert(t *testing.T, s *Store, recs ...*tracking.Record) {
	t.Helper()
	err := s.WithTx(context.Background(), func(ctx context.Context, tx tracking.Tx) error {
		for _, r := range recs {
			if err := tx.Insert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestStore_InsertGetUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := tracking.NewRecord("team", tracking.Fields{"name": "Hawks"})
	insert(t, s, rec)
	assert.Equal(t, int64(1), rec.ID)

	rec.Fields.Set("name", "mutated after insert")
	err := s.WithTx(ctx, func(ctx context.Context, tx tracking.Tx) error {
		got, err := tx.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Hawks", got.Fields.String("name"), "the store keeps its own copy")

		got.Status = tracking.StatusHidden
		require.NoError(t, tx.Update(ctx, got))
		again, err := tx.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, tracking.StatusHidden, again.OriginalStatus())

		_, err = tx.Get(ctx, 99)
		assert.True(t, trkerrors.IsNotFound(err))
		err = tx.Update(ctx, tracking.NewRecord("team", nil))
		assert.True(t, trkerrors.IsNotFound(err))
		return nil
	})
	require.NoError(t, err)
}

func TestStore_RollsBackOnError(t *testing.T) {
	s := New()
	insert(t, s, tracking.NewRecord("team", nil))

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(ctx context.Context, tx tracking.Tx) error {
		require.NoError(t, tx.Insert(ctx, tracking.NewRecord("team", nil)))
		ev, err := tx.CreateMergeEvent(ctx)
		require.NoError(t, err)
		_, err = tx.AddAffected(ctx, ev, tracking.Ref{Type: "team", ID: 1})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.Len())
	assert.Zero(t, s.AffectedCount())

	rec := tracking.NewRecord("team", nil)
	insert(t, s, rec)
	assert.Equal(t, int64(2), rec.ID, "ids handed out in a rolled-back transaction are reused")
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().WithTx(ctx, func(context.Context, tracking.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_FindAndPredecessors(t *testing.T) {
	s := New()
	ctx := context.Background()
	head := tracking.NewRecord("team", tracking.Fields{"name": "Hawks"})
	insert(t, s, head)
	older := tracking.NewRecord("team", tracking.Fields{"name": "Hawks"})
	older.IsHead = false
	older.PointsTo = &head.ID
	oldest := tracking.NewRecord("team", tracking.Fields{"name": "Hawks"})
	oldest.IsHead = false
	oldest.PointsTo = &head.ID
	other := tracking.NewRecord("game", nil)
	insert(t, s, other, older, oldest)

	err := s.WithTx(ctx, func(ctx context.Context, tx tracking.Tx) error {
		prev, err := tx.Predecessors(ctx, head.ID)
		require.NoError(t, err)
		require.Len(t, prev, 2)
		assert.Equal(t, older.ID, prev[0].ID)
		assert.Equal(t, oldest.ID, prev[1].ID)

		heads, err := tx.Find(ctx, tracking.Filter{Type: "team", HeadOnly: true})
		require.NoError(t, err)
		require.Len(t, heads, 1)
		assert.Equal(t, head.ID, heads[0].ID)

		newest, err := tx.Find(ctx, tracking.Filter{Type: "team", Newest: true, Limit: 2})
		require.NoError(t, err)
		require.Len(t, newest, 2)
		assert.Equal(t, oldest.ID, newest[0].ID)
		assert.Equal(t, older.ID, newest[1].ID)

		n, err := tx.Count(ctx, tracking.Filter{Fields: []tracking.FieldMatch{{Name: "name", Value: "Hawks"}}, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_AffectedBookkeeping(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.WithTx(ctx, func(ctx context.Context, tx tracking.Tx) error {
		ev, err := tx.CreateMergeEvent(ctx)
		require.NoError(t, err)
		other, err := tx.CreateMergeEvent(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, ev, other)

		first, err := tx.AddAffected(ctx, ev, tracking.Ref{Type: "game", ID: 4})
		require.NoError(t, err)
		_, err = tx.AddAffected(ctx, ev, tracking.Ref{Type: "game", ID: 5})
		require.NoError(t, err)
		_, err = tx.AddAffected(ctx, other, tracking.Ref{Type: "game", ID: 4})
		require.NoError(t, err)

		require.NoError(t, tx.MoveAffected(ctx, tracking.Ref{Type: "game", ID: 4}, 9))
		rows, err := tx.AffectedBy(ctx, ev)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, tracking.Ref{Type: "game", ID: 9}, rows[0].Target)
		assert.Equal(t, tracking.Ref{Type: "game", ID: 5}, rows[1].Target)

		ok, err := tx.HasAffected(ctx, first)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, tx.DeleteAffected(ctx, first))
		require.NoError(t, tx.DeleteAffected(ctx, first))
		ok, err = tx.HasAffected(ctx, first)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.AffectedCount())
}
