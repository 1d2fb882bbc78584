package pgstore

import (
	"context"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/trackable/pkg/db"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

func TestBuildWhere(t *testing.T) {
	user := "alice"
	event := int64(7)
	auto := true
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		filter    tracking.Filter
		wantWhere string
		wantArgs  []any
	}{
		{
			name:      "empty",
			filter:    tracking.Filter{},
			wantWhere: "",
			wantArgs:  nil,
		},
		{
			name:      "head of type with statuses",
			filter:    tracking.Filter{Type: "team", HeadOnly: true, Statuses: []tracking.Status{tracking.StatusLive, tracking.StatusHidden}},
			wantWhere: " WHERE type = $1 AND is_head AND status = ANY($2)",
			wantArgs:  []any{"team", []int16{1, 2}},
		},
		{
			name:      "field equality and nil",
			filter:    tracking.Filter{Fields: []tracking.FieldMatch{{Name: "season_id", Value: int64(3)}, {Name: "city", Value: nil}}},
			wantWhere: " WHERE fields @> $1::jsonb AND (fields ->> $2) IS NULL",
			wantArgs:  []any{`{"season_id":3}`, "city"},
		},
		{
			name:      "visible to",
			filter:    tracking.Filter{VisibleTo: &user},
			wantWhere: " WHERE (status = $1 OR (status = $2 AND $3 <> '' AND submitted_by = $3))",
			wantArgs:  []any{int16(1), int16(2), "alice"},
		},
		{
			name: "submission window and exclusions",
			filter: tracking.Filter{
				SubmittedBy:     "bob",
				SubmittedSince:  since,
				ExcludeStatuses: []tracking.Status{tracking.StatusRemoved},
				ExcludeIDs:      []int64{4, 5},
			},
			wantWhere: " WHERE NOT (status = ANY($1)) AND submitted_by = $2 AND submitted_time >= $3 AND NOT (id = ANY($4))",
			wantArgs:  []any{[]int16{6}, "bob", since, []int64{4, 5}},
		},
		{
			name:      "merge event and auto approve",
			filter:    tracking.Filter{ID: 9, MergeEvent: &event, AutoApprove: &auto},
			wantWhere: " WHERE id = $1 AND merge_event = $2 AND auto_approve = $3",
			wantArgs:  []any{int64(9), int64(7), true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := buildWhere(tt.filter)
			assert.Equal(t, tt.wantWhere, where)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestOrderBy(t *testing.T) {
	assert.Equal(t, " ORDER BY id", orderBy(tracking.Filter{}))
	assert.Equal(t, " ORDER BY id DESC", orderBy(tracking.Filter{Newest: true}))
}

func TestFieldsRoundTripThroughRegistry(t *testing.T) {
	reg := tracking.NewRegistry()
	reg.MustRegister(tracking.TypeDescriptor{
		Name: "game",
		Fields: []tracking.FieldDescriptor{
			{Name: "score", Kind: tracking.KindInt},
			{Name: "start_time", Kind: tracking.KindTime},
			{Name: "location", Kind: tracking.KindString},
		},
	})
	start := time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC)

	raw, err := encodeFields(tracking.Fields{"score": int64(12), "start_time": start, "location": nil})
	require.NoError(t, err)

	decoded, err := decodeFields(raw)
	require.NoError(t, err)
	fields, err := reg.Normalize("game", decoded)
	require.NoError(t, err)

	assert.Equal(t, int64(12), fields["score"])
	assert.True(t, start.Equal(fields.Time("start_time")))
	assert.Nil(t, fields["location"])
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))
	now := time.Now()
	require.NotNil(t, nullTime(now))
	assert.Equal(t, time.UTC, nullTime(now).Location())
	assert.True(t, derefTime(nil).IsZero())
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "001_tracked_objects.sql", entries[0].Name())
	assert.Equal(t, "002_merge_bookkeeping.sql", entries[1].Name())
}

func TestStore_Integration(t *testing.T) {
	url := os.Getenv("TRACKABLE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TRACKABLE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()
	_, err = db.RunMigrations(ctx, pool, Migrations())
	require.NoError(t, err)

	reg := tracking.NewRegistry()
	reg.MustRegister(tracking.TypeDescriptor{
		Name:   "pgtest_note",
		Fields: []tracking.FieldDescriptor{{Name: "body", Kind: tracking.KindString}},
	})
	store := New(pool, reg)

	var id int64
	err = store.WithTx(ctx, func(ctx context.Context, tx tracking.Tx) error {
		rec := tracking.NewRecord("pgtest_note", tracking.Fields{"body": "hello"})
		if err := tx.Insert(ctx, rec); err != nil {
			return err
		}
		id = rec.ID
		event, err := tx.CreateMergeEvent(ctx)
		if err != nil {
			return err
		}
		affected, err := tx.AddAffected(ctx, event, rec.Ref())
		if err != nil {
			return err
		}
		ok, err := tx.HasAffected(ctx, affected)
		if err != nil || !ok {
			return err
		}
		return tx.DeleteAffected(ctx, affected)
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(ctx context.Context, tx tracking.Tx) error {
		got, err := tx.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Fields.String("body"))
		assert.Equal(t, tracking.StatusLive, got.OriginalStatus())

		rows, err := tx.Find(ctx, tracking.Filter{
			Type:     "pgtest_note",
			HeadOnly: true,
			Fields:   []tracking.FieldMatch{{Name: "body", Value: "hello"}},
			Newest:   true,
			Limit:    1,
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, id, rows[0].ID)
		return nil
	})
	require.NoError(t, err)
}
