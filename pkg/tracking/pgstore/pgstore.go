// Package pgstore is the PostgreSQL tracking.Store. All tracked types share
// one table; domain fields live in a jsonb column and are decoded through the
// registry so they come back with their declared kinds.
package pgstore

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations for db.RunMigrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Store runs tracking transactions on a pgx pool.
type Store struct {
	pool     *pgxpool.Pool
	registry *tracking.Registry
}

// New creates a store. registry decodes the jsonb fields of loaded rows.
func New(pool *pgxpool.Pool, registry *tracking.Registry) *Store {
	return &Store{pool: pool, registry: registry}
}

// WithTx runs fn in a read-committed transaction. Serialization failures and
// deadlocks are reported as conflicts.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx tracking.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txn{tx: tx, registry: s.registry})
	})
	return classify(err)
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", trkerrors.ErrConflict, err)
		}
	}
	return err
}

type txn struct {
	tx       pgx.Tx
	registry *tracking.Registry
}

const columns = `id, type, status,
	submitted_by, submitted_time, submission_message,
	approved_by, approved_time,
	removed_by, removed_time, removal_message,
	auto_approve, counts_towards_contributions,
	action_taken, action_by, action_time, action_message,
	is_head, points_to, primary_merge_from, secondary_merge_from, merge_event,
	cache_time, fields`

func (t *txn) Get(ctx context.Context, id int64) (*tracking.Record, error) {
	return t.getOne(ctx, "SELECT "+columns+" FROM tracked_objects WHERE id = $1", id)
}

func (t *txn) GetForUpdate(ctx context.Context, id int64) (*tracking.Record, error) {
	return t.getOne(ctx, "SELECT "+columns+" FROM tracked_objects WHERE id = $1 FOR UPDATE", id)
}

func (t *txn) getOne(ctx context.Context, query string, id int64) (*tracking.Record, error) {
	recs, err := t.query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, trkerrors.NotFound("record", id)
	}
	return recs[0], nil
}

func (t *txn) Insert(ctx context.Context, rec *tracking.Record) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO tracked_objects (
			type, status,
			submitted_by, submitted_time, submission_message,
			approved_by, approved_time,
			removed_by, removed_time, removal_message,
			auto_approve, counts_towards_contributions,
			action_taken, action_by, action_time, action_message,
			is_head, points_to, primary_merge_from, secondary_merge_from, merge_event,
			cache_time, fields
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING id`,
		rec.Type, int16(rec.Status),
		rec.SubmittedBy, nullTime(rec.SubmittedTime), rec.SubmissionMessage,
		rec.ApprovedBy, nullTime(rec.ApprovedTime),
		rec.RemovedBy, nullTime(rec.RemovedTime), rec.RemovalMessage,
		rec.AutoApprove, rec.CountsTowardsContributions,
		int16(rec.ActionTaken), rec.ActionBy, nullTime(rec.ActionTime), rec.ActionMessage,
		rec.IsHead, rec.PointsTo, rec.PrimaryMergeFrom, rec.SecondaryMergeFrom, rec.MergeEvent,
		nullTime(rec.CacheTime), fields,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (t *txn) Update(ctx context.Context, rec *tracking.Record) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE tracked_objects SET
			type = $2, status = $3,
			submitted_by = $4, submitted_time = $5, submission_message = $6,
			approved_by = $7, approved_time = $8,
			removed_by = $9, removed_time = $10, removal_message = $11,
			auto_approve = $12, counts_towards_contributions = $13,
			action_taken = $14, action_by = $15, action_time = $16, action_message = $17,
			is_head = $18, points_to = $19, primary_merge_from = $20, secondary_merge_from = $21, merge_event = $22,
			cache_time = $23, fields = $24
		WHERE id = $1`,
		rec.ID, rec.Type, int16(rec.Status),
		rec.SubmittedBy, nullTime(rec.SubmittedTime), rec.SubmissionMessage,
		rec.ApprovedBy, nullTime(rec.ApprovedTime),
		rec.RemovedBy, nullTime(rec.RemovedTime), rec.RemovalMessage,
		rec.AutoApprove, rec.CountsTowardsContributions,
		int16(rec.ActionTaken), rec.ActionBy, nullTime(rec.ActionTime), rec.ActionMessage,
		rec.IsHead, rec.PointsTo, rec.PrimaryMergeFrom, rec.SecondaryMergeFrom, rec.MergeEvent,
		nullTime(rec.CacheTime), fields,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return trkerrors.NotFound(rec.Type, rec.ID)
	}
	return nil
}

func (t *txn) Predecessors(ctx context.Context, id int64) ([]*tracking.Record, error) {
	return t.query(ctx, "SELECT "+columns+" FROM tracked_objects WHERE points_to = $1 ORDER BY id", id)
}

func (t *txn) Find(ctx context.Context, f tracking.Filter) ([]*tracking.Record, error) {
	if f.None {
		return nil, nil
	}
	where, args := buildWhere(f)
	query := "SELECT " + columns + " FROM tracked_objects" + where + orderBy(f)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return t.query(ctx, query, args...)
}

func (t *txn) Count(ctx context.Context, f tracking.Filter) (int, error) {
	if f.None {
		return 0, nil
	}
	where, args := buildWhere(f)
	var n int
	if err := t.tx.QueryRow(ctx, "SELECT count(*) FROM tracked_objects"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (t *txn) CreateMergeEvent(ctx context.Context) (int64, error) {
	var id int64
	if err := t.tx.QueryRow(ctx, "INSERT INTO merge_events DEFAULT VALUES RETURNING id").Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create merge event: %w", err)
	}
	return id, nil
}

func (t *txn) AddAffected(ctx context.Context, event int64, target tracking.Ref) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		"INSERT INTO affected_by_merge (merge_event_id, target_type, target_id) VALUES ($1, $2, $3) RETURNING id",
		event, target.Type, target.ID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record affected row: %w", err)
	}
	return id, nil
}

func (t *txn) AffectedBy(ctx context.Context, event int64) ([]tracking.AffectedByMerge, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, merge_event_id, target_type, target_id FROM affected_by_merge WHERE merge_event_id = $1 ORDER BY id",
		event)
	if err != nil {
		return nil, fmt.Errorf("failed to load affected rows: %w", err)
	}
	defer rows.Close()

	var out []tracking.AffectedByMerge
	for rows.Next() {
		var a tracking.AffectedByMerge
		if err := rows.Scan(&a.ID, &a.MergeEvent, &a.Target.Type, &a.Target.ID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txn) HasAffected(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := t.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM affected_by_merge WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (t *txn) MoveAffected(ctx context.Context, from tracking.Ref, toID int64) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE affected_by_merge SET target_id = $3 WHERE target_type = $1 AND target_id = $2",
		from.Type, from.ID, toID)
	return err
}

func (t *txn) DeleteAffected(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, "DELETE FROM affected_by_merge WHERE id = $1", id)
	return err
}

func (t *txn) query(ctx context.Context, query string, args ...any) ([]*tracking.Record, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*tracking.Record
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *txn) scan(row pgx.Row) (*tracking.Record, error) {
	var (
		rec                                                 tracking.Record
		status, action                                      int16
		submitted, approved, removed, actionTime, cacheTime *time.Time
		raw                                                 []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Type, &status,
		&rec.SubmittedBy, &submitted, &rec.SubmissionMessage,
		&rec.ApprovedBy, &approved,
		&rec.RemovedBy, &removed, &rec.RemovalMessage,
		&rec.AutoApprove, &rec.CountsTowardsContributions,
		&action, &rec.ActionBy, &actionTime, &rec.ActionMessage,
		&rec.IsHead, &rec.PointsTo, &rec.PrimaryMergeFrom, &rec.SecondaryMergeFrom, &rec.MergeEvent,
		&cacheTime, &raw,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.Status = tracking.Status(status)
	rec.ActionTaken = tracking.Action(action)
	rec.SubmittedTime = derefTime(submitted)
	rec.ApprovedTime = derefTime(approved)
	rec.RemovedTime = derefTime(removed)
	rec.ActionTime = derefTime(actionTime)
	rec.CacheTime = derefTime(cacheTime)

	fields, err := decodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s: %w", rec.Ref(), err)
	}
	if rec.Fields, err = t.registry.Normalize(rec.Type, fields); err != nil {
		return nil, err
	}
	rec.MarkLoaded()
	return &rec, nil
}

func encodeFields(f tracking.Fields) ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	return data, nil
}

func decodeFields(raw []byte) (tracking.Fields, error) {
	fields := tracking.Fields{}
	if len(raw) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

var _ tracking.Store = (*Store)(nil)
