// Package eventlog implements the Event Log Store (C2): an append-only,
// Postgres-backed log of domain events keyed by (aggregate_id,
// sequence_number), grounded on the teacher's pgx row-scanning style in
// pkg/incident/store.go.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/controlplane/internal/db"
	"github.com/wisbric/controlplane/internal/errs"
	"github.com/wisbric/controlplane/pkg/types"
)

const uniqueViolation = "23505"

// Store persists EventRecords to Postgres, enforcing the
// (aggregate_id, sequence_number) uniqueness invariant at the storage
// layer (spec §4.2).
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store backed by dbtx (a pool or an open transaction).
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const eventColumns = `id, aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, "timestamp"`

func scanEventRow(row pgx.Row) (types.EventRecord, error) {
	var e types.EventRecord
	var id uuid.UUID
	err := row.Scan(&id, &e.AggregateID, &e.AggregateType, &e.SequenceNumber, &e.EventType, &e.Payload, &e.Metadata, &e.Timestamp)
	e.ID = id.String()
	return e, err
}

func scanEventRows(rows pgx.Rows) ([]types.EventRecord, error) {
	defer rows.Close()
	var out []types.EventRecord
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return out, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, i.e. a storage-layer (aggregate_id, sequence_number) clash.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Append inserts a single event record. On a storage-level uniqueness
// violation of (aggregate_id, sequence_number) it returns
// errs.ErrSequenceConflict (spec §4.2).
func (s *Store) Append(ctx context.Context, e types.EventRecord) (types.EventRecord, error) {
	query := `INSERT INTO event_log (aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + eventColumns
	row := s.dbtx.QueryRow(ctx, query, e.AggregateID, e.AggregateType, e.SequenceNumber, e.EventType, e.Payload, e.Metadata)
	rec, err := scanEventRow(row)
	if err != nil {
		if isUniqueViolation(err) {
			return types.EventRecord{}, fmt.Errorf("%w: aggregate %s sequence %d already exists", errs.ErrSequenceConflict, e.AggregateID, e.SequenceNumber)
		}
		return types.EventRecord{}, fmt.Errorf("%w: appending event: %v", errs.ErrStorageUnavailable, err)
	}
	return rec, nil
}

// AppendBatch inserts records atomically: all rows succeed together, or
// none do (spec §4.2, §4.6). When dbtx is a pool it opens its own
// transaction and rolls it back on any failure; when dbtx is already a
// transaction (the caller is composing a larger unit of work), the
// insert runs directly against it and the caller owns commit/rollback.
func (s *Store) AppendBatch(ctx context.Context, records []types.EventRecord) ([]types.EventRecord, error) {
	beginner, ok := s.dbtx.(db.Beginner)
	if !ok {
		return appendAll(ctx, s, records)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning batch transaction: %v", errs.ErrStorageUnavailable, err)
	}
	defer tx.Rollback(ctx)

	out, err := appendAll(ctx, &Store{dbtx: tx}, records)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: committing batch: %v", errs.ErrStorageUnavailable, err)
	}
	return out, nil
}

func appendAll(ctx context.Context, s *Store, records []types.EventRecord) ([]types.EventRecord, error) {
	out := make([]types.EventRecord, 0, len(records))
	for _, e := range records {
		rec, err := s.Append(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// LatestSequence returns the highest sequence_number recorded for
// aggregateID, or 0 if none exist.
func (s *Store) LatestSequence(ctx context.Context, aggregateID string) (int64, error) {
	var seq *int64
	err := s.dbtx.QueryRow(ctx,
		`SELECT max(sequence_number) FROM event_log WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: reading latest sequence: %v", errs.ErrStorageUnavailable, err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// ReadByAggregate returns events for aggregateID with sequence_number >=
// fromSequence (0 means "from the start"), sorted by sequence_number.
func (s *Store) ReadByAggregate(ctx context.Context, aggregateID string, fromSequence int64) ([]types.EventRecord, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT `+eventColumns+` FROM event_log WHERE aggregate_id = $1 AND sequence_number >= $2 ORDER BY sequence_number`,
		aggregateID, fromSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading by aggregate: %v", errs.ErrStorageUnavailable, err)
	}
	return scanEventRows(rows)
}

// ReadByAggregateType returns events of aggregateType with timestamp in
// [fromTS, toTS], sorted by timestamp.
func (s *Store) ReadByAggregateType(ctx context.Context, aggregateType string, fromTS, toTS time.Time) ([]types.EventRecord, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT `+eventColumns+` FROM event_log WHERE aggregate_type = $1 AND "timestamp" BETWEEN $2 AND $3 ORDER BY "timestamp"`,
		aggregateType, fromTS, toTS,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading by aggregate type: %v", errs.ErrStorageUnavailable, err)
	}
	return scanEventRows(rows)
}

// ReadByEventType returns events of eventType with timestamp in [fromTS,
// toTS], sorted by timestamp.
func (s *Store) ReadByEventType(ctx context.Context, eventType string, fromTS, toTS time.Time) ([]types.EventRecord, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT `+eventColumns+` FROM event_log WHERE event_type = $1 AND "timestamp" BETWEEN $2 AND $3 ORDER BY "timestamp"`,
		eventType, fromTS, toTS,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading by event type: %v", errs.ErrStorageUnavailable, err)
	}
	return scanEventRows(rows)
}

// ReadAfterTimestamp returns all events with timestamp > ts, sorted by
// timestamp.
func (s *Store) ReadAfterTimestamp(ctx context.Context, ts time.Time) ([]types.EventRecord, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT `+eventColumns+` FROM event_log WHERE "timestamp" > $1 ORDER BY "timestamp"`,
		ts,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading after timestamp: %v", errs.ErrStorageUnavailable, err)
	}
	return scanEventRows(rows)
}

// CountByAggregate returns the number of events recorded for aggregateID.
func (s *Store) CountByAggregate(ctx context.Context, aggregateID string) (int64, error) {
	var count int64
	err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM event_log WHERE aggregate_id = $1`, aggregateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: counting by aggregate: %v", errs.ErrStorageUnavailable, err)
	}
	return count, nil
}
