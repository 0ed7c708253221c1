// Package snapshot implements the Snapshot Store (C3): an upsert-only,
// one-row-per-aggregate materialized state store, grounded on the
// teacher's pgx row-scanning style in pkg/incident/store.go.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/controlplane/internal/db"
	"github.com/wisbric/controlplane/internal/errs"
	"github.com/wisbric/controlplane/pkg/types"
)

// Store persists SnapshotRecords to Postgres with exactly one row per
// aggregate_id (spec §4.3).
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store backed by dbtx.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const snapshotColumns = `id, aggregate_id, aggregate_type, sequence_number, payload, "timestamp"`

func scanSnapshotRow(row pgx.Row) (types.SnapshotRecord, error) {
	var s types.SnapshotRecord
	var id uuid.UUID
	err := row.Scan(&id, &s.AggregateID, &s.AggregateType, &s.SequenceNumber, &s.Payload, &s.Timestamp)
	s.ID = id.String()
	return s, err
}

// Upsert inserts or replaces the single snapshot row for the aggregate.
func (s *Store) Upsert(ctx context.Context, rec types.SnapshotRecord) (types.SnapshotRecord, error) {
	query := `INSERT INTO aggregate_snapshot (aggregate_id, aggregate_type, sequence_number, payload, "timestamp")
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (aggregate_id) DO UPDATE
		SET aggregate_type = EXCLUDED.aggregate_type,
		    sequence_number = EXCLUDED.sequence_number,
		    payload = EXCLUDED.payload,
		    "timestamp" = now()
		RETURNING ` + snapshotColumns
	row := s.dbtx.QueryRow(ctx, query, rec.AggregateID, rec.AggregateType, rec.SequenceNumber, rec.Payload)
	out, err := scanSnapshotRow(row)
	if err != nil {
		return types.SnapshotRecord{}, fmt.Errorf("%w: upserting snapshot: %v", errs.ErrStorageUnavailable, err)
	}
	return out, nil
}

// Get returns the snapshot for aggregateID, or (zero, false, nil) if
// none exists.
func (s *Store) Get(ctx context.Context, aggregateID string) (types.SnapshotRecord, bool, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM aggregate_snapshot WHERE aggregate_id = $1`, aggregateID)
	rec, err := scanSnapshotRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return types.SnapshotRecord{}, false, nil
		}
		return types.SnapshotRecord{}, false, fmt.Errorf("%w: reading snapshot: %v", errs.ErrStorageUnavailable, err)
	}
	return rec, true, nil
}

// Delete removes the snapshot for aggregateID, if any.
func (s *Store) Delete(ctx context.Context, aggregateID string) error {
	if _, err := s.dbtx.Exec(ctx, `DELETE FROM aggregate_snapshot WHERE aggregate_id = $1`, aggregateID); err != nil {
		return fmt.Errorf("%w: deleting snapshot: %v", errs.ErrStorageUnavailable, err)
	}
	return nil
}

// ListByType returns every snapshot for the given aggregate_type.
func (s *Store) ListByType(ctx context.Context, aggregateType string) ([]types.SnapshotRecord, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+snapshotColumns+` FROM aggregate_snapshot WHERE aggregate_type = $1`, aggregateType)
	if err != nil {
		return nil, fmt.Errorf("%w: listing snapshots by type: %v", errs.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []types.SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshotRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}
	return out, nil
}

// DeleteOlderThan deletes every snapshot with timestamp < ts and returns
// the number of rows removed (spec §4.3, used by the retention cleanup
// in C6).
func (s *Store) DeleteOlderThan(ctx context.Context, ts time.Time) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM aggregate_snapshot WHERE "timestamp" < $1`, ts)
	if err != nil {
		return 0, fmt.Errorf("%w: deleting old snapshots: %v", errs.ErrStorageUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
