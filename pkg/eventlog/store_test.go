package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/controlplane/internal/db"
	"github.com/wisbric/controlplane/internal/errs"
	"github.com/wisbric/controlplane/pkg/types"
)

// fakeStore is an in-memory double for db.DBTX, db.Beginner, and db.Tx,
// simulating only what Append's INSERT ... RETURNING statement and the
// (aggregate_id, sequence_number) uniqueness constraint need, so
// AppendBatch's transactional rollback can be exercised without a live
// Postgres.
type fakeStore struct {
	committed *[]types.EventRecord // shared with every tx derived from this handle
	nextID    *int
	staged    []types.EventRecord // writes local to this handle, pre-commit
	isTx      bool
}

func newFakeStore() *fakeStore {
	committed := []types.EventRecord{}
	nextID := 0
	return &fakeStore{committed: &committed, nextID: &nextID}
}

func (f *fakeStore) visible() []types.EventRecord {
	out := append([]types.EventRecord{}, *f.committed...)
	return append(out, f.staged...)
}

func (f *fakeStore) Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	return pgx.CommandTag{}, errors.New("fakeStore: Exec not supported")
}

func (f *fakeStore) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeStore: Query not supported")
}

func (f *fakeStore) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	e := types.EventRecord{
		AggregateID:    args[0].(string),
		AggregateType:  args[1].(string),
		SequenceNumber: args[2].(int64),
		EventType:      args[3].(string),
	}
	if p, ok := args[4].(json.RawMessage); ok {
		e.Payload = p
	}
	if len(args) > 5 {
		if m, ok := args[5].(json.RawMessage); ok {
			e.Metadata = m
		}
	}
	for _, existing := range f.visible() {
		if existing.AggregateID == e.AggregateID && existing.SequenceNumber == e.SequenceNumber {
			return fakeErrRow{&pgconn.PgError{Code: uniqueViolation}}
		}
	}
	*f.nextID++
	e.ID = uuid.New().String()
	e.Timestamp = time.Now()
	if f.isTx {
		f.staged = append(f.staged, e)
	} else {
		*f.committed = append(*f.committed, e)
	}
	return fakeRow{e}
}

func (f *fakeStore) Begin(ctx context.Context) (db.Tx, error) {
	return &fakeStore{committed: f.committed, nextID: f.nextID, isTx: true}, nil
}

func (f *fakeStore) Commit(ctx context.Context) error {
	*f.committed = append(*f.committed, f.staged...)
	f.staged = nil
	return nil
}

func (f *fakeStore) Rollback(ctx context.Context) error {
	f.staged = nil
	return nil
}

// fakeRow and fakeErrRow implement pgx.Row for the fixed column order
// scanEventRow expects.
type fakeRow struct{ rec types.EventRecord }

func (r fakeRow) Scan(dest ...any) error {
	*dest[0].(*uuid.UUID) = uuid.MustParse(r.rec.ID)
	*dest[1].(*string) = r.rec.AggregateID
	*dest[2].(*string) = r.rec.AggregateType
	*dest[3].(*int64) = r.rec.SequenceNumber
	*dest[4].(*string) = r.rec.EventType
	*dest[5].(*json.RawMessage) = r.rec.Payload
	*dest[6].(*json.RawMessage) = r.rec.Metadata
	*dest[7].(*time.Time) = r.rec.Timestamp
	return nil
}

type fakeErrRow struct{ err error }

func (r fakeErrRow) Scan(dest ...any) error { return r.err }

func TestAppendBatchRollsBackOnMidBatchConflict(t *testing.T) {
	root := newFakeStore()
	store := NewStore(root)
	ctx := context.Background()

	if _, err := store.Append(ctx, types.EventRecord{
		AggregateID: "agg-1", AggregateType: "order", SequenceNumber: 2, EventType: "seed",
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	_, err := store.AppendBatch(ctx, []types.EventRecord{
		{AggregateID: "agg-1", AggregateType: "order", SequenceNumber: 3, EventType: "a"},
		{AggregateID: "agg-1", AggregateType: "order", SequenceNumber: 4, EventType: "b"},
		{AggregateID: "agg-1", AggregateType: "order", SequenceNumber: 2, EventType: "duplicate"},
	})
	if !errors.Is(err, errs.ErrSequenceConflict) {
		t.Fatalf("AppendBatch error = %v, want ErrSequenceConflict", err)
	}

	if got := len(*root.committed); got != 1 {
		t.Fatalf("committed rows = %d, want 1 (batch must roll back entirely)", got)
	}
}

func TestAppendBatchCommitsAllOnSuccess(t *testing.T) {
	root := newFakeStore()
	store := NewStore(root)
	ctx := context.Background()

	out, err := store.AppendBatch(ctx, []types.EventRecord{
		{AggregateID: "agg-1", AggregateType: "order", SequenceNumber: 1, EventType: "a"},
		{AggregateID: "agg-1", AggregateType: "order", SequenceNumber: 2, EventType: "b"},
	})
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if got := len(*root.committed); got != 2 {
		t.Fatalf("committed rows = %d, want 2", got)
	}
}
