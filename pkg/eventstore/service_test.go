package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/controlplane/internal/errs"
	"github.com/wisbric/controlplane/pkg/lockmgr"
	"github.com/wisbric/controlplane/pkg/types"
)

// fakeLog is an in-memory EventLog for testing the service's sequencing
// logic without a database.
type fakeLog struct {
	events []types.EventRecord
	nextID int
}

func (f *fakeLog) Append(ctx context.Context, e types.EventRecord) (types.EventRecord, error) {
	for _, existing := range f.events {
		if existing.AggregateID == e.AggregateID && existing.SequenceNumber == e.SequenceNumber {
			return types.EventRecord{}, errs.ErrSequenceConflict
		}
	}
	f.nextID++
	e.ID = string(rune('a' + f.nextID))
	e.Timestamp = time.Now()
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeLog) AppendBatch(ctx context.Context, records []types.EventRecord) ([]types.EventRecord, error) {
	out := make([]types.EventRecord, 0, len(records))
	for _, r := range records {
		rec, err := f.Append(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeLog) LatestSequence(ctx context.Context, aggregateID string) (int64, error) {
	var max int64
	for _, e := range f.events {
		if e.AggregateID == aggregateID && e.SequenceNumber > max {
			max = e.SequenceNumber
		}
	}
	return max, nil
}

func (f *fakeLog) ReadByAggregate(ctx context.Context, aggregateID string, fromSequence int64) ([]types.EventRecord, error) {
	var out []types.EventRecord
	for _, e := range f.events {
		if e.AggregateID == aggregateID && e.SequenceNumber >= fromSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLog) ReadByAggregateType(ctx context.Context, aggregateType string, fromTS, toTS time.Time) ([]types.EventRecord, error) {
	return nil, nil
}

func (f *fakeLog) ReadByEventType(ctx context.Context, eventType string, fromTS, toTS time.Time) ([]types.EventRecord, error) {
	return nil, nil
}

func (f *fakeLog) ReadAfterTimestamp(ctx context.Context, ts time.Time) ([]types.EventRecord, error) {
	return nil, nil
}

func (f *fakeLog) CountByAggregate(ctx context.Context, aggregateID string) (int64, error) {
	var n int64
	for _, e := range f.events {
		if e.AggregateID == aggregateID {
			n++
		}
	}
	return n, nil
}

// fakeSnapshots is an in-memory Snapshots implementation.
type fakeSnapshots struct {
	byAggregate map[string]types.SnapshotRecord
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{byAggregate: make(map[string]types.SnapshotRecord)}
}

func (f *fakeSnapshots) Upsert(ctx context.Context, rec types.SnapshotRecord) (types.SnapshotRecord, error) {
	rec.Timestamp = time.Now()
	f.byAggregate[rec.AggregateID] = rec
	return rec, nil
}

func (f *fakeSnapshots) Get(ctx context.Context, aggregateID string) (types.SnapshotRecord, bool, error) {
	rec, ok := f.byAggregate[aggregateID]
	return rec, ok, nil
}

func (f *fakeSnapshots) DeleteOlderThan(ctx context.Context, ts time.Time) (int64, error) {
	var n int64
	for id, rec := range f.byAggregate {
		if rec.Timestamp.Before(ts) {
			delete(f.byAggregate, id)
			n++
		}
	}
	return n, nil
}

func newTestService(policy SnapshotPolicy) (*Service, *fakeLog, *fakeSnapshots) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := &fakeLog{}
	snaps := newFakeSnapshots()
	locks := lockmgr.NewManager(logger, lockmgr.DefaultRetryPolicy)
	return NewService(log, snaps, locks, logger, policy), log, snaps
}

func TestStoreEventFirstInsertAcceptsExpectedZero(t *testing.T) {
	svc, _, _ := newTestService(DefaultSnapshotPolicy)

	rec, err := svc.StoreEvent(context.Background(), "agg-1", "order", 0, types.EventData{
		EventType: "order_created",
		Payload:   json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}
	if rec.SequenceNumber != 1 {
		t.Fatalf("expected sequence 1, got %d", rec.SequenceNumber)
	}
}

func TestStoreEventRejectsStaleExpectedSequence(t *testing.T) {
	svc, _, _ := newTestService(DefaultSnapshotPolicy)
	ctx := context.Background()

	if _, err := svc.StoreEvent(ctx, "agg-1", "order", 0, types.EventData{EventType: "created"}); err != nil {
		t.Fatalf("first StoreEvent: %v", err)
	}

	_, err := svc.StoreEvent(ctx, "agg-1", "order", 0, types.EventData{EventType: "created_again"})
	if !errors.Is(err, errs.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict re-using expected=0, got %v", err)
	}
}

func TestStoreEventAcceptsNextSequence(t *testing.T) {
	svc, _, _ := newTestService(DefaultSnapshotPolicy)
	ctx := context.Background()

	if _, err := svc.StoreEvent(ctx, "agg-1", "order", 0, types.EventData{EventType: "created"}); err != nil {
		t.Fatalf("first StoreEvent: %v", err)
	}

	rec, err := svc.StoreEvent(ctx, "agg-1", "order", 2, types.EventData{EventType: "shipped"})
	if err != nil {
		t.Fatalf("second StoreEvent: %v", err)
	}
	if rec.SequenceNumber != 2 {
		t.Fatalf("expected sequence 2, got %d", rec.SequenceNumber)
	}
}

func TestEventsForReplayWithSnapshotUsesTailEvents(t *testing.T) {
	svc, log, snaps := newTestService(DefaultSnapshotPolicy)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seq, err := svc.LatestSequence(ctx, "agg-1")
		if err != nil {
			t.Fatalf("LatestSequence: %v", err)
		}
		if _, err := svc.StoreEvent(ctx, "agg-1", "order", seq+1, types.EventData{EventType: "tick"}); err != nil {
			t.Fatalf("StoreEvent %d: %v", i, err)
		}
	}

	if _, err := snaps.Upsert(ctx, types.SnapshotRecord{AggregateID: "agg-1", AggregateType: "order", SequenceNumber: 3}); err != nil {
		t.Fatalf("Upsert snapshot: %v", err)
	}

	result, err := svc.EventsForReplayWithSnapshot(ctx, "agg-1")
	if err != nil {
		t.Fatalf("EventsForReplayWithSnapshot: %v", err)
	}
	if result.Snapshot == nil || result.Snapshot.SequenceNumber != 3 {
		t.Fatalf("expected snapshot at sequence 3, got %+v", result.Snapshot)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 tail events after the snapshot, got %d", len(result.Events))
	}
	_ = log
}

func TestShouldSnapshotHonorsThreshold(t *testing.T) {
	svc, _, _ := newTestService(SnapshotPolicy{Threshold: 3, RetentionDays: 30, CleanupEnabled: true})
	ctx := context.Background()

	should, err := svc.ShouldSnapshot(ctx, "agg-1")
	if err != nil {
		t.Fatalf("ShouldSnapshot on empty aggregate: %v", err)
	}
	if should {
		t.Fatalf("expected no snapshot needed for an aggregate with no events")
	}

	for i := 0; i < 3; i++ {
		seq, _ := svc.LatestSequence(ctx, "agg-1")
		if _, err := svc.StoreEvent(ctx, "agg-1", "order", seq+1, types.EventData{EventType: "tick"}); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
	}

	should, err = svc.ShouldSnapshot(ctx, "agg-1")
	if err != nil {
		t.Fatalf("ShouldSnapshot: %v", err)
	}
	if !should {
		t.Fatalf("expected snapshot to be due at the threshold")
	}
}

func TestRunRetentionCleanupDisabled(t *testing.T) {
	svc, _, _ := newTestService(SnapshotPolicy{Threshold: 100, RetentionDays: 30, CleanupEnabled: false})
	n, err := svc.RunRetentionCleanup(context.Background())
	if err != nil {
		t.Fatalf("RunRetentionCleanup: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no-op cleanup when disabled, got %d deleted", n)
	}
}
