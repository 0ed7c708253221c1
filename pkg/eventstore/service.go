// Package eventstore implements the Event Store Service (C6): append
// orchestration with sequence validation, replay assembly, and the
// snapshot policy, coordinating the Event Log Store (C2), Snapshot Store
// (C3), and Aggregate Lock Manager (C4).
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/controlplane/internal/errs"
	"github.com/wisbric/controlplane/internal/telemetry"
	"github.com/wisbric/controlplane/pkg/lockmgr"
	"github.com/wisbric/controlplane/pkg/types"
)

// EventLog is the narrow capability the service needs from the event log
// store.
type EventLog interface {
	Append(ctx context.Context, e types.EventRecord) (types.EventRecord, error)
	AppendBatch(ctx context.Context, records []types.EventRecord) ([]types.EventRecord, error)
	LatestSequence(ctx context.Context, aggregateID string) (int64, error)
	ReadByAggregate(ctx context.Context, aggregateID string, fromSequence int64) ([]types.EventRecord, error)
	ReadByAggregateType(ctx context.Context, aggregateType string, fromTS, toTS time.Time) ([]types.EventRecord, error)
	ReadByEventType(ctx context.Context, eventType string, fromTS, toTS time.Time) ([]types.EventRecord, error)
	ReadAfterTimestamp(ctx context.Context, ts time.Time) ([]types.EventRecord, error)
	CountByAggregate(ctx context.Context, aggregateID string) (int64, error)
}

// Snapshots is the narrow capability the service needs from the snapshot
// store (spec §9: "EventStore only needs a narrow capability
// {get(agg)→snapshot?, events_for_replay(agg)}").
type Snapshots interface {
	Upsert(ctx context.Context, rec types.SnapshotRecord) (types.SnapshotRecord, error)
	Get(ctx context.Context, aggregateID string) (types.SnapshotRecord, bool, error)
	DeleteOlderThan(ctx context.Context, ts time.Time) (int64, error)
}

// SnapshotPolicy configures should_snapshot and the retention cleanup
// (spec §6.3).
type SnapshotPolicy struct {
	Threshold      int64
	RetentionDays  int
	CleanupEnabled bool
}

// DefaultSnapshotPolicy matches spec.md §6.3's defaults.
var DefaultSnapshotPolicy = SnapshotPolicy{Threshold: 100, RetentionDays: 30, CleanupEnabled: true}

// Service is the Event Store Service (C6).
type Service struct {
	log      EventLog
	snaps    Snapshots
	locks    *lockmgr.Manager
	logger   *slog.Logger
	policy   SnapshotPolicy
}

// NewService creates a Service.
func NewService(log EventLog, snaps Snapshots, locks *lockmgr.Manager, logger *slog.Logger, policy SnapshotPolicy) *Service {
	return &Service{log: log, snaps: snaps, locks: locks, logger: logger, policy: policy}
}

// StoreEvent appends a single event under full lock protection, validating
// expected_sequence against the aggregate's current sequence (spec §4.6):
// accepted iff (current==0 ∧ expected==0) ∨ expected==current+1.
func (s *Service) StoreEvent(ctx context.Context, aggregateID, aggregateType string, expectedSequence int64, event types.EventData) (types.EventRecord, error) {
	var result types.EventRecord
	err := s.locks.WithFull(ctx, aggregateID, func(ctx context.Context) error {
		current, err := s.log.LatestSequence(ctx, aggregateID)
		if err != nil {
			return err
		}

		accepted := (current == 0 && expectedSequence == 0) || expectedSequence == current+1
		if !accepted {
			telemetry.SequenceConflictsTotal.WithLabelValues(aggregateType).Inc()
			return fmt.Errorf("%w: aggregate %s expected %d, current %d", errs.ErrSequenceConflict, aggregateID, expectedSequence, current)
		}

		rec, err := s.log.Append(ctx, types.EventRecord{
			AggregateID:    aggregateID,
			AggregateType:  aggregateType,
			SequenceNumber: current + 1,
			EventType:      event.EventType,
			Payload:        event.Payload,
			Metadata:       event.Metadata,
		})
		if err != nil {
			if errors.Is(err, errs.ErrSequenceConflict) {
				telemetry.SequenceConflictsTotal.WithLabelValues(aggregateType).Inc()
			}
			return err
		}
		telemetry.EventsAppendedTotal.WithLabelValues(aggregateType, event.EventType).Inc()
		result = rec
		return nil
	})
	if err != nil {
		return types.EventRecord{}, err
	}
	return result, nil
}

// StoreEvents appends a batch atomically, assigning sequential sequence
// numbers starting at startingSequence, applying the same precondition as
// StoreEvent (spec §4.6).
func (s *Service) StoreEvents(ctx context.Context, aggregateID, aggregateType string, startingSequence int64, events []types.EventData) ([]types.EventRecord, error) {
	var results []types.EventRecord
	err := s.locks.WithFull(ctx, aggregateID, func(ctx context.Context) error {
		current, err := s.log.LatestSequence(ctx, aggregateID)
		if err != nil {
			return err
		}

		accepted := (current == 0 && startingSequence == 0) || startingSequence == current+1
		if !accepted {
			telemetry.SequenceConflictsTotal.WithLabelValues(aggregateType).Inc()
			return fmt.Errorf("%w: aggregate %s expected %d, current %d", errs.ErrSequenceConflict, aggregateID, startingSequence, current)
		}

		seq := current + 1
		records := make([]types.EventRecord, 0, len(events))
		for _, e := range events {
			records = append(records, types.EventRecord{
				AggregateID:    aggregateID,
				AggregateType:  aggregateType,
				SequenceNumber: seq,
				EventType:      e.EventType,
				Payload:        e.Payload,
				Metadata:       e.Metadata,
			})
			seq++
		}

		out, err := s.log.AppendBatch(ctx, records)
		if err != nil {
			if errors.Is(err, errs.ErrSequenceConflict) {
				telemetry.SequenceConflictsTotal.WithLabelValues(aggregateType).Inc()
			}
			return err
		}
		for _, rec := range out {
			telemetry.EventsAppendedTotal.WithLabelValues(aggregateType, rec.EventType).Inc()
		}
		results = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// EventsForAggregate returns events for aggregateID from fromSequence
// onward, under a read lock.
func (s *Service) EventsForAggregate(ctx context.Context, aggregateID string, fromSequence int64) ([]types.EventRecord, error) {
	var out []types.EventRecord
	err := s.locks.WithRead(ctx, aggregateID, func(ctx context.Context) error {
		events, err := s.log.ReadByAggregate(ctx, aggregateID, fromSequence)
		if err != nil {
			return err
		}
		out = events
		return nil
	})
	return out, err
}

// LatestSequence is a pure read, unlocked.
func (s *Service) LatestSequence(ctx context.Context, aggregateID string) (int64, error) {
	return s.log.LatestSequence(ctx, aggregateID)
}

// NextSequence is a pure read, unlocked.
func (s *Service) NextSequence(ctx context.Context, aggregateID string) (int64, error) {
	current, err := s.log.LatestSequence(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	return current + 1, nil
}

// HasEvents reports whether any events exist for aggregateID.
func (s *Service) HasEvents(ctx context.Context, aggregateID string) (bool, error) {
	count, err := s.log.CountByAggregate(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// EventsByAggregateType is an unlocked read.
func (s *Service) EventsByAggregateType(ctx context.Context, aggregateType string, fromTS, toTS time.Time) ([]types.EventRecord, error) {
	return s.log.ReadByAggregateType(ctx, aggregateType, fromTS, toTS)
}

// EventsByEventType is an unlocked read.
func (s *Service) EventsByEventType(ctx context.Context, eventType string, fromTS, toTS time.Time) ([]types.EventRecord, error) {
	return s.log.ReadByEventType(ctx, eventType, fromTS, toTS)
}

// EventsAfterTimestamp is an unlocked read.
func (s *Service) EventsAfterTimestamp(ctx context.Context, ts time.Time) ([]types.EventRecord, error) {
	return s.log.ReadAfterTimestamp(ctx, ts)
}

// EventsForReplayWithSnapshot returns the aggregate's snapshot (if any)
// plus the events after its sequence number; without a snapshot, every
// event (spec §4.6).
func (s *Service) EventsForReplayWithSnapshot(ctx context.Context, aggregateID string) (types.ReplayResult, error) {
	snap, ok, err := s.snaps.Get(ctx, aggregateID)
	if err != nil {
		return types.ReplayResult{}, err
	}

	from := int64(0)
	var snapPtr *types.SnapshotRecord
	if ok {
		snapPtr = &snap
		from = snap.SequenceNumber + 1
	}

	events, err := s.log.ReadByAggregate(ctx, aggregateID, from)
	if err != nil {
		return types.ReplayResult{}, err
	}

	return types.ReplayResult{Snapshot: snapPtr, Events: events}, nil
}

// ShouldSnapshot reports whether a new snapshot is advised for
// aggregateID (spec §4.6 snapshot policy).
func (s *Service) ShouldSnapshot(ctx context.Context, aggregateID string) (bool, error) {
	current, err := s.log.LatestSequence(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	if current == 0 {
		return false, nil
	}

	snap, ok, err := s.snaps.Get(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	if !ok {
		return current >= s.policy.Threshold, nil
	}
	return current-snap.SequenceNumber >= s.policy.Threshold, nil
}

// CreateSnapshot upserts a snapshot at the given sequence number.
func (s *Service) CreateSnapshot(ctx context.Context, aggregateID, aggregateType string, sequence int64, state json.RawMessage) (types.SnapshotRecord, error) {
	rec, err := s.snaps.Upsert(ctx, types.SnapshotRecord{
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		SequenceNumber: sequence,
		Payload:        state,
	})
	if err != nil {
		return types.SnapshotRecord{}, err
	}
	telemetry.SnapshotsCreatedTotal.WithLabelValues(aggregateType).Inc()
	return rec, nil
}

// RunRetentionCleanup deletes snapshots older than policy.RetentionDays.
// Intended to be called on a daily schedule (spec §4.6); errors are
// returned so the caller can log and continue (spec §7 cleanup errors are
// logged and swallowed at the scheduler, not here).
func (s *Service) RunRetentionCleanup(ctx context.Context) (int64, error) {
	if !s.policy.CleanupEnabled {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.policy.RetentionDays)
	n, err := s.snaps.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("snapshot retention cleanup", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
