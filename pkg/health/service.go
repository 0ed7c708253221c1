// Package health implements the Streaming Health Service (C7): heartbeat
// ingestion, staleness detection, and subscriber fan-out. The bounded,
// non-blocking mailbox pattern is grounded on the teacher's async audit
// log writer (internal/audit.Writer.Log); the periodic-tick loop shape is
// grounded on the teacher's escalation.Engine.Run.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/controlplane/internal/telemetry"
	"github.com/wisbric/controlplane/pkg/registry"
	"github.com/wisbric/controlplane/pkg/types"
)

const (
	mailboxSize        = 64
	stalenessInterval  = 30 * time.Second
	stalenessThreshold = 1 * time.Minute
	cleanupInterval    = 60 * time.Second
	cleanupThreshold   = 2 * time.Minute
)

// subscriber is a single health stream consumer (spec §3 SubscriberHandle).
type subscriber struct {
	id     string
	ch     chan types.HealthChange
	closed bool
}

// Service is the Streaming Health Service (C7).
type Service struct {
	router *registry.Router
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string]*subscriber
	lastSeen    map[string]time.Time
}

// NewService creates a Service backed by the handler registry's health
// records.
func NewService(router *registry.Router, logger *slog.Logger) *Service {
	return &Service{
		router:      router,
		logger:      logger,
		subscribers: make(map[string]*subscriber),
		lastSeen:    make(map[string]time.Time),
	}
}

// UpdateInstanceHealth writes a fresh health record with TTL, updates
// last_seen, and broadcasts the change to every subscriber (spec §4.7).
func (s *Service) UpdateInstanceHealth(ctx context.Context, instanceID string, status types.Status, metadata map[string]string) error {
	if err := s.router.UpdateHealth(ctx, instanceID, status, metadata); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSeen[instanceID] = time.Now()
	s.mu.Unlock()

	telemetry.HeartbeatsReceivedTotal.WithLabelValues(string(status)).Inc()

	s.broadcast(types.HealthChange{
		InstanceID:  instanceID,
		Status:      status,
		TimestampMs: time.Now().UnixMilli(),
		Metadata:    metadata,
	})
	return nil
}

// RegisterSubscriber attaches a new subscriber and immediately primes it
// with the current health record for subscriberID, if one exists
// (spec §4.7: source="existing_health_data").
func (s *Service) RegisterSubscriber(ctx context.Context, subscriberID string) (<-chan types.HealthChange, error) {
	sub := &subscriber{id: subscriberID, ch: make(chan types.HealthChange, mailboxSize)}

	s.mu.Lock()
	s.subscribers[subscriberID] = sub
	s.mu.Unlock()
	telemetry.HealthSubscribersGauge.Set(float64(s.subscriberCount()))

	fields, err := s.router.HealthFields(ctx, subscriberID)
	if err == nil && len(fields) > 0 {
		sub.ch <- types.HealthChange{
			InstanceID:  subscriberID,
			Status:      types.Status(fields["status"]),
			TimestampMs: time.Now().UnixMilli(),
			Source:      "existing_health_data",
		}
	}

	return sub.ch, nil
}

// UnregisterSubscriber closes the subscriber's stream and removes its
// handle.
func (s *Service) UnregisterSubscriber(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[subscriberID]
	if !ok {
		return
	}
	s.closeSubscriberLocked(sub)
	telemetry.HealthSubscribersGauge.Set(float64(len(s.subscribers)))
}

func (s *Service) closeSubscriberLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(s.subscribers, sub.id)
}

func (s *Service) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// broadcast delivers change to every subscriber via a non-blocking send;
// a subscriber whose mailbox is full is considered failed and removed
// (spec §4.7, §5 unsubscribe-on-error).
func (s *Service) broadcast(change types.HealthChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subscribers {
		select {
		case sub.ch <- change:
		default:
			s.logger.Warn("health subscriber mailbox full, dropping subscriber", "subscriber_id", id)
			telemetry.HealthBroadcastDroppedTotal.Inc()
			s.closeSubscriberLocked(sub)
		}
	}
}

// RunStalenessLoop broadcasts UNHEALTHY every stalenessInterval for any
// instance whose last_seen exceeds stalenessThreshold, without removing
// it (spec §4.7). It blocks until ctx is cancelled.
func (s *Service) RunStalenessLoop(ctx context.Context) {
	ticker := time.NewTicker(stalenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale(ctx, stalenessThreshold, false)
		}
	}
}

// RunCleanupLoop marks UNHEALTHY, broadcasts, and forgets any instance
// whose last_seen exceeds cleanupThreshold, every cleanupInterval
// (spec §4.7). It blocks until ctx is cancelled.
func (s *Service) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale(ctx, cleanupThreshold, true)
		}
	}
}

func (s *Service) sweepStale(ctx context.Context, threshold time.Duration, forget bool) {
	now := time.Now()

	s.mu.Lock()
	var stale []string
	for id, seen := range s.lastSeen {
		if now.Sub(seen) > threshold {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.broadcast(types.HealthChange{
			InstanceID:  id,
			Status:      types.StatusUnhealthy,
			TimestampMs: now.UnixMilli(),
		})
		if forget {
			if err := s.router.UpdateHealth(ctx, id, types.StatusUnhealthy, nil); err != nil {
				s.logger.Error("marking stale instance unhealthy", "instance_id", id, "error", err)
			}
			s.mu.Lock()
			delete(s.lastSeen, id)
			s.mu.Unlock()
		}
	}
}
