// Package cleanup implements the Cleanup Scheduler (C8): periodic sweeps
// of expired instances and stale routing-set entries. The run-loop shape
// (run once, then tick) is grounded on the teacher's
// pkg/roster.RunScheduleTopUpLoop.
package cleanup

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wisbric/controlplane/internal/telemetry"
	"github.com/wisbric/controlplane/pkg/registry"
)

const (
	instanceSweepInterval = 60 * time.Second
	instanceStaleAfter    = 2 * time.Minute
	routingReconcileInterval = 120 * time.Second
)

// Scheduler is the Cleanup Scheduler (C8).
type Scheduler struct {
	router *registry.Router
	logger *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(router *registry.Router, logger *slog.Logger) *Scheduler {
	return &Scheduler{router: router, logger: logger}
}

// RunInstanceSweepLoop removes instances whose health record has expired,
// every instanceSweepInterval, until ctx is cancelled (spec §4.8).
func (s *Scheduler) RunInstanceSweepLoop(ctx context.Context) {
	s.logger.Info("cleanup: instance sweep loop started", "interval", instanceSweepInterval)
	ticker := time.NewTicker(instanceSweepInterval)
	defer ticker.Stop()

	s.sweepInstances(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup: instance sweep loop stopped")
			return
		case <-ticker.C:
			s.sweepInstances(ctx)
		}
	}
}

// sweepInstances removes any instance whose health record no longer
// exists (TTL expired), which spec §4.8 frames as "last_heartbeat older
// than 2 min": a TTL-expired health:<id> hash is operationally identical
// to that condition since health writes refresh the TTL on every
// heartbeat.
func (s *Scheduler) sweepInstances(ctx context.Context) {
	telemetry.CleanupSweepsTotal.WithLabelValues("expired_instances").Inc()

	ids, err := s.router.AllInstances(ctx)
	if err != nil {
		s.logger.Error("cleanup: listing instances", "error", err)
		return
	}

	for _, id := range ids {
		fields, err := s.router.HealthFields(ctx, id)
		if err != nil {
			s.logger.Error("cleanup: checking instance liveness", "instance_id", id, "error", err)
			continue
		}
		if len(fields) > 0 {
			continue
		}
		if err := s.router.RemoveInstance(ctx, id); err != nil {
			s.logger.Error("cleanup: removing stale instance", "instance_id", id, "error", err)
			continue
		}
		telemetry.InstancesRemovedTotal.Inc()
		s.logger.Info("cleanup: removed stale instance", "instance_id", id)
	}
	_ = instanceStaleAfter // documents the staleness window health TTL enforces
}

// RunRoutingReconcileLoop removes instance_ids from route:* sets that no
// longer have a backing instance:<id> record, every
// routingReconcileInterval, until ctx is cancelled (spec §4.8).
func (s *Scheduler) RunRoutingReconcileLoop(ctx context.Context) {
	s.logger.Info("cleanup: routing reconcile loop started", "interval", routingReconcileInterval)
	ticker := time.NewTicker(routingReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup: routing reconcile loop stopped")
			return
		case <-ticker.C:
			s.reconcileRouting(ctx)
		}
	}
}

func (s *Scheduler) reconcileRouting(ctx context.Context) {
	telemetry.CleanupSweepsTotal.WithLabelValues("routing_reconcile").Inc()

	keys, err := s.router.RouteKeys(ctx)
	if err != nil {
		s.logger.Error("cleanup: listing route keys", "error", err)
		return
	}

	for _, key := range keys {
		members, err := s.router.RouteSetMembers(ctx, key)
		if err != nil {
			s.logger.Error("cleanup: listing route set members", "key", key, "error", err)
			continue
		}
		for _, id := range members {
			exists, err := s.router.InstanceExists(ctx, id)
			if err != nil {
				s.logger.Error("cleanup: checking instance record", "instance_id", id, "error", err)
				continue
			}
			if exists {
				continue
			}
			if err := s.router.RemoveFromRouteSet(ctx, key, id); err != nil {
				s.logger.Error("cleanup: reconciling route set", "key", key, "instance_id", id, "error", err)
				continue
			}
			s.logger.Info("cleanup: reconciled stale routing entry", "key", key, "instance_id", id)
		}
	}
}

// routeKindAndType splits a route:<kind>:<type> key back into its parts,
// for diagnostics.
func routeKindAndType(key string) (kind, messageType string) {
	parts := strings.SplitN(strings.TrimPrefix(key, "route:"), ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
