package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wisbric/controlplane/internal/errs"
	"github.com/wisbric/controlplane/internal/telemetry"
	"github.com/wisbric/controlplane/pkg/types"
)

// defaultHealthTTL is the TTL attached to every health:* and instance:*
// write (spec §4.1): "Every health:* and instance:* write MUST attach a
// TTL (default 2 min)."
const defaultHealthTTL = 2 * time.Minute

// Router implements the Handler Registry & Router (C5): registration,
// discovery, and routing decisions layered on the Store (C1).
type Router struct {
	store    *Store
	logger   *slog.Logger
	healthTTL time.Duration
}

// NewRouter creates a Router. healthTTL overrides the default 2-minute
// TTL on health/instance records (spec §6.3 health.ttl_seconds).
func NewRouter(store *Store, logger *slog.Logger, healthTTL time.Duration) *Router {
	if healthTTL <= 0 {
		healthTTL = defaultHealthTTL
	}
	return &Router{store: store, logger: logger, healthTTL: healthTTL}
}

// RegisterCounts reports how many bindings were added per kind, returned
// to the RPC caller (spec §6.1 Register → {..., counts}).
type RegisterCounts struct {
	Commands int `json:"commands"`
	Queries  int `json:"queries"`
	Events   int `json:"events"`
}

// Register upserts the instance record with a TTL, adds every
// (kind,type,instance_id) binding in both indexes, and marks the
// instance HEALTHY. Idempotent: registering the same descriptor twice
// produces the same end state (spec §8 round-trip property).
func (r *Router) Register(ctx context.Context, d types.InstanceDescriptor) (RegisterCounts, error) {
	d.Status = types.StatusHealthy
	d.LastHeartbeat = time.Now().UnixMilli()

	blob, err := json.Marshal(d)
	if err != nil {
		return RegisterCounts{}, fmt.Errorf("%w: marshaling instance descriptor: %v", errs.ErrValidation, err)
	}

	if err := r.store.Set(ctx, instanceKey(d.InstanceID), string(blob), r.healthTTL); err != nil {
		return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}

	if err := r.store.HashPutAll(ctx, healthKey(d.InstanceID), map[string]string{
		"status":         string(types.StatusHealthy),
		"last_heartbeat": fmt.Sprintf("%d", d.LastHeartbeat),
		"host":           d.Host,
		"port":           fmt.Sprintf("%d", d.Port),
	}); err != nil {
		return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	if err := r.store.Expire(ctx, healthKey(d.InstanceID), r.healthTTL); err != nil {
		return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}

	if d.ServiceName != "" {
		if err := r.store.SetAdd(ctx, serviceKey(d.ServiceName), d.InstanceID); err != nil {
			return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
		}
	}

	counts := RegisterCounts{}
	for _, kind := range []types.Kind{types.KindCommand, types.KindQuery, types.KindEvent} {
		msgTypes := d.TypesFor(kind)
		for _, t := range msgTypes {
			if err := r.store.SetAdd(ctx, routeKey(string(kind), t), d.InstanceID); err != nil {
				return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
			}
			if err := r.store.SetAdd(ctx, handlersKey(string(kind), d.InstanceID), t); err != nil {
				return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
			}
		}
		switch kind {
		case types.KindCommand:
			counts.Commands = len(msgTypes)
		case types.KindQuery:
			counts.Queries = len(msgTypes)
		case types.KindEvent:
			counts.Events = len(msgTypes)
		}
	}

	r.logger.Info("instance registered", "instance_id", d.InstanceID, "service", d.ServiceName,
		"commands", counts.Commands, "queries", counts.Queries, "events", counts.Events)

	return counts, nil
}

// Unregister removes the given kinds' bindings for instanceID. When kinds
// is empty, all kinds are removed. If no bindings remain afterward, the
// instance record and health record are removed too.
func (r *Router) Unregister(ctx context.Context, instanceID string, kinds []types.Kind) (RegisterCounts, error) {
	if len(kinds) == 0 {
		kinds = []types.Kind{types.KindCommand, types.KindQuery, types.KindEvent}
	}

	counts := RegisterCounts{}
	for _, kind := range kinds {
		types_, err := r.store.SetMembers(ctx, handlersKey(string(kind), instanceID))
		if err != nil {
			return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
		}
		for _, t := range types_ {
			if err := r.store.SetRemove(ctx, routeKey(string(kind), t), instanceID); err != nil {
				return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
			}
		}
		if err := r.store.Delete(ctx, handlersKey(string(kind), instanceID)); err != nil {
			return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
		}
		switch kind {
		case types.KindCommand:
			counts.Commands = len(types_)
		case types.KindQuery:
			counts.Queries = len(types_)
		case types.KindEvent:
			counts.Events = len(types_)
		}
	}

	remaining := false
	for _, kind := range []types.Kind{types.KindCommand, types.KindQuery, types.KindEvent} {
		n, err := r.store.SetSize(ctx, handlersKey(string(kind), instanceID))
		if err != nil {
			return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
		}
		if n > 0 {
			remaining = true
			break
		}
	}
	if !remaining {
		if err := r.store.Delete(ctx, instanceKey(instanceID)); err != nil {
			return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
		}
		if err := r.store.Delete(ctx, healthKey(instanceID)); err != nil {
			return RegisterCounts{}, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
		}
	}

	r.logger.Info("instance unregistered", "instance_id", instanceID, "remaining_bindings", remaining)
	return counts, nil
}

// isLive reports whether instanceID's health record exists (TTL not
// expired) and its status is HEALTHY (spec §4.5 liveness definition).
func (r *Router) isLive(ctx context.Context, instanceID string) (bool, error) {
	fields, err := r.store.HashGetAll(ctx, healthKey(instanceID))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	if len(fields) == 0 {
		return false, nil
	}
	return fields["status"] == string(types.StatusHealthy), nil
}

// liveInstances returns the live, lexicographically-sorted instance_ids
// registered for (kind, messageType). Sorting makes independent callers
// agree on the routing table's order (spec §4.5 tie-break ordering).
func (r *Router) liveInstances(ctx context.Context, kind types.Kind, messageType string) ([]string, error) {
	members, err := r.store.SetMembers(ctx, routeKey(string(kind), messageType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}

	live := make([]string, 0, len(members))
	for _, id := range members {
		ok, err := r.isLive(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			live = append(live, id)
		}
	}
	sort.Strings(live)
	return live, nil
}

// RouteCommand deterministically selects a live handler of commandType for
// aggregateID: instances_sorted[stable_hash(aggregate_id) mod n]. The same
// aggregate_id always maps to the same instance while the live set is
// unchanged (spec §4.5, §8 invariant 5).
func (r *Router) RouteCommand(ctx context.Context, commandType, aggregateID string) (string, error) {
	live, err := r.liveInstances(ctx, types.KindCommand, commandType)
	if err != nil {
		telemetry.CommandsRoutedTotal.WithLabelValues(commandType, "error").Inc()
		return "", err
	}
	if len(live) == 0 {
		telemetry.CommandsRoutedTotal.WithLabelValues(commandType, "no_handler").Inc()
		return "", fmt.Errorf("%w: no live handler for command type %q", errs.ErrNoHealthyHandler, commandType)
	}

	h := xxhash.Sum64String(aggregateID)
	idx := int(h % uint64(len(live)))
	telemetry.CommandsRoutedTotal.WithLabelValues(commandType, "routed").Inc()
	return live[idx], nil
}

// RouteQuery selects a live handler of queryType uniformly at random.
func (r *Router) RouteQuery(ctx context.Context, queryType string) (string, error) {
	live, err := r.liveInstances(ctx, types.KindQuery, queryType)
	if err != nil {
		telemetry.QueriesRoutedTotal.WithLabelValues(queryType, "error").Inc()
		return "", err
	}
	if len(live) == 0 {
		telemetry.QueriesRoutedTotal.WithLabelValues(queryType, "no_handler").Inc()
		return "", fmt.Errorf("%w: no live handler for query type %q", errs.ErrNoHealthyHandler, queryType)
	}

	telemetry.QueriesRoutedTotal.WithLabelValues(queryType, "routed").Inc()
	return live[rand.Intn(len(live))], nil
}

// DiscoverEventHandlers returns every live handler of eventType (events
// use broadcast semantics, not single-target routing).
func (r *Router) DiscoverEventHandlers(ctx context.Context, eventType string) ([]types.InstanceDescriptor, error) {
	telemetry.EventsDiscoveredTotal.WithLabelValues(eventType).Inc()
	return r.Discover(ctx, types.KindEvent, eventType, true)
}

// Discover returns descriptors for every instance bound to (kind,
// messageType). When onlyHealthy is true, only live instances are
// returned.
func (r *Router) Discover(ctx context.Context, kind types.Kind, messageType string, onlyHealthy bool) ([]types.InstanceDescriptor, error) {
	members, err := r.store.SetMembers(ctx, routeKey(string(kind), messageType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}

	var out []types.InstanceDescriptor
	for _, id := range members {
		if onlyHealthy {
			ok, err := r.isLive(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		d, ok, err := r.describe(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// describe fetches and deserializes an instance's descriptor.
func (r *Router) describe(ctx context.Context, instanceID string) (types.InstanceDescriptor, bool, error) {
	blob, ok, err := r.store.Get(ctx, instanceKey(instanceID))
	if err != nil {
		return types.InstanceDescriptor{}, false, err
	}
	if !ok {
		return types.InstanceDescriptor{}, false, nil
	}
	var d types.InstanceDescriptor
	if err := json.Unmarshal([]byte(blob), &d); err != nil {
		return types.InstanceDescriptor{}, false, fmt.Errorf("decoding instance descriptor %s: %w", instanceID, err)
	}
	return d, true, nil
}

// HandledTypes returns the set of message types of kind handled by
// instanceID.
func (r *Router) HandledTypes(ctx context.Context, instanceID string, kind types.Kind) ([]string, error) {
	members, err := r.store.SetMembers(ctx, handlersKey(string(kind), instanceID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return members, nil
}

// InstancesFor returns the instance_ids bound to (kind, messageType),
// regardless of liveness.
func (r *Router) InstancesFor(ctx context.Context, kind types.Kind, messageType string) ([]string, error) {
	members, err := r.store.SetMembers(ctx, routeKey(string(kind), messageType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return members, nil
}

// RemoveInstance idempotently removes an instance's bindings, instance
// record, and health record.
func (r *Router) RemoveInstance(ctx context.Context, instanceID string) error {
	for _, kind := range []types.Kind{types.KindCommand, types.KindQuery, types.KindEvent} {
		msgTypes, err := r.store.SetMembers(ctx, handlersKey(string(kind), instanceID))
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
		}
		for _, t := range msgTypes {
			if err := r.store.SetRemove(ctx, routeKey(string(kind), t), instanceID); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
			}
		}
		if err := r.store.Delete(ctx, handlersKey(string(kind), instanceID)); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
		}
	}
	if err := r.store.Delete(ctx, instanceKey(instanceID)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	if err := r.store.Delete(ctx, healthKey(instanceID)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return nil
}

// UpdateHealth writes a fresh health hash with TTL and, if the instance's
// descriptor is known, updates its status field too. It is the registry
// half of C7's update_instance_health; broadcast fan-out is the health
// service's responsibility.
func (r *Router) UpdateHealth(ctx context.Context, instanceID string, status types.Status, extra map[string]string) error {
	now := time.Now().UnixMilli()
	fields := map[string]string{
		"status":         string(status),
		"last_heartbeat": fmt.Sprintf("%d", now),
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := r.store.HashPutAll(ctx, healthKey(instanceID), fields); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	if err := r.store.Expire(ctx, healthKey(instanceID), r.healthTTL); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}

	if d, ok, err := r.describe(ctx, instanceID); err == nil && ok {
		d.Status = status
		d.LastHeartbeat = now
		if blob, err := json.Marshal(d); err == nil {
			_ = r.store.Set(ctx, instanceKey(instanceID), string(blob), r.healthTTL)
		}
	}

	return nil
}

// AllInstances returns every instance_id that currently has an
// instance:<id> record, used by the cleanup scheduler's instance sweep
// (spec §4.8).
func (r *Router) AllInstances(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, "instance:")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len("instance:"):])
	}
	return ids, nil
}

// RouteKeys returns every route:* key, used by the cleanup scheduler's
// reconciliation sweep.
func (r *Router) RouteKeys(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, "route:")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return keys, nil
}

// RouteSetMembers returns the members of a route:* set by its full key.
func (r *Router) RouteSetMembers(ctx context.Context, routeKey string) ([]string, error) {
	return r.store.SetMembers(ctx, routeKey)
}

// InstanceExists reports whether instance:<id> is present.
func (r *Router) InstanceExists(ctx context.Context, instanceID string) (bool, error) {
	return r.store.Exists(ctx, instanceKey(instanceID))
}

// RemoveFromRouteSet removes instanceID from the given route:* set by key.
func (r *Router) RemoveFromRouteSet(ctx context.Context, routeKey, instanceID string) error {
	return r.store.SetRemove(ctx, routeKey, instanceID)
}

// HealthFields returns the raw health:<id> hash fields for instanceID,
// used by the health service to prime a newly-registered subscriber with
// existing health data (spec §4.7).
func (r *Router) HealthFields(ctx context.Context, instanceID string) (map[string]string, error) {
	fields, err := r.store.HashGetAll(ctx, healthKey(instanceID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return fields, nil
}

// Describe exposes describe for callers outside this package (the RPC
// layer's target-instance lookup, which turns a routed instance_id into
// host:port).
func (r *Router) Describe(ctx context.Context, instanceID string) (types.InstanceDescriptor, bool, error) {
	return r.describe(ctx, instanceID)
}
