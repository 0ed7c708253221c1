// Package types holds the data model shared across the control plane
// components (spec §3): instance descriptors, handler bindings, health
// records, event records, and snapshot records.
package types

import (
	"encoding/json"
	"time"
)

// Kind is the category of message an instance can handle.
type Kind string

const (
	KindCommand Kind = "command"
	KindQuery   Kind = "query"
	KindEvent   Kind = "event"
)

// Status is an InstanceDescriptor's lifecycle state.
type Status string

const (
	StatusStarting  Status = "STARTING"
	StatusHealthy   Status = "HEALTHY"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
	StatusStopping  Status = "STOPPING"
)

// InstanceDescriptor identifies a worker instance and the message types it
// claims to handle.
type InstanceDescriptor struct {
	InstanceID    string            `json:"instance_id"`
	ServiceName   string            `json:"service_name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Version       string            `json:"version"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CommandTypes  []string          `json:"command_types,omitempty"`
	QueryTypes    []string          `json:"query_types,omitempty"`
	EventTypes    []string          `json:"event_types,omitempty"`
	Status        Status            `json:"status"`
	LastHeartbeat int64             `json:"last_heartbeat"`
}

// TypesFor returns the descriptor's registered message types for kind.
func (d *InstanceDescriptor) TypesFor(kind Kind) []string {
	switch kind {
	case KindCommand:
		return d.CommandTypes
	case KindQuery:
		return d.QueryTypes
	case KindEvent:
		return d.EventTypes
	default:
		return nil
	}
}

// HealthRecord is the TTL-backed liveness record for an instance (C1/C7).
type HealthRecord struct {
	InstanceID    string            `json:"instance_id"`
	Status        Status            `json:"status"`
	LastHeartbeat int64             `json:"last_heartbeat"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// HealthChange is broadcast to health stream subscribers (C7).
type HealthChange struct {
	InstanceID   string            `json:"instance_id"`
	Status       Status            `json:"status"`
	TimestampMs  int64             `json:"timestamp_ms"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Source       string            `json:"source,omitempty"`
}

// EventRecord is an immutable append-only event (C2).
type EventRecord struct {
	ID             string          `json:"id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// EventData is the input shape for appending a new event, before a
// sequence number and ID have been assigned.
type EventData struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// SnapshotRecord is the single upsert-only materialized state per
// aggregate (C3).
type SnapshotRecord struct {
	ID             string          `json:"id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	SequenceNumber int64           `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ReplayResult is the combined snapshot + tail-events view used to
// reconstruct an aggregate's current state (C6).
type ReplayResult struct {
	Snapshot *SnapshotRecord `json:"snapshot,omitempty"`
	Events   []EventRecord   `json:"events"`
}
