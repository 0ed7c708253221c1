// Package rpc exposes the control plane's RPC surface (spec.md §6.1) as a
// thin JSON binding over chi. Every handler here does no business logic
// of its own — it decodes, calls a pkg/ domain service, and encodes the
// result, following the teacher's Handler→Service layering
// (pkg/incident/handler.go).
package rpc

import (
	"encoding/json"

	"github.com/wisbric/controlplane/pkg/registry"
	"github.com/wisbric/controlplane/pkg/types"
)

// RegisterRequest is the body of POST /registry/register.
type RegisterRequest struct {
	InstanceID   string            `json:"instance_id" validate:"required"`
	ServiceName  string            `json:"service_name" validate:"required"`
	Host         string            `json:"host" validate:"required"`
	Port         int               `json:"port" validate:"required,gt=0"`
	Version      string            `json:"version"`
	Metadata     map[string]string `json:"metadata"`
	CommandTypes []string          `json:"command_types"`
	QueryTypes   []string          `json:"query_types"`
	EventTypes   []string          `json:"event_types"`
}

func (req RegisterRequest) toDescriptor() types.InstanceDescriptor {
	return types.InstanceDescriptor{
		InstanceID:   req.InstanceID,
		ServiceName:  req.ServiceName,
		Host:         req.Host,
		Port:         req.Port,
		Version:      req.Version,
		Metadata:     req.Metadata,
		CommandTypes: req.CommandTypes,
		QueryTypes:   req.QueryTypes,
		EventTypes:   req.EventTypes,
	}
}

// RegisterResponse is the response of POST /registry/register.
type RegisterResponse struct {
	OK             bool                     `json:"ok"`
	RegistrationID string                   `json:"registration_id"`
	Counts         registry.RegisterCounts  `json:"counts"`
}

// UnregisterRequest is the body of POST /registry/unregister.
type UnregisterRequest struct {
	InstanceID string   `json:"instance_id" validate:"required"`
	Kinds      []string `json:"kinds"`
}

// UnregisterResponse is the response of POST /registry/unregister.
type UnregisterResponse struct {
	OK     bool                    `json:"ok"`
	Counts registry.RegisterCounts `json:"counts"`
}

// SubmitCommandRequest is the body of POST /commands.
type SubmitCommandRequest struct {
	CommandID   string          `json:"command_id" validate:"required"`
	CommandType string          `json:"command_type" validate:"required"`
	AggregateID string          `json:"aggregate_id" validate:"required"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	Metadata    json.RawMessage `json:"metadata"`
}

// SubmitCommandResponse is the response of POST /commands.
type SubmitCommandResponse struct {
	OK             bool   `json:"ok"`
	TargetInstance string `json:"target_instance,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
}

// SubmitQueryRequest is the body of POST /queries.
type SubmitQueryRequest struct {
	QueryID   string          `json:"query_id" validate:"required"`
	QueryType string          `json:"query_type" validate:"required"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata"`
}

// SubmitQueryResponse is the response of POST /queries.
type SubmitQueryResponse struct {
	OK             bool   `json:"ok"`
	TargetInstance string `json:"target_instance,omitempty"`
	ExecMs         int64  `json:"exec_ms"`
	ErrorCode      string `json:"error_code,omitempty"`
}

// SubmitEventRequest is the body of POST /events.
type SubmitEventRequest struct {
	EventID       string          `json:"event_id" validate:"required"`
	AggregateID   string          `json:"aggregate_id" validate:"required"`
	AggregateType string          `json:"aggregate_type" validate:"required"`
	Sequence      *int64          `json:"sequence"`
	EventType     string          `json:"event_type" validate:"required"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
	Metadata      json.RawMessage `json:"metadata"`
}

// SubmitEventResponse is the response of POST /events.
type SubmitEventResponse struct {
	OK             bool   `json:"ok"`
	EventInternalID string `json:"event_internal_id,omitempty"`
	Sequence       int64  `json:"sequence,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
}

// DiscoverResponse is the response of the Discover{Command|Query|Event}Handlers endpoints.
type DiscoverResponse struct {
	Instances []types.InstanceDescriptor `json:"instances"`
	Total     int                        `json:"total"`
	Healthy   int                        `json:"healthy"`
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	InstanceID string            `json:"instance_id" validate:"required"`
	Status     string            `json:"status" validate:"required"`
	Timestamp  int64             `json:"timestamp"`
	Metadata   map[string]string `json:"metadata"`
}

// HeartbeatResponse is the response of POST /heartbeat.
type HeartbeatResponse struct {
	OK           bool  `json:"ok"`
	NextInterval int64 `json:"next_interval_s"`
}
