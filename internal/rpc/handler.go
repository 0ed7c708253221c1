package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/controlplane/internal/errs"
	"github.com/wisbric/controlplane/internal/httpserver"
	"github.com/wisbric/controlplane/pkg/eventstore"
	"github.com/wisbric/controlplane/pkg/health"
	"github.com/wisbric/controlplane/pkg/registry"
	"github.com/wisbric/controlplane/pkg/types"
)

// Handler binds the spec §6.1 RPC surface to the domain services. It
// contains no business logic of its own.
type Handler struct {
	logger     *slog.Logger
	router     *registry.Router
	eventStore *eventstore.Service
	health     *health.Service
	heartbeatInterval int64
}

// NewHandler creates a Handler.
func NewHandler(logger *slog.Logger, router *registry.Router, eventStore *eventstore.Service, healthSvc *health.Service, heartbeatIntervalSeconds int64) *Handler {
	return &Handler{logger: logger, router: router, eventStore: eventStore, health: healthSvc, heartbeatInterval: heartbeatIntervalSeconds}
}

// Routes returns a chi.Router with every RPC-surface endpoint mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/registry/register", h.handleRegister)
	r.Post("/registry/unregister", h.handleUnregister)

	r.Post("/commands", h.handleSubmitCommand)
	r.Post("/queries", h.handleSubmitQuery)
	r.Post("/events", h.handleSubmitEvent)

	r.Get("/discover/commands/{type}", h.handleDiscover(types.KindCommand))
	r.Get("/discover/queries/{type}", h.handleDiscover(types.KindQuery))
	r.Get("/discover/events/{type}", h.handleDiscoverEvents)

	r.Post("/heartbeat", h.handleHeartbeat)
	r.Get("/health/stream", h.handleHealthStream)

	r.Get("/aggregates/{id}/events", h.handleEventsForAggregate)
	r.Get("/aggregates/{id}/sequence", h.handleAggregateSequence)
	r.Get("/aggregates/{id}/replay", h.handleReplay)

	r.Get("/events/after", h.handleReplayAfter)
	r.Get("/events/by-aggregate-type/{type}", h.handleReplayByAggregateType)
	r.Get("/events/by-event-type/{type}", h.handleReplayByEventType)

	return r
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	counts, err := h.router.Register(r.Context(), req.toDescriptor())
	if err != nil {
		h.respondErr(w, err, "registering instance")
		return
	}

	httpserver.Respond(w, http.StatusOK, RegisterResponse{
		OK:             true,
		RegistrationID: req.InstanceID,
		Counts:         counts,
	})
}

func (h *Handler) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req UnregisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	kinds := make([]types.Kind, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		kinds = append(kinds, types.Kind(k))
	}

	counts, err := h.router.Unregister(r.Context(), req.InstanceID, kinds)
	if err != nil {
		h.respondErr(w, err, "unregistering instance")
		return
	}

	httpserver.Respond(w, http.StatusOK, UnregisterResponse{OK: true, Counts: counts})
}

func (h *Handler) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	instanceID, err := h.router.RouteCommand(r.Context(), req.CommandType, req.AggregateID)
	if err != nil {
		h.respondRoutingErr(w, err, SubmitCommandResponse{})
		return
	}

	target, err := h.targetAddress(r, instanceID)
	if err != nil {
		h.respondErr(w, err, "resolving target instance")
		return
	}

	httpserver.Respond(w, http.StatusOK, SubmitCommandResponse{OK: true, TargetInstance: target})
}

func (h *Handler) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req SubmitQueryRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	start := time.Now()
	instanceID, err := h.router.RouteQuery(r.Context(), req.QueryType)
	if err != nil {
		h.respondRoutingErr(w, err, SubmitQueryResponse{})
		return
	}

	target, err := h.targetAddress(r, instanceID)
	if err != nil {
		h.respondErr(w, err, "resolving target instance")
		return
	}

	httpserver.Respond(w, http.StatusOK, SubmitQueryResponse{
		OK:             true,
		TargetInstance: target,
		ExecMs:         time.Since(start).Milliseconds(),
	})
}

func (h *Handler) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	expected := int64(0)
	if req.Sequence != nil {
		expected = *req.Sequence
	} else {
		current, err := h.eventStore.LatestSequence(r.Context(), req.AggregateID)
		if err != nil {
			h.respondErr(w, err, "reading current sequence")
			return
		}
		if current == 0 {
			expected = 0
		} else {
			expected = current + 1
		}
	}

	rec, err := h.eventStore.StoreEvent(r.Context(), req.AggregateID, req.AggregateType, expected, types.EventData{
		EventType: req.EventType,
		Payload:   req.Payload,
		Metadata:  req.Metadata,
	})
	if err != nil {
		if errors.Is(err, errs.ErrSequenceConflict) {
			httpserver.Respond(w, http.StatusConflict, SubmitEventResponse{OK: false, ErrorCode: "sequence_conflict"})
			return
		}
		h.respondErr(w, err, "storing event")
		return
	}

	httpserver.Respond(w, http.StatusOK, SubmitEventResponse{
		OK:              true,
		EventInternalID: rec.ID,
		Sequence:        rec.SequenceNumber,
	})
}

func (h *Handler) handleDiscover(kind types.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageType := chi.URLParam(r, "type")
		onlyHealthy := r.URL.Query().Get("only_healthy") == "true"

		instances, err := h.router.Discover(r.Context(), kind, messageType, onlyHealthy)
		if err != nil {
			h.respondErr(w, err, "discovering handlers")
			return
		}

		healthy := 0
		for _, inst := range instances {
			if inst.Status == types.StatusHealthy {
				healthy++
			}
		}

		httpserver.Respond(w, http.StatusOK, DiscoverResponse{Instances: instances, Total: len(instances), Healthy: healthy})
	}
}

func (h *Handler) handleDiscoverEvents(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "type")
	instances, err := h.router.DiscoverEventHandlers(r.Context(), eventType)
	if err != nil {
		h.respondErr(w, err, "discovering event handlers")
		return
	}
	httpserver.Respond(w, http.StatusOK, DiscoverResponse{Instances: instances, Total: len(instances), Healthy: len(instances)})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.health.UpdateInstanceHealth(r.Context(), req.InstanceID, types.Status(req.Status), req.Metadata); err != nil {
		h.respondErr(w, err, "updating instance health")
		return
	}

	httpserver.Respond(w, http.StatusOK, HeartbeatResponse{OK: true, NextInterval: h.heartbeatInterval})
}

// handleHealthStream serves HealthChange events as newline-delimited JSON
// over a long-lived response, the server-streaming binding for
// spec §6.1's HealthStream.
func (h *Handler) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "subscriber_id is required")
		return
	}

	ch, err := h.health.RegisterSubscriber(r.Context(), subscriberID)
	if err != nil {
		h.respondErr(w, err, "registering health subscriber")
		return
	}
	defer h.health.UnregisterSubscriber(subscriberID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case change, open := <-ch:
			if !open {
				return
			}
			if err := enc.Encode(change); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) handleEventsForAggregate(w http.ResponseWriter, r *http.Request) {
	aggregateID := chi.URLParam(r, "id")
	from := parseInt64Query(r, "from_sequence", 0)

	events, err := h.eventStore.EventsForAggregate(r.Context(), aggregateID, from)
	if err != nil {
		h.respondErr(w, err, "reading events for aggregate")
		return
	}
	httpserver.Respond(w, http.StatusOK, events)
}

func (h *Handler) handleAggregateSequence(w http.ResponseWriter, r *http.Request) {
	aggregateID := chi.URLParam(r, "id")
	seq, err := h.eventStore.LatestSequence(r.Context(), aggregateID)
	if err != nil {
		h.respondErr(w, err, "reading aggregate sequence")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int64{"sequence": seq})
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	aggregateID := chi.URLParam(r, "id")
	result, err := h.eventStore.EventsForReplayWithSnapshot(r.Context(), aggregateID)
	if err != nil {
		h.respondErr(w, err, "replaying aggregate")
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

// handleReplayAfter paginates the global event stream with a keyset
// cursor (timestamp + event id), since "after" here denotes unbounded
// forward iteration rather than a single bounded window.
func (h *Handler) handleReplayAfter(w http.ResponseWriter, r *http.Request) {
	cursorParams, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	from := parseTimeQuery(r, "ts")
	if cursorParams.After != nil {
		from = cursorParams.After.CreatedAt
	}

	events, err := h.eventStore.EventsAfterTimestamp(r.Context(), from)
	if err != nil {
		h.respondErr(w, err, "replaying after timestamp")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewCursorPage(events, cursorParams.Limit, eventCursor))
}

func (h *Handler) handleReplayByAggregateType(w http.ResponseWriter, r *http.Request) {
	aggregateType := chi.URLParam(r, "type")
	from, to := parseTimeQuery(r, "from"), parseTimeQuery(r, "to")
	events, err := h.eventStore.EventsByAggregateType(r.Context(), aggregateType, from, to)
	if err != nil {
		h.respondErr(w, err, "replaying by aggregate type")
		return
	}
	httpserver.Respond(w, http.StatusOK, events)
}

func (h *Handler) handleReplayByEventType(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "type")
	from, to := parseTimeQuery(r, "from"), parseTimeQuery(r, "to")
	events, err := h.eventStore.EventsByEventType(r.Context(), eventType, from, to)
	if err != nil {
		h.respondErr(w, err, "replaying by event type")
		return
	}
	httpserver.Respond(w, http.StatusOK, events)
}

// targetAddress resolves a routed instance_id to "host:port", honoring
// spec.md §9's fix for the hardcoded-target bug: targets always come from
// the live InstanceDescriptor, never a constant.
func (h *Handler) targetAddress(r *http.Request, instanceID string) (string, error) {
	d, ok, err := h.router.Describe(r.Context(), instanceID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: instance %s has no descriptor", errs.ErrNoHealthyHandler, instanceID)
	}
	return fmt.Sprintf("%s:%d", d.Host, d.Port), nil
}

func (h *Handler) respondRoutingErr(w http.ResponseWriter, err error, zero any) {
	if errors.Is(err, errs.ErrNoHealthyHandler) {
		switch v := zero.(type) {
		case SubmitCommandResponse:
			v.ErrorCode = "no_healthy_handler"
			httpserver.Respond(w, http.StatusServiceUnavailable, v)
		case SubmitQueryResponse:
			v.ErrorCode = "no_healthy_handler"
			httpserver.Respond(w, http.StatusServiceUnavailable, v)
		}
		return
	}
	h.respondErr(w, err, "routing message")
}

func (h *Handler) respondErr(w http.ResponseWriter, err error, action string) {
	h.logger.Error(action, "error", err)
	switch {
	case errors.Is(err, errs.ErrValidation):
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, errs.ErrNoHealthyHandler):
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_healthy_handler", err.Error())
	case errors.Is(err, errs.ErrSequenceConflict):
		httpserver.RespondError(w, http.StatusConflict, "sequence_conflict", err.Error())
	case errors.Is(err, errs.ErrRegistryUnavailable), errors.Is(err, errs.ErrStorageUnavailable):
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "backend temporarily unavailable")
	case errors.Is(err, errs.ErrCancelled):
		httpserver.RespondError(w, http.StatusRequestTimeout, "cancelled", err.Error())
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", fmt.Sprintf("failed %s", action))
	}
}

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// eventCursor builds a keyset cursor from an event record's timestamp and
// id, for paginating the unbounded global stream (handleReplayAfter).
func eventCursor(e types.EventRecord) httpserver.Cursor {
	id, _ := uuid.Parse(e.ID)
	return httpserver.Cursor{CreatedAt: e.Timestamp, ID: id}
}

func parseTimeQuery(r *http.Request, key string) time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
