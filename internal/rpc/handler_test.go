package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/controlplane/pkg/eventstore"
	"github.com/wisbric/controlplane/pkg/health"
	"github.com/wisbric/controlplane/pkg/lockmgr"
	"github.com/wisbric/controlplane/pkg/registry"
	"github.com/wisbric/controlplane/pkg/types"
)

// fakeLog and fakeSnapshots give the handler a real eventstore.Service
// without a Postgres connection, mirroring pkg/eventstore's own test
// fakes.
type fakeLog struct {
	events []types.EventRecord
	nextID int
}

func (f *fakeLog) Append(ctx context.Context, e types.EventRecord) (types.EventRecord, error) {
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

type fakeSnapshots struct{}

func (fakeSnapshots) Upsert(ctx context.Context, rec types.SnapshotRecord) (types.SnapshotRecord, error) {
	return rec, nil
}

func (fakeSnapshots) Get(ctx context.Context, aggregateID string) (types.SnapshotRecord, bool, error) {
	return types.SnapshotRecord{}, false, nil
}

func (fakeSnapshots) DeleteOlderThan(ctx context.Context, ts time.Time) (int64, error) {
	return 0, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := registry.NewRouter(registry.NewStore(rdb), logger, time.Minute)
	locks := lockmgr.NewManager(logger, lockmgr.DefaultRetryPolicy)
	store := eventstore.NewService(&fakeLog{}, fakeSnapshots{}, locks, logger, eventstore.DefaultSnapshotPolicy)
	healthSvc := health.NewService(router, logger)

	return NewHandler(logger, router, store, healthSvc, 30)
}

func newTestServer(t *testing.T) (*Handler, *chi.Mux) {
	h := newTestHandler(t)
	mux := chi.NewRouter()
	mux.Mount("/", h.Routes())
	return h, mux
}

func doJSON(mux *chi.Mux, method, path, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestRegister_Validation(t *testing.T) {
	_, mux := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing instance_id", `{"service_name":"order-service","host":"10.0.0.1","port":9000}`, http.StatusUnprocessableEntity},
		{"missing port", `{"instance_id":"inst-1","service_name":"order-service","host":"10.0.0.1"}`, http.StatusUnprocessableEntity},
		{"invalid JSON", `{bad}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{
			"valid",
			`{"instance_id":"inst-1","service_name":"order-service","host":"10.0.0.1","port":9000,"command_types":["ship_order"]}`,
			http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(mux, http.MethodPost, "/registry/register", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestRegisterThenDiscover(t *testing.T) {
	_, mux := newTestServer(t)

	w := doJSON(mux, http.MethodPost, "/registry/register", `{
		"instance_id":"inst-1","service_name":"order-service","host":"10.0.0.1","port":9000,
		"command_types":["ship_order"]
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/discover/commands/ship_order", nil)
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("discover status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp DiscoverResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding discover response: %v", err)
	}
	if resp.Total != 1 || resp.Instances[0].InstanceID != "inst-1" {
		t.Fatalf("unexpected discover response: %+v", resp)
	}
}

func TestSubmitCommand_NoHealthyHandler(t *testing.T) {
	_, mux := newTestServer(t)

	w := doJSON(mux, http.MethodPost, "/commands", `{
		"command_id":"cmd-1","command_type":"ship_order","aggregate_id":"agg-1","payload":{}
	}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", w.Code, w.Body.String())
	}

	var resp SubmitCommandResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.OK || resp.ErrorCode != "no_healthy_handler" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubmitCommand_RoutesToRegisteredInstance(t *testing.T) {
	_, mux := newTestServer(t)

	w := doJSON(mux, http.MethodPost, "/registry/register", `{
		"instance_id":"inst-1","service_name":"order-service","host":"10.0.0.5","port":9100,
		"command_types":["ship_order"]
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(mux, http.MethodPost, "/commands", `{
		"command_id":"cmd-1","command_type":"ship_order","aggregate_id":"agg-1","payload":{}
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("submit command status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp SubmitCommandResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.OK || resp.TargetInstance != "10.0.0.5:9100" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubmitEvent_FirstInsertThenSequenceConflict(t *testing.T) {
	_, mux := newTestServer(t)

	w := doJSON(mux, http.MethodPost, "/events", `{
		"event_id":"evt-1","aggregate_id":"agg-1","aggregate_type":"order","event_type":"order_created","payload":{}
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("first submit status = %d, body = %s", w.Code, w.Body.String())
	}

	var first SubmitEventResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if first.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", first.Sequence)
	}

	// Re-submitting with an explicit sequence of 0 collides with the
	// already-stored first event.
	w = doJSON(mux, http.MethodPost, "/events", `{
		"event_id":"evt-2","aggregate_id":"agg-1","aggregate_type":"order","event_type":"order_created","sequence":0,"payload":{}
	}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409; body = %s", w.Code, w.Body.String())
	}
}

func TestSubmitEvent_Validation(t *testing.T) {
	_, mux := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing event_type", `{"event_id":"e1","aggregate_id":"a1","aggregate_type":"order","payload":{}}`, http.StatusUnprocessableEntity},
		{"missing payload", `{"event_id":"e1","aggregate_id":"a1","aggregate_type":"order","event_type":"created"}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(mux, http.MethodPost, "/events", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHeartbeat_UpdatesHealth(t *testing.T) {
	_, mux := newTestServer(t)

	w := doJSON(mux, http.MethodPost, "/registry/register", `{
		"instance_id":"inst-1","service_name":"order-service","host":"10.0.0.1","port":9000
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(mux, http.MethodPost, "/heartbeat", `{"instance_id":"inst-1","status":"HEALTHY"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp HeartbeatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.OK || resp.NextInterval != 30 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHeartbeat_Validation(t *testing.T) {
	_, mux := newTestServer(t)

	w := doJSON(mux, http.MethodPost, "/heartbeat", `{"instance_id":"inst-1"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body = %s", w.Code, w.Body.String())
	}
}

func TestAggregateSequence(t *testing.T) {
	_, mux := newTestServer(t)

	w := doJSON(mux, http.MethodPost, "/events", `{
		"event_id":"evt-1","aggregate_id":"agg-1","aggregate_type":"order","event_type":"order_created","payload":{}
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body = %s", w.Code, w.Body.String())
	}

	r := httptest.NewRequest(http.MethodGet, "/aggregates/agg-1/sequence", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("sequence status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp map[string]int64
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["sequence"] != 1 {
		t.Fatalf("expected sequence 1, got %d", resp["sequence"])
	}
}

func TestHealthStream_RequiresSubscriberID(t *testing.T) {
	_, mux := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/health/stream", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
