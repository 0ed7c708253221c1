package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb)
}

func TestStoreSetOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetAdd(ctx, "route:command:ship_order", "inst-1"); err != nil {
		t.Fatalf("SetAdd: %v", err)
	}
	if err := store.SetAdd(ctx, "route:command:ship_order", "inst-2"); err != nil {
		t.Fatalf("SetAdd: %v", err)
	}

	members, err := store.SetMembers(ctx, "route:command:ship_order")
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	size, err := store.SetSize(ctx, "route:command:ship_order")
	if err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if size != 2 {
		t.Fatalf("expected size 2, got %d", size)
	}

	if err := store.SetRemove(ctx, "route:command:ship_order", "inst-1"); err != nil {
		t.Fatalf("SetRemove: %v", err)
	}
	members, err = store.SetMembers(ctx, "route:command:ship_order")
	if err != nil {
		t.Fatalf("SetMembers after remove: %v", err)
	}
	if len(members) != 1 || members[0] != "inst-2" {
		t.Fatalf("expected [inst-2], got %v", members)
	}
}

func TestStoreSetMembersMissingKey(t *testing.T) {
	store := newTestStore(t)
	members, err := store.SetMembers(context.Background(), "route:command:nonexistent")
	if err != nil {
		t.Fatalf("SetMembers on missing key: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty slice, got %v", members)
	}
}

func TestStoreHashOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.HashPutAll(ctx, "health:inst-1", map[string]string{
		"status":         "HEALTHY",
		"last_heartbeat": "1000",
	})
	if err != nil {
		t.Fatalf("HashPutAll: %v", err)
	}

	fields, err := store.HashGetAll(ctx, "health:inst-1")
	if err != nil {
		t.Fatalf("HashGetAll: %v", err)
	}
	if fields["status"] != "HEALTHY" {
		t.Fatalf("expected status HEALTHY, got %q", fields["status"])
	}

	v, ok, err := store.HashGet(ctx, "health:inst-1", "status")
	if err != nil {
		t.Fatalf("HashGet: %v", err)
	}
	if !ok || v != "HEALTHY" {
		t.Fatalf("expected (HEALTHY, true), got (%q, %v)", v, ok)
	}

	_, ok, err = store.HashGet(ctx, "health:inst-1", "missing_field")
	if err != nil {
		t.Fatalf("HashGet missing field: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing field")
	}
}

func TestStoreHashGetAllMissingKey(t *testing.T) {
	store := newTestStore(t)
	fields, err := store.HashGetAll(context.Background(), "health:nonexistent")
	if err != nil {
		t.Fatalf("HashGetAll on missing key: %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("expected empty map, got %v", fields)
	}
}

func TestStoreExpireAndExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "instance:inst-1", `{"instance_id":"inst-1"}`, 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	exists, err := store.Exists(ctx, "instance:inst-1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatalf("expected key to exist immediately after Set")
	}

	time.Sleep(100 * time.Millisecond)

	exists, err = store.Exists(ctx, "instance:inst-1")
	if err != nil {
		t.Fatalf("Exists after TTL: %v", err)
	}
	if exists {
		t.Fatalf("expected key to have expired")
	}
}

func TestStoreKeysPrefixScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "instance:inst-1", "a", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "instance:inst-2", "b", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "service:orders", "c", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	keys, err := store.Keys(ctx, "instance:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 instance keys, got %v", keys)
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "instance:inst-1", "a", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Delete(ctx, "instance:inst-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, err := store.Exists(ctx, "instance:inst-1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatalf("expected key to be gone after Delete")
	}
}
