package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/wireline/linerpc-go/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv("KV_KEY_PREFIX", fmt.Sprintf("linerpc:kvtest:%d:", time.Now().UnixNano()))
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Delete(context.Background())
		_ = s.Delete(context.Background(), kvstore.ForConn("c1"))
		_ = s.Close()
	})
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "greeting", []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil || string(item.Data) != "hello" {
		t.Fatalf("item = %+v, want data %q", item, "hello")
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt not preserved")
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	item, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != nil {
		t.Fatalf("Get(absent) = %+v, want nil", item)
	}
}

func TestScopesIsolate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("global")); err != nil {
		t.Fatalf("Set global: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("conn"), kvstore.ForConn("c1")); err != nil {
		t.Fatalf("Set conn: %v", err)
	}

	item, err := s.Get(ctx, "k")
	if err != nil || item == nil || string(item.Data) != "global" {
		t.Fatalf("global item = %+v (err %v), want %q", item, err, "global")
	}
	item, err = s.Get(ctx, "k", kvstore.ForConn("c1"))
	if err != nil || item == nil || string(item.Data) != "conn" {
		t.Fatalf("conn item = %+v (err %v), want %q", item, err, "conn")
	}
}

func TestTTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ephemeral", []byte("x"), kvstore.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if item, err := s.Get(ctx, "ephemeral"); err != nil || item == nil {
		t.Fatalf("entry missing before its TTL (item %+v, err %v)", item, err)
	}

	time.Sleep(120 * time.Millisecond)
	item, err := s.Get(ctx, "ephemeral")
	if err != nil {
		t.Fatalf("Get after TTL: %v", err)
	}
	if item != nil {
		t.Fatalf("entry still present after its TTL: %+v", item)
	}
}

func TestDeleteScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"x", "y", "z"} {
		if err := s.Set(ctx, key, []byte("v"), kvstore.ForConn("c1")); err != nil {
			t.Fatalf("Set(%q): %v", key, err)
		}
	}
	if err := s.Set(ctx, "x", []byte("keep")); err != nil {
		t.Fatalf("Set global: %v", err)
	}

	if err := s.Delete(ctx, kvstore.ForConn("c1")); err != nil {
		t.Fatalf("Delete scope: %v", err)
	}
	for _, key := range []string{"x", "y", "z"} {
		item, err := s.Get(ctx, key, kvstore.ForConn("c1"))
		if err != nil {
			t.Fatalf("Get(%q): %v", key, err)
		}
		if item != nil {
			t.Errorf("key %q survived scope delete", key)
		}
	}
	if item, err := s.Get(ctx, "x"); err != nil || item == nil {
		t.Errorf("global entry removed by scoped delete (item %+v, err %v)", item, err)
	}
}
