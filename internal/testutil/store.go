package testutil

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/HerbHall/orderlist/internal/kv"
	"github.com/HerbHall/orderlist/internal/store"
)

// NewStore creates an in-memory SQLiteStore for testing.
// The store is automatically closed when the test completes.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("testutil.NewStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// NewBackend returns a SQLite-backed kv.Backend over an in-memory database.
// Pass kv.WithClock to control key expiry.
func NewBackend(t *testing.T, opts ...kv.SQLiteOption) *kv.SQLite {
	t.Helper()
	b, err := kv.NewSQLite(context.Background(), NewStore(t), opts...)
	if err != nil {
		t.Fatalf("testutil.NewBackend: %v", err)
	}
	return b
}

// NewRedis starts an in-process miniredis server and returns a Redis backend
// connected to it, plus the server for fast-forwarding TTLs.
func NewRedis(t *testing.T) (*kv.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := kv.NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { b.Close() })
	return b, mr
}
