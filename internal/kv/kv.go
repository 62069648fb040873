// Package kv defines the key/value, hash, sorted-set and set primitives the
// item store is built on, and provides Redis and SQLite implementations.
//
// Every method is a single round trip to the backend and is atomic on its
// own; nothing is atomic across calls. Failures talking to the backend are
// wrapped so that errors.Is(err, ErrUnavailable) reports true.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by backends.
var (
	// ErrNil reports a missing or expired scalar key.
	ErrNil = errors.New("kv: nil")
	// ErrUnavailable wraps every failure to reach or query the backend.
	ErrUnavailable = errors.New("backing store unavailable")
)

// Z is a sorted-set member with its score.
type Z struct {
	Member string
	Score  float64
}

// Backend is the persistent store consumed by the item store.
type Backend interface {
	// Get returns a scalar value, or ErrNil.
	Get(ctx context.Context, key string) (string, error)
	// Set stores a scalar. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments an integer scalar, starting from 0.
	Incr(ctx context.Context, key string) (int64, error)

	// HGetAll returns every field of a hash; empty when the key is absent.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSet writes one field of a hash.
	HSet(ctx context.Context, key, field, value string) error
	// HSetNX writes each field only if it is absent, as one atomic unit.
	// created reports whether at least one field was written.
	HSetNX(ctx context.Context, key string, fields map[string]string) (created bool, err error)

	// ZAdd inserts or rescores members.
	ZAdd(ctx context.Context, key string, members ...Z) error
	// ZAddNX inserts members that are not present and returns how many were added.
	ZAddNX(ctx context.Context, key string, members ...Z) (int64, error)
	// ZRange returns members with ranks in [start, stop] ordered by
	// (score, member). Negative indexes count from the end.
	ZRange(ctx context.Context, key string, start, stop int64) ([]Z, error)
	// ZCount returns the number of members with score <= max.
	ZCount(ctx context.Context, key string, max float64) (int64, error)
	// ZScores returns the members that are present, with their scores.
	ZScores(ctx context.Context, key string, members []string) ([]Z, error)
	// ZCard returns the number of members.
	ZCard(ctx context.Context, key string) (int64, error)

	// SAdd adds a member to a set.
	SAdd(ctx context.Context, key, member string) error
	// SRem removes a member from a set.
	SRem(ctx context.Context, key, member string) error
	// SMembers returns all set members in unspecified order.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Exists reports whether key holds any kind of value.
	Exists(ctx context.Context, key string) (bool, error)
	// Del removes keys of any kind.
	Del(ctx context.Context, keys ...string) error
	// DeleteByPrefix removes every scalar key starting with prefix and
	// returns how many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// unavailable wraps a backend failure for op so it matches ErrUnavailable
// while keeping the cause in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
