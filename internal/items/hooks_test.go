package items

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/orderlist/internal/kv"
)

// hookedBackend wraps a backend so tests can interleave work with specific
// calls and count index lookups.
type hookedBackend struct {
	kv.Backend

	mu     sync.Mutex
	onSet  func(key string)
	onSAdd func(key, member string)

	zscores atomic.Int64
}

// hookSetOnce runs fn before the first Set whose key satisfies match.
func (h *hookedBackend) hookSetOnce(match func(key string) bool, fn func()) {
	var fired atomic.Bool
	h.mu.Lock()
	h.onSet = func(key string) {
		if match(key) && fired.CompareAndSwap(false, true) {
			fn()
		}
	}
	h.mu.Unlock()
}

// hookSAddOnce runs fn before the first SAdd to key.
func (h *hookedBackend) hookSAddOnce(key string, fn func()) {
	var fired atomic.Bool
	h.mu.Lock()
	h.onSAdd = func(k, _ string) {
		if k == key && fired.CompareAndSwap(false, true) {
			fn()
		}
	}
	h.mu.Unlock()
}

func (h *hookedBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	h.mu.Lock()
	fn := h.onSet
	h.mu.Unlock()
	if fn != nil {
		fn(key)
	}
	return h.Backend.Set(ctx, key, value, ttl)
}

func (h *hookedBackend) SAdd(ctx context.Context, key, member string) error {
	h.mu.Lock()
	fn := h.onSAdd
	h.mu.Unlock()
	if fn != nil {
		fn(key, member)
	}
	return h.Backend.SAdd(ctx, key, member)
}

func (h *hookedBackend) ZScores(ctx context.Context, key string, members []string) ([]kv.Z, error) {
	h.zscores.Add(1)
	return h.Backend.ZScores(ctx, key, members)
}
