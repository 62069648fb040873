package items

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/HerbHall/orderlist/internal/kv"
)

// coherence decides how cache keys are namespaced and how every cached
// query result is invalidated after a mutation.
type coherence interface {
	// namespace returns the segment embedded in every cache key right after
	// its kind prefix.
	namespace(ctx context.Context) (string, error)
	// invalidateAll makes every cached query result unreachable.
	invalidateAll(ctx context.Context) (purged int64, err error)
}

// prefixCoherence deletes every page and total entry, whatever search term
// produced it. It trades cache hit rate after writes for not tracking which
// results a mutation could affect.
//
// Keys carry no namespace, so a listing computed before a mutation could be
// written back after the purge. The epoch is bumped before purging and
// Store.cacheFill drops any entry whose epoch moved while it was computed.
type prefixCoherence struct {
	kv kv.Backend
}

func (c *prefixCoherence) namespace(context.Context) (string, error) { return "", nil }

func (c *prefixCoherence) invalidateAll(ctx context.Context) (int64, error) {
	if _, err := c.kv.Incr(ctx, generationKey); err != nil {
		return 0, fmt.Errorf("bump cache epoch: %w", err)
	}
	var purged int64
	for _, prefix := range []string{pageCachePrefix, totalCachePrefix, searchCachePrefix} {
		n, err := c.kv.DeleteByPrefix(ctx, prefix)
		if err != nil {
			return purged, fmt.Errorf("purge %q: %w", prefix, err)
		}
		purged += n
	}
	return purged, nil
}

// generationCoherence embeds a counter in every cache key and bumps it on
// invalidation. Old entries become unreachable at once and age out by TTL,
// so no keyspace scan is needed.
type generationCoherence struct {
	kv kv.Backend
}

func (c *generationCoherence) namespace(ctx context.Context) (string, error) {
	gen, err := readEpoch(ctx, c.kv)
	if err != nil {
		return "", err
	}
	return "g" + gen + ":", nil
}

func (c *generationCoherence) invalidateAll(ctx context.Context) (int64, error) {
	if _, err := c.kv.Incr(ctx, generationKey); err != nil {
		return 0, fmt.Errorf("bump cache generation: %w", err)
	}
	return 0, nil
}

// readEpoch returns the invalidation counter both strategies bump.
func readEpoch(ctx context.Context, b kv.Backend) (string, error) {
	gen, err := b.Get(ctx, generationKey)
	if errors.Is(err, kv.ErrNil) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cache generation: %w", err)
	}
	return gen, nil
}

func (s *Store) epoch(ctx context.Context) (string, error) {
	e, err := readEpoch(ctx, s.kv)
	if err != nil {
		s.metrics.backendError("epoch")
	}
	return e, err
}

// invalidate runs after a mutation has been persisted. A failure is
// returned: the mutation stands, but cached pages may still show the old
// state until their TTL runs out.
func (s *Store) invalidate(ctx context.Context, reason string) error {
	purged, err := s.coherence.invalidateAll(ctx)
	if err != nil {
		s.metrics.backendError("invalidate")
		return fmt.Errorf("invalidate cache after %s: %w", reason, err)
	}
	s.metrics.invalidations.WithLabelValues(reason).Inc()
	s.logger.Debug("cache invalidated",
		zap.String("reason", reason),
		zap.Int64("purged", purged),
	)
	return nil
}
