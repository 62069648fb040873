package items

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/orderlist/internal/kv"
	"github.com/HerbHall/orderlist/pkg/models"
)

// ListOptions selects one page of the collection.
type ListOptions struct {
	Page   int    // 1-based page number (default 1).
	Limit  int    // Page size (default 20, max 1000).
	Search string // Substring of the decimal value; blank means no filter.
}

// normalizeListOptions applies defaults and caps to list options.
func normalizeListOptions(opts ListOptions) ListOptions {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	opts.Search = strings.TrimSpace(opts.Search)
	return opts
}

// List returns one page of items in order, optionally filtered by a
// substring of each item's decimal value. Results are served from the
// cache when present. A backing store failure degrades to an empty page
// and is not returned.
func (s *Store) List(ctx context.Context, opts ListOptions) (*models.ItemPage, error) {
	opts = normalizeListOptions(opts)

	page, err := s.list(ctx, opts)
	if errors.Is(err, ErrUnavailable) {
		s.logger.Warn("listing degraded to empty page",
			zap.Int("page", opts.Page),
			zap.Int("limit", opts.Limit),
			zap.String("search", opts.Search),
			zap.Error(err),
		)
		return &models.ItemPage{Items: []models.Item{}, Page: opts.Page, Limit: opts.Limit}, nil
	}
	return page, err
}

func (s *Store) list(ctx context.Context, opts ListOptions) (*models.ItemPage, error) {
	// No page past the last page of the whole domain can hold items, whatever
	// the search. Answering here keeps rank and cap arithmetic in range.
	if int64(opts.Page) > models.TotalPages(s.cfg.MaxItems, opts.Limit) {
		return s.pastEnd(ctx, opts)
	}

	ns, err := s.coherence.namespace(ctx)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s%s%d:limit:%d:search:%s", pageCachePrefix, ns, opts.Page, opts.Limit, opts.Search)

	// The whole page, total included, is one cache entry, so a response is
	// either entirely cached or entirely fresh.
	var cached models.ItemPage
	hit, err := s.cacheGet(ctx, key, &cached)
	if err != nil {
		return nil, err
	}
	s.metrics.cacheResult("page", hit)
	if hit {
		return &cached, nil
	}
	epoch, err := s.epoch(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	kind := "page"
	var ids []int64
	if opts.Search == "" {
		ids, err = s.rangeByRank(ctx, int64(opts.Page-1)*int64(opts.Limit), int64(opts.Page)*int64(opts.Limit)-1)
	} else {
		kind = "search"
		ids, err = s.searchPage(ctx, opts)
	}
	if err != nil {
		return nil, err
	}
	items, err := s.resolveAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	total, err := s.totalCount(ctx, opts.Search)
	if err != nil {
		return nil, err
	}
	s.metrics.queryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	page := &models.ItemPage{
		Items:      items,
		Total:      total,
		Page:       opts.Page,
		Limit:      opts.Limit,
		TotalPages: models.TotalPages(total, opts.Limit),
	}
	if err := s.cacheFill(ctx, key, epoch, page); err != nil {
		return nil, err
	}
	return page, nil
}

// pastEnd answers a page beyond the end of the domain: no items, but the
// real total so clients can find their way back.
func (s *Store) pastEnd(ctx context.Context, opts ListOptions) (*models.ItemPage, error) {
	total, err := s.totalCount(ctx, opts.Search)
	if err != nil {
		return nil, err
	}
	return &models.ItemPage{
		Items:      []models.Item{},
		Total:      total,
		Page:       opts.Page,
		Limit:      opts.Limit,
		TotalPages: models.TotalPages(total, opts.Limit),
	}, nil
}

// SearchCap is the number of matches a search scan collects before it
// stops: SearchCapFactor pages' worth of headroom past the end of the
// requested page. The requested page itself is always complete; deeper
// matches are never scanned for, which bounds latency on dense terms.
// The cap saturates at MaxItems.
func (s *Store) SearchCap(page, limit int) int {
	if page < 1 || limit < 1 {
		return 0
	}
	ceiling := s.cfg.MaxItems
	n := int64(page)
	for _, f := range []int64{int64(limit), int64(s.cfg.SearchCapFactor)} {
		if n > ceiling/f {
			return int(ceiling)
		}
		n *= f
	}
	return int(min(n, ceiling))
}

// searchPage scans the order for matching ids up to the search cap and
// slices out the requested page.
func (s *Store) searchPage(ctx context.Context, opts ListOptions) ([]int64, error) {
	capacity := s.SearchCap(opts.Page, opts.Limit)
	matches := make([]int64, 0, min(capacity, 4096))

	err := s.scan(ctx, func(id int64) bool {
		if s.matches(id, opts.Search) {
			matches = append(matches, id)
		}
		return len(matches) < capacity
	})
	if err != nil {
		return nil, err
	}

	lo := (opts.Page - 1) * opts.Limit
	if lo < 0 || lo >= len(matches) {
		return nil, nil
	}
	hi := min(lo+opts.Limit, len(matches))
	return matches[lo:hi], nil
}

// matches reports whether the decimal value of id contains term. Values
// are fixed at materialization and ValueFunc is deterministic, so no
// record needs to be read.
func (s *Store) matches(id int64, term string) bool {
	return strings.Contains(strconv.FormatInt(s.valueOf(id), 10), term)
}

// TotalCount returns the number of items matching search, or MaxItems with
// no search. Results are cached under their own key. A backing store
// failure degrades to zero.
func (s *Store) TotalCount(ctx context.Context, search string) (int64, error) {
	search = strings.TrimSpace(search)
	n, err := s.totalCount(ctx, search)
	if errors.Is(err, ErrUnavailable) {
		s.logger.Warn("total count degraded to zero", zap.String("search", search), zap.Error(err))
		return 0, nil
	}
	return n, err
}

func (s *Store) totalCount(ctx context.Context, search string) (int64, error) {
	ns, err := s.coherence.namespace(ctx)
	if err != nil {
		return 0, err
	}
	key := totalCachePrefix + ns + search

	var cached int64
	hit, err := s.cacheGet(ctx, key, &cached)
	if err != nil {
		return 0, err
	}
	s.metrics.cacheResult("total", hit)
	if hit {
		return cached, nil
	}
	epoch, err := s.epoch(ctx)
	if err != nil {
		return 0, err
	}

	total := s.cfg.MaxItems
	if search != "" {
		start := time.Now()
		total, err = s.countMatches(ctx, search)
		if err != nil {
			return 0, err
		}
		s.metrics.queryDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	}

	if err := s.cacheFill(ctx, key, epoch, total); err != nil {
		return 0, err
	}
	return total, nil
}

// countMatches runs the search predicate over the full id domain. Counting
// does not depend on order, so no index reads are needed.
func (s *Store) countMatches(ctx context.Context, term string) (int64, error) {
	var n int64
	for id := int64(1); id <= s.cfg.MaxItems; id++ {
		if id%65536 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if s.matches(id, term) {
			n++
		}
	}
	return n, nil
}

// resolveAll resolves ids concurrently and returns the records in the same
// order. Ids that no longer resolve are dropped.
func (s *Store) resolveAll(ctx context.Context, ids []int64) ([]models.Item, error) {
	resolved := make([]models.Item, len(ids))
	found := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ResolveConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			it, err := s.Resolve(gctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			resolved[i], found[i] = it, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.Item, 0, len(ids))
	for i := range resolved {
		if found[i] {
			out = append(out, resolved[i])
		}
	}
	return out, nil
}

// cacheGet decodes the cached value at key into v and reports whether it
// was present. Undecodable entries count as misses.
func (s *Store) cacheGet(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNil) {
		return false, nil
	}
	if err != nil {
		s.metrics.backendError("cache_get")
		return false, fmt.Errorf("read cache %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// cacheFill caches v computed under epoch. If an invalidation ran since, the
// entry may hold pre-mutation state and may have landed after the purge, so
// it is removed again.
func (s *Store) cacheFill(ctx context.Context, key, epoch string, v any) error {
	if err := s.cacheSet(ctx, key, v); err != nil {
		return err
	}
	now, err := s.epoch(ctx)
	if err != nil {
		return err
	}
	if now == epoch {
		return nil
	}
	if err := s.kv.Del(ctx, key); err != nil {
		s.metrics.backendError("cache_set")
		return fmt.Errorf("drop stale cache %q: %w", key, err)
	}
	s.logger.Debug("dropped cache entry raced by invalidation", zap.String("key", key))
	return nil
}

func (s *Store) cacheSet(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache %q: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(raw), s.cfg.CacheTTL); err != nil {
		s.metrics.backendError("cache_set")
		return fmt.Errorf("write cache %q: %w", key, err)
	}
	return nil
}
