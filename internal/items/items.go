// Package items implements the ordered item store: a logically huge,
// lazily materialized collection with a mutable total order, a selection
// set, cached paginated/filtered listings and cache invalidation on every
// mutation.
//
// All state lives in a kv.Backend under these keys:
//
//	item:<id>                              hash {id, value, selected, order}
//	ordered_items                          sorted set, member = zero-padded id
//	ordered_items:seeded                   watermark W: ids 1..W are all indexed
//	ordered_items:above                    set of ids indexed while above W
//	selected_items                         set of selected ids
//	items:page:<p>:limit:<l>:search:<s>    cached page (JSON)
//	total_count:<s>                        cached total
//	cache:generation                       invalidation epoch
//
// The Store holds no in-process locks. Each backend call is atomic on its
// own and mutations are persisted before the cache is purged.
package items

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/orderlist/internal/kv"
	"github.com/HerbHall/orderlist/pkg/models"
)

// Backend keys.
const (
	itemKeyPrefix     = "item:"
	orderKey          = "ordered_items"
	watermarkKey      = "ordered_items:seeded"
	aboveKey          = "ordered_items:above"
	selectedKey       = "selected_items"
	pageCachePrefix   = "items:page:"
	totalCachePrefix  = "total_count:"
	searchCachePrefix = "search:"
	generationKey     = "cache:generation"
)

// Invalidation strategies.
const (
	InvalidatePrefix     = "prefix"
	InvalidateGeneration = "generation"
)

// Config holds the tunables of a Store. Zero values select the defaults,
// except SeedCount where zero disables startup seeding.
type Config struct {
	MaxItems           int64         `mapstructure:"max_items"`
	SeedCount          int64         `mapstructure:"seed_count"`
	SeedBatch          int64         `mapstructure:"seed_batch"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	Invalidation       string        `mapstructure:"invalidation"`
	SearchCapFactor    int           `mapstructure:"search_cap_factor"`
	ResolveConcurrency int           `mapstructure:"resolve_concurrency"`
	ScanChunk          int64         `mapstructure:"scan_chunk"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxItems:           1_000_000,
		SeedCount:          100,
		SeedBatch:          1000,
		CacheTTL:           60 * time.Second,
		Invalidation:       InvalidatePrefix,
		SearchCapFactor:    2,
		ResolveConcurrency: 16,
		ScanChunk:          1000,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.SeedCount < 0 {
		cfg.SeedCount = 0
	}
	cfg.SeedCount = min(cfg.SeedCount, cfg.MaxItems)
	if cfg.SeedBatch <= 0 {
		cfg.SeedBatch = def.SeedBatch
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.Invalidation == "" {
		cfg.Invalidation = def.Invalidation
	}
	if cfg.SearchCapFactor < 1 {
		cfg.SearchCapFactor = def.SearchCapFactor
	}
	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = def.ResolveConcurrency
	}
	if cfg.ScanChunk <= 0 {
		cfg.ScanChunk = def.ScanChunk
	}
	return cfg
}

// ValueFunc computes the value stored in a newly materialized record.
// It must be deterministic: search evaluates it for ids that were never
// materialized.
type ValueFunc func(id int64) int64

// Option customizes a Store.
type Option func(*Store)

// WithValueFunc replaces the default identity value generator.
func WithValueFunc(fn ValueFunc) Option {
	return func(s *Store) { s.valueOf = fn }
}

// WithRegisterer registers the store's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Store) { s.registerer = reg }
}

// Store is the ordered item store. It is safe for concurrent use.
type Store struct {
	kv         kv.Backend
	cfg        Config
	logger     *zap.Logger
	valueOf    ValueFunc
	registerer prometheus.Registerer
	metrics    *metrics
	coherence  coherence
	width      int
}

// New builds a Store over backend. Call Init before serving traffic.
func New(backend kv.Backend, cfg Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	cfg = normalizeConfig(cfg)
	s := &Store{
		kv:      backend,
		cfg:     cfg,
		logger:  logger.Named("items"),
		valueOf: func(id int64) int64 { return id },
		width:   len(strconv.FormatInt(cfg.MaxItems, 10)),
	}
	for _, o := range opts {
		o(s)
	}

	m, err := newMetrics(s.registerer)
	if err != nil {
		return nil, err
	}
	s.metrics = m

	switch cfg.Invalidation {
	case InvalidatePrefix:
		s.coherence = &prefixCoherence{kv: backend}
	case InvalidateGeneration:
		s.coherence = &generationCoherence{kv: backend}
	default:
		return nil, fmt.Errorf("unknown cache invalidation strategy %q", cfg.Invalidation)
	}
	return s, nil
}

// Init seeds the order index with the first SeedCount ids when they are not
// indexed yet. It is safe to call on every startup.
func (s *Store) Init(ctx context.Context) error {
	w, err := s.watermark(ctx)
	if err != nil {
		return err
	}
	if w >= s.cfg.SeedCount {
		return nil
	}
	s.logger.Info("seeding order index",
		zap.Int64("from", w+1),
		zap.Int64("to", s.cfg.SeedCount),
	)
	return s.seed(ctx, w, s.cfg.SeedCount)
}

// MaxItems returns the size of the id domain.
func (s *Store) MaxItems() int64 {
	return s.cfg.MaxItems
}

// Ping checks the backing store.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

func itemKey(id int64) string {
	return itemKeyPrefix + strconv.FormatInt(id, 10)
}

// member encodes id for the order index. Zero padding to the width of
// MaxItems makes the backend's lexicographic tie-break numeric.
func (s *Store) member(id int64) string {
	return fmt.Sprintf("%0*d", s.width, id)
}

func parseMember(m string) (int64, error) {
	id, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad index member %q: %w", m, err)
	}
	return id, nil
}

// canonical is the default record for id.
func (s *Store) canonical(id int64) models.Item {
	return models.Item{
		ID:    id,
		Value: s.valueOf(id),
		Order: float64(id),
	}
}

func (s *Store) inDomain(id int64) bool {
	return id >= 1 && id <= s.cfg.MaxItems
}
