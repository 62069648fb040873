package items

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	cacheLookups  *prometheus.CounterVec
	materialized  prometheus.Counter
	seeded        prometheus.Counter
	invalidations *prometheus.CounterVec
	backendErrors *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
}

// newMetrics builds the store's collectors and registers them on reg when
// it is non-nil. Collectors already registered by an earlier Store on the
// same registry are reused.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderlist",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Query cache lookups by kind and result.",
		}, []string{"kind", "result"}),
		materialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orderlist",
			Subsystem: "items",
			Name:      "materialized_total",
			Help:      "Records created on first reference.",
		}),
		seeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orderlist",
			Subsystem: "index",
			Name:      "seeded_total",
			Help:      "Ids added to the order index past the watermark.",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderlist",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Cache invalidations by triggering mutation.",
		}, []string{"reason"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderlist",
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Failed backing store calls by store operation.",
		}, []string{"op"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orderlist",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Uncached query computation time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range []struct {
		c   prometheus.Collector
		set func(prometheus.Collector)
	}{
		{m.cacheLookups, func(c prometheus.Collector) { m.cacheLookups = c.(*prometheus.CounterVec) }},
		{m.materialized, func(c prometheus.Collector) { m.materialized = c.(prometheus.Counter) }},
		{m.seeded, func(c prometheus.Collector) { m.seeded = c.(prometheus.Counter) }},
		{m.invalidations, func(c prometheus.Collector) { m.invalidations = c.(*prometheus.CounterVec) }},
		{m.backendErrors, func(c prometheus.Collector) { m.backendErrors = c.(*prometheus.CounterVec) }},
		{m.queryDuration, func(c prometheus.Collector) { m.queryDuration = c.(*prometheus.HistogramVec) }},
	} {
		if err := reg.Register(c.c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			c.set(are.ExistingCollector)
		}
	}
	return m, nil
}

func (m *metrics) backendError(op string) {
	m.backendErrors.WithLabelValues(op).Inc()
}

func (m *metrics) cacheResult(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}
