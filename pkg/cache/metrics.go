package cache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks snapshot matches by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_hits_total",
			Help: "Total number of cache store hits",
		},
		[]string{"backend"}, // "memory", "redis", "sqlite", "leveldb"
	)

	// CacheMisses tracks lookups that found nothing
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_misses_total",
			Help: "Total number of cache store misses",
		},
		[]string{"backend"},
	)

	// CacheWrites tracks snapshots written
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_writes_total",
			Help: "Total number of snapshots written to the cache store",
		},
		[]string{"backend"},
	)

	// GenerationsDropped tracks whole generations deleted
	GenerationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_generations_dropped_total",
			Help: "Total number of cache generations deleted",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"backend", "operation"}, // "match", "put", "put_all", "drop", "names", ...
	)
)

// observeMatch records the outcome of a Match call.
func observeMatch(backend string, err error) {
	switch {
	case err == nil:
		CacheHits.WithLabelValues(backend).Inc()
	case errors.Is(err, ErrCacheMiss):
		CacheMisses.WithLabelValues(backend).Inc()
	default:
		CacheErrors.WithLabelValues(backend, "match").Inc()
	}
}

func observeError(backend, operation string, err error) error {
	if err != nil {
		CacheErrors.WithLabelValues(backend, operation).Inc()
	}
	return err
}
