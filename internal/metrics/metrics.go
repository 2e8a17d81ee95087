// Package metrics exposes proxyd's runtime counters over Prometheus,
// modelled on mercator-hq-jupiter/pkg/telemetry/metrics's collector/handler
// split: a Collector owns a private *prometheus.Registry and a set of
// pre-registered instruments, and Handler() serves them at /metrics on
// the admin listener (SPEC_FULL.md §0).
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns proxyd's Prometheus instruments. All fields are safe for
// concurrent use, matching the underlying prometheus client's own guarantee.
// It additionally mirrors a handful of values into plain atomics so the
// janitor's periodic sweep (internal/janitor) can log a snapshot without
// reaching into the Prometheus registry internals.
type Collector struct {
	registry *prometheus.Registry

	connectionsOpened    prometheus.Counter
	connectionsClosed    prometheus.Counter
	connectionsActive    prometheus.Gauge
	requestsTotal        *prometheus.CounterVec
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	cacheEntries         prometheus.Gauge
	resolverQueueDepth   prometheus.Gauge
	resolverLookupsTotal *prometheus.CounterVec
	upstreamErrorsTotal  prometheus.Counter

	activeConnections atomic.Int64
	cacheEntriesCount atomic.Int64
	cacheHitCount     atomic.Int64
	cacheMissCount    atomic.Int64
}

// Snapshot is a point-in-time read of the counters the janitor logs on its
// schedule. It is not a full metrics dump; the /metrics endpoint remains
// the source of truth for scraping.
type Snapshot struct {
	ActiveConnections int64
	CacheEntries      int64
	CacheHits         int64
	CacheMisses       int64
}

// Snapshot reads the mirrored atomics without touching the Prometheus
// registry. Safe to call from any goroutine.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: c.activeConnections.Load(),
		CacheEntries:      c.cacheEntriesCount.Load(),
		CacheHits:         c.cacheHitCount.Load(),
		CacheMisses:       c.cacheMissCount.Load(),
	}
}

// NewCollector builds a Collector with a fresh registry and registers all
// of its instruments plus the standard Go process/runtime collectors.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collector{
		registry: registry,
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_opened_total",
			Help: "Total client connections accepted by the listener.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_closed_total",
			Help: "Total client connections torn down.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Client connections currently open.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Total requests handled, labeled by outcome.",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "response_cache_hits_total",
			Help: "Response cache lookups that found a usable entry.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "response_cache_misses_total",
			Help: "Response cache lookups that found nothing.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "response_cache_entries",
			Help: "Entries currently held in the response cache.",
		}),
		resolverQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resolver_queue_depth",
			Help: "DNS lookup requests enqueued but not yet claimed by a worker.",
		}),
		resolverLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resolver_lookups_total",
			Help: "DNS lookups completed, labeled by outcome.",
		}, []string{"outcome"}),
		upstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_errors_total",
			Help: "Upstream DNS or connect failures that produced a 502.",
		}),
	}

	registry.MustRegister(
		c.connectionsOpened, c.connectionsClosed, c.connectionsActive,
		c.requestsTotal, c.cacheHits, c.cacheMisses, c.cacheEntries,
		c.resolverQueueDepth, c.resolverLookupsTotal, c.upstreamErrorsTotal,
	)
	return c
}

func (c *Collector) ConnectionOpened() {
	c.connectionsOpened.Inc()
	c.connectionsActive.Inc()
	c.activeConnections.Add(1)
}

func (c *Collector) ConnectionClosed() {
	c.connectionsClosed.Inc()
	c.connectionsActive.Dec()
	c.activeConnections.Add(-1)
}

func (c *Collector) RequestCompleted(outcome string) {
	c.requestsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) CacheHit() {
	c.cacheHits.Inc()
	c.cacheHitCount.Add(1)
}

func (c *Collector) CacheMiss() {
	c.cacheMisses.Inc()
	c.cacheMissCount.Add(1)
}

func (c *Collector) SetCacheEntries(n int) {
	c.cacheEntries.Set(float64(n))
	c.cacheEntriesCount.Store(int64(n))
}

func (c *Collector) SetResolverQueueDepth(n int) {
	c.resolverQueueDepth.Set(float64(n))
}

func (c *Collector) ResolverLookup(outcome string) {
	c.resolverLookupsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) UpstreamError() {
	c.upstreamErrorsTotal.Inc()
}

// Registry returns the private registry backing this collector, mainly for
// tests that want to read instrument values back out with testutil.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus exposition
// format, meant to be mounted on proxyd's admin HTTP listener.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
