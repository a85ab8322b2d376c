// Package metrics exposes the Prometheus collectors for the HTTP surface,
// the Liquid Cache, the EventBus, and the CellStore.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellserver",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellserver",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cellserver",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "path"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellserver",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Liquid Cache lookups by outcome: hit or miss.",
	}, []string{"outcome"})

	cachePromotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellserver",
		Subsystem: "cache",
		Name:      "layer_moves_total",
		Help:      "Entries moved between cache layers, by direction.",
	}, []string{"direction"})

	cacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cellserver",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Current number of entries held per cache layer.",
	}, []string{"layer"})

	eventBusPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellserver",
		Subsystem: "eventbus",
		Name:      "published_total",
		Help:      "Events published, by adapter and topic.",
	}, []string{"adapter", "topic"})

	eventBusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellserver",
		Subsystem: "eventbus",
		Name:      "dropped_total",
		Help:      "Events dropped: evicted from a full ring buffer, or failed to spill or publish.",
	}, []string{"adapter"})

	cellStoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellserver",
		Subsystem: "cellstore",
		Name:      "operations_total",
		Help:      "CellStore operations, by op and outcome.",
	}, []string{"op", "outcome"})

	cellStoreDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cellserver",
		Subsystem: "cellstore",
		Name:      "operation_duration_seconds",
		Help:      "Duration of CellStore operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"op"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		cacheLookups,
		cachePromotions,
		cacheSize,
		eventBusPublished,
		eventBusDropped,
		cellStoreOps,
		cellStoreDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request count, duration, and in-flight
// tracking. It skips /metrics itself so scrapes don't inflate their own
// counters.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// RecordCacheLayerMove records an entry promoted or demoted between layers.
func RecordCacheLayerMove(promoted bool) {
	if promoted {
		cachePromotions.WithLabelValues("promote").Inc()
		return
	}
	cachePromotions.WithLabelValues("demote").Inc()
}

// SetCacheLayerSize reports the current entry count of a cache layer.
func SetCacheLayerSize(layer int, size int) {
	cacheSize.WithLabelValues(strconv.Itoa(layer)).Set(float64(size))
}

// RecordEventPublished records a successful publish.
func RecordEventPublished(adapter, topic string) {
	eventBusPublished.WithLabelValues(adapter, topic).Inc()
}

// RecordEventDropped records a dropped event: a drop-oldest eviction from
// the ring buffer, a failed spill write, or a failed broker publish.
func RecordEventDropped(adapter string) {
	eventBusDropped.WithLabelValues(adapter).Inc()
}

// RecordCellStoreOp records a CellStore operation outcome and duration.
func RecordCellStoreOp(op string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cellStoreOps.WithLabelValues(op, outcome).Inc()
	cellStoreDuration.WithLabelValues(op).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path-templated routes (/cells/{key}/data/{item})
// into a label-safe template so high-cardinality keys don't blow up the
// request_duration_seconds histogram's label set.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "cells" {
		return "/" + parts[0]
	}
	switch len(parts) {
	case 1:
		return "/cells"
	case 2:
		return "/cells/:key"
	case 3:
		return "/cells/:key/" + parts[2]
	default:
		return "/cells/:key/" + parts[2] + "/:item"
	}
}
