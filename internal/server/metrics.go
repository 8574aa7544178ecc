package server

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Auto-registered on the default registry; the /metrics handler serves
// that registry. Paths are normalized to route patterns so ids do not
// explode label cardinality.
var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lore",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lore",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	lessonsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lore",
			Name:      "lessons_total",
			Help:      "Lessons stored across all orgs, refreshed on scrape.",
		},
	)
)

// routePattern collapses id segments so every lesson shares one label
// value. Unknown paths collapse to "other" to keep cardinality bounded
// against scanners.
func routePattern(path string) string {
	switch {
	case path == "/health" || path == "/readyz" || path == "/metrics":
		return path
	case path == "/v1/lessons" || path == "/v1/keys" || path == "/v1/org/init":
		return path
	case path == "/v1/lessons/search" || path == "/v1/lessons/export" || path == "/v1/lessons/import":
		return path
	case strings.HasPrefix(path, "/v1/lessons/"):
		return "/v1/lessons/:id"
	case strings.HasPrefix(path, "/v1/keys/"):
		return "/v1/keys/:id"
	default:
		return "other"
	}
}
