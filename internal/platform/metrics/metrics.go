package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinic/clinic/internal/platform/apperr"
)

var (
	// RequestTotal counts HTTP requests by method, route and status.
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	// RequestDuration is the latency of HTTP requests.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinic_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	// CascadeTotal counts cascade deletions by root type and outcome
	// (completed, replayed, rejected, not_found, partial, failed).
	CascadeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_cascade_total",
			Help: "Total number of cascade deletions",
		},
		[]string{"root_type", "outcome"},
	)
	// CascadeRowsDeleted counts rows removed by cascades per collection.
	CascadeRowsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_cascade_rows_deleted_total",
			Help: "Total number of rows removed by cascade deletions",
		},
		[]string{"collection"},
	)
	// QueryRejections counts list queries refused by the filter compiler.
	QueryRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinic_query_rejections_total",
			Help: "Total number of list queries rejected as invalid",
		},
	)
	// CacheRequests counts report cache lookups by result (hit, miss, error).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_cache_requests_total",
			Help: "Total number of report cache lookups",
		},
		[]string{"result"},
	)
)

// ObserveCascade records one finished cascade.
func ObserveCascade(rootType, outcome string, deleted map[string]int64) {
	CascadeTotal.WithLabelValues(rootType, outcome).Inc()
	for coll, n := range deleted {
		if n > 0 {
			CascadeRowsDeleted.WithLabelValues(coll).Add(float64(n))
		}
	}
}

// Middleware records request count and latency per matched route.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = apperr.Status(err)
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			RequestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
