package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatched = "unmatched"

type serverMetrics struct {
	active          prometheus.Gauge
	total           prometheus.Counter
	rejected        *prometheus.CounterVec // By reason: rate, capacity, upgrade
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newServerMetrics(reg prometheus.Registerer) (*serverMetrics, error) {
	m := &serverMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "psprelay",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Open WebSocket connections",
		}),
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "psprelay",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Accepted WebSocket connections",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "psprelay",
			Subsystem: "server",
			Name:      "connections_rejected_total",
			Help:      "Refused WebSocket connections",
		}, []string{"reason"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "psprelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "psprelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	for _, c := range []prometheus.Collector{m.active, m.total, m.rejected, m.requestsTotal, m.requestDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// middleware records request count and duration. It labels by chi route
// pattern rather than raw path to bound cardinality.
func (m *serverMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		m.requestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}
