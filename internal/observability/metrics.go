package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics exposed by the session
// server and provides helpers to wire them into HTTP handlers.
type Collector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec

	ActiveSessions        prometheus.Gauge
	ActiveMissions        prometheus.Gauge
	DroppedSnapshots      prometheus.Counter
	JournalBatchesFlushed prometheus.Counter
	TickDuration          prometheus.Histogram
	QueueOverflows        prometheus.Counter
}

// NewCollector registers session-server Prometheus metrics against the
// provided registerer, defaulting to the global registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orbit_http_requests_total",
		Help: "Total number of handled HTTP requests, labeled by route, method, and status code.",
	}, []string{"route", "method", "code"}), "orbit_http_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orbit_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route", "method"}), "orbit_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	activeSessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbit_active_sessions",
		Help: "Current number of connected WebSocket streaming sessions.",
	}), "orbit_active_sessions")
	if err != nil {
		return nil, err
	}
	activeMissions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbit_active_missions",
		Help: "Current number of missions in the roster with status active.",
	}), "orbit_active_missions")
	if err != nil {
		return nil, err
	}
	droppedSnapshots, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbit_dropped_snapshots_total",
		Help: "Snapshots dropped from a session's egress queue due to backpressure.",
	}), "orbit_dropped_snapshots_total")
	if err != nil {
		return nil, err
	}
	journalFlushes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbit_journal_batches_flushed_total",
		Help: "Journal batches written to disk.",
	}), "orbit_journal_batches_flushed_total")
	if err != nil {
		return nil, err
	}
	tickDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbit_tick_duration_seconds",
		Help:    "Wall-clock duration of a single simulation tick.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	}), "orbit_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	queueOverflows, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbit_command_queue_overflows_total",
		Help: "Commands dropped because the engine's command queue was full. Never surfaced to a client.",
	}), "orbit_command_queue_overflows_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:              gatherer,
		HTTPRequests:          requests,
		HTTPDurations:         durations,
		ActiveSessions:        activeSessions,
		ActiveMissions:        activeMissions,
		DroppedSnapshots:      droppedSnapshots,
		JournalBatchesFlushed: journalFlushes,
		TickDuration:          tickDuration,
		QueueOverflows:        queueOverflows,
	}, nil
}

// ObserveTickDuration records how long one simulation tick took to
// build and publish, satisfying simulation.MetricsSink.
func (c *Collector) ObserveTickDuration(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// SetActiveMissions records the current count of missions with status
// active, satisfying simulation.MetricsSink.
func (c *Collector) SetActiveMissions(n int) {
	if c == nil || c.ActiveMissions == nil {
		return
	}
	c.ActiveMissions.Set(float64(n))
}

// Middleware wraps next, recording request counts and durations labeled
// by route (as given, typically a mux pattern, not the raw path) and
// method.
func (c *Collector) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		if c.HTTPRequests != nil {
			c.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		}
		if c.HTTPDurations != nil {
			c.HTTPDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
