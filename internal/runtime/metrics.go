package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
)

// Metrics exposes request and log-stream counters to Prometheus. All record
// methods are nil-safe so the server can run with metrics disabled.
type Metrics struct {
	mu sync.Mutex

	requestsTotal *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	detachedTotal *prometheus.CounterVec
	inFlight      *prometheus.GaugeVec
	durationHist  *prometheus.HistogramVec
	ringEvictions *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newRequestCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flybridge",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newRequestGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flybridge",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newRequestHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flybridge",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the request metrics collector. A nil registerer falls
// back to the Prometheus default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:    registerer,
		requestsTotal: newRequestCounterVec("requests", "total", "Total requests dispatched per operation.", []string{"operation"}),
		failuresTotal: newRequestCounterVec("requests", "failures_total", "Failed requests per operation and error kind.", []string{"operation", "kind"}),
		detachedTotal: newRequestCounterVec("requests", "detached_total", "Requests that settled before their handler finished.", []string{"operation"}),
		inFlight:      newRequestGaugeVec("requests", "in_flight", "Requests currently executing per operation.", []string{"operation"}),
		durationHist:  newRequestHistogramVec("requests", "duration_seconds", "Request wall time from receipt to settlement.", []float64{0.005, 0.02, 0.1, 0.5, 1, 2, 5, 15, 60, 300}, []string{"operation"}),
		ringEvictions: newRequestCounterVec("logs", "ring_evictions_total", "Log entries evicted from capped streams.", []string{"stream"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.failuresTotal,
		m.detachedTotal,
		m.inFlight,
		m.durationHist,
		m.ringEvictions,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RequestStarted records one dispatched request entering execution.
func (m *Metrics) RequestStarted(operation string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(operation).Inc()
	m.inFlight.WithLabelValues(operation).Inc()
}

// RequestSettled records the outcome of a dispatched request.
func (m *Metrics) RequestSettled(operation string, elapsed time.Duration, err *rterrors.Error, detached bool) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(operation).Dec()
	m.durationHist.WithLabelValues(operation).Observe(elapsed.Seconds())
	if err != nil {
		m.failuresTotal.WithLabelValues(operation, string(err.Kind)).Inc()
	}
	if detached {
		m.detachedTotal.WithLabelValues(operation).Inc()
	}
}

// RingEviction counts one log entry evicted from a capped stream.
func (m *Metrics) RingEviction(stream string) {
	if m == nil {
		return
	}
	m.ringEvictions.WithLabelValues(stream).Inc()
}

// Reset clears all collectors (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestsTotal.Reset()
	m.failuresTotal.Reset()
	m.detachedTotal.Reset()
	m.inFlight.Reset()
	m.durationHist.Reset()
	m.ringEvictions.Reset()
}
