package metrics

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/events"
	"RentEscrow/internal/lease"
)

const namespace = "rentescrow"

// Metrics 持有服务的全部 Prometheus 指标，使用独立的 Registry。
type Metrics struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	fundsMoved    *prometheus.CounterVec
	requests      *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	publishFailed *prometheus.CounterVec
	eventsDropped prometheus.Counter
}

// New 创建并注册指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "operations_total",
			Help:      "Lease operations by outcome code.",
		}, []string{"op", "code"}),
		fundsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "funds_moved_total",
			Help:      "Token units moved by committed lease operations.",
		}, []string{"op"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Events abandoned after exhausting publish retries.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because the outbox was full.",
		}),
	}
	m.registry.MustRegister(
		m.operations,
		m.fundsMoved,
		m.requests,
		m.requestErrors,
		m.latency,
		m.publishFailed,
		m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveOperation 实现 lease.Observer。
func (m *Metrics) ObserveOperation(op string, code xerrors.Code, moved *uint256.Int) {
	m.operations.WithLabelValues(op, string(code)).Inc()
	if moved == nil || moved.IsZero() {
		return
	}
	f, _ := new(big.Float).SetInt(moved.ToBig()).Float64()
	m.fundsMoved.WithLabelValues(op).Add(f)
}

// ObservePublishFailure 可直接注册为 Dispatcher.OnFailure。
func (m *Metrics) ObservePublishFailure(ev events.Event, _ error) {
	m.publishFailed.WithLabelValues(string(ev.Kind)).Inc()
}

// ObserveDrop 可直接注册为 Outbox.OnDrop。
func (m *Metrics) ObserveDrop(events.Event) {
	m.eventsDropped.Inc()
}

var _ lease.Observer = (*Metrics)(nil)
