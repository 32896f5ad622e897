// Package metrics exposes prometheus collectors for booking and relay flows.
// All Observe methods are safe on a nil receiver so callers can run without metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "telehealth"

// BookingMetrics counts coordinator operations and hold expirations.
type BookingMetrics struct {
	opsTotal     *prometheus.CounterVec
	opLatency    *prometheus.HistogramVec
	expiredHolds prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Booking coordinator operations by outcome",
		}, []string{"op", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "operation_seconds",
			Help:      "Latency of booking coordinator operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		expiredHolds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "expired_holds_total",
			Help:      "Held appointments moved to expired",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.opsTotal, m.opLatency, m.expiredHolds)
	return m
}

func (m *BookingMetrics) ObserveOp(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.opsTotal.WithLabelValues(op, outcome).Inc()
	m.opLatency.WithLabelValues(op).Observe(seconds)
}

func (m *BookingMetrics) ObserveExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredHolds.Add(float64(n))
}

// RelayMetrics tracks live sockets and frame routing.
type RelayMetrics struct {
	connections prometheus.Gauge
	authTotal   *prometheus.CounterVec
	frames      *prometheus.CounterVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Authenticated relay connections currently open",
		}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "auth_total",
			Help:      "Relay authorization attempts by result",
		}, []string{"result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Relay frames by event type and result",
		}, []string{"type", "result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.connections, m.authTotal, m.frames)
	return m
}

func (m *RelayMetrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *RelayMetrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *RelayMetrics) ObserveAuth(result string) {
	if m == nil {
		return
	}
	m.authTotal.WithLabelValues(result).Inc()
}

// ObserveFrame records a routed frame; result is "forwarded", "dropped" or "invalid".
func (m *RelayMetrics) ObserveFrame(eventType, result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(eventType, result).Inc()
}
