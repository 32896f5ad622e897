package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBookingMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)

	m.ObserveOp("hold", "ok", 0.01)
	m.ObserveOp("hold", "slot_unavailable", 0.02)
	m.ObserveOp("hold", "ok", 0.01)
	m.ObserveExpired(3)
	m.ObserveExpired(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.opsTotal.WithLabelValues("hold", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsTotal.WithLabelValues("hold", "slot_unavailable")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.expiredHolds))
}

func TestRelayMetricsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelayMetrics(reg)

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.ObserveFrame("signal:offer", "forwarded")
	m.ObserveAuth("rejected")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("signal:offer", "forwarded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authTotal.WithLabelValues("rejected")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var b *BookingMetrics
	var r *RelayMetrics

	assert.NotPanics(t, func() {
		b.ObserveOp("confirm", "ok", 0.1)
		b.ObserveExpired(1)
		r.ConnOpened()
		r.ConnClosed()
		r.ObserveAuth("ok")
		r.ObserveFrame("chat:send", "dropped")
	})
}
