package acme

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes lifecycle counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	expiry     *prometheus.GaugeVec
	sweeps     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certificates",
			Name:      "operations_total",
			Help:      "Certificate operations by operation and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "certificates",
			Name:      "operation_duration_seconds",
			Help:      "Duration of certificate operations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"op"}),
		expiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "certificates",
			Name:      "expiry_timestamp_seconds",
			Help:      "Expiry of the stored certificate as a unix timestamp.",
		}, []string{"name"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certificates",
			Name:      "renewal_sweep_certificates_total",
			Help:      "Certificates seen by renewal sweeps by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.operations, m.duration, m.expiry, m.sweeps)
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setExpiry(name string, t time.Time) {
	if m == nil {
		return
	}
	m.expiry.WithLabelValues(name).Set(float64(t.Unix()))
}

func (m *Metrics) deleteExpiry(name string) {
	if m == nil {
		return
	}
	m.expiry.DeleteLabelValues(name)
}

func (m *Metrics) sweep(r SweepReport) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues("checked").Add(float64(r.Checked))
	m.sweeps.WithLabelValues("due").Add(float64(r.Due))
	m.sweeps.WithLabelValues("renewed").Add(float64(r.Renewed))
	m.sweeps.WithLabelValues("failed").Add(float64(r.Failed))
	m.sweeps.WithLabelValues("skipped").Add(float64(r.Skipped))
}

func resultLabel(err error) string {
	var acmeErr *AcmeError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrLocked):
		return "locked"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExists):
		return "exists"
	case errors.As(err, &acmeErr):
		return acmeErr.Kind.String()
	}
	return "error"
}
