package aoss

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "aoss"

// Metrics counts the operations routed by an Interposer.
type Metrics struct {
	dispatch    *prometheus.CounterVec
	passthrough *prometheus.CounterVec
	waits       *prometheus.CounterVec
	open        prometheus.Gauge
}

// NewMetrics creates the interposer collectors and registers them with reg.
// A nil reg registers them with a new private registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_total",
			Help:      "Operations dispatched to a device class backend.",
		}, []string{"class", "op"}),
		passthrough: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "passthrough_total",
			Help:      "Operations forwarded unchanged to the kernel.",
		}, []string{"op"}),
		waits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "wait_total",
			Help:      "Poll and select calls by path taken.",
		}, []string{"call", "path"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_descriptors",
			Help:      "Device descriptors currently open.",
		}),
	}

	for _, c := range []prometheus.Collector{m.dispatch, m.passthrough, m.waits, m.open} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) dispatched(class Class, op string) {
	m.dispatch.WithLabelValues(class.String(), op).Inc()
}

func (m *Metrics) passed(op string) {
	m.passthrough.WithLabelValues(op).Inc()
}

func (m *Metrics) waited(call string, direct bool) {
	path := "translated"
	if direct {
		path = "direct"
	}

	m.waits.WithLabelValues(call, path).Inc()
}
