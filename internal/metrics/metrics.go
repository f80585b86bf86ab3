package metrics

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the realtime collectors. Each instance owns its registry, so
// tests can build as many as they like.
type Metrics struct {
	namespace string
	system    string
	registry  *prometheus.Registry

	Connections   *prometheus.GaugeVec
	EventsIn      *prometheus.CounterVec
	EventsOut     *prometheus.CounterVec
	SlowConsumers *prometheus.CounterVec
	JoinRejected  *prometheus.CounterVec
	EventLatency  *prometheus.HistogramVec
}

func New(ns, system string) *Metrics {
	m := &Metrics{
		namespace: ns,
		system:    system,
		registry:  prometheus.NewRegistry(),
	}
	m.registry.MustRegister(collectors.NewGoCollector())

	m.Connections = m.newGaugeVec("connections", []string{"node"})
	m.EventsIn = m.newCounterVec("events_in", []string{"type"})
	m.EventsOut = m.newCounterVec("events_out", []string{"type"})
	m.SlowConsumers = m.newCounterVec("slow_consumer_kicks", []string{"node"})
	m.JoinRejected = m.newCounterVec("join_rejected", []string{"reason"})
	m.EventLatency = m.newHistogramVec("event_duration_seconds", []string{"type"})
	return m
}

func (m *Metrics) newCounterVec(name string, labels []string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: FmtFixer(m.namespace),
			Subsystem: FmtFixer(m.system),
			Name:      FmtFixer(name),
			Help:      fmt.Sprintf("%s count of /%s/%s", name, m.namespace, m.system),
		},
		labels,
	)
	m.registry.MustRegister(vec)
	return vec
}

func (m *Metrics) newHistogramVec(name string, labels []string) *prometheus.HistogramVec {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: FmtFixer(m.namespace),
			Subsystem: FmtFixer(m.system),
			Name:      FmtFixer(name),
			Help:      fmt.Sprintf("%s duration of /%s/%s", name, m.namespace, m.system),
		},
		labels,
	)
	m.registry.MustRegister(vec)
	return vec
}

func (m *Metrics) newGaugeVec(name string, labels []string) *prometheus.GaugeVec {
	vec := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: FmtFixer(m.namespace),
			Subsystem: FmtFixer(m.system),
			Name:      FmtFixer(name),
			Help:      fmt.Sprintf("%s gauge of /%s/%s", name, m.namespace, m.system),
		},
		labels,
	)
	m.registry.MustRegister(vec)
	return vec
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func FmtFixer(in string) string {
	return strings.Replace(strings.Replace(in, ".", "_", -1), "-", "_", -1)
}
