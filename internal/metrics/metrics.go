// Package metrics exports runtime activity as prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/runtime"
)

const namespace = "dan"

// Metrics holds the collectors. It is a runtime.Observer and an
// events.Emitter so it can be wired into both.
type Metrics struct {
	registry     *prometheus.Registry
	transactions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	events       *prometheus.CounterVec
	keeperSpend  prometheus.Counter
	keeperOpen   prometheus.Gauge
}

// New creates the collectors on a private registry, plus the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions by instruction and receipt status.",
		}, []string{"instruction", "status", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time to verify and apply one transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"instruction"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed events by name.",
		}, []string{"name"}),
		keeperSpend: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "charged_lamports_total",
			Help:      "Lamports charged against keeper channels.",
		}),
		keeperOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "open_channels",
			Help:      "Channels the keeper has open.",
		}),
	}
	m.registry.MustRegister(
		m.transactions,
		m.duration,
		m.events,
		m.keeperSpend,
		m.keeperOpen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveReceipt implements runtime.Observer.
func (m *Metrics) ObserveReceipt(r runtime.Receipt, elapsed time.Duration) {
	m.transactions.WithLabelValues(r.Instruction, r.Status, r.Code()).Inc()
	m.duration.WithLabelValues(r.Instruction).Observe(elapsed.Seconds())
}

// Emit implements events.Emitter.
func (m *Metrics) Emit(e events.Envelope) {
	m.events.WithLabelValues(e.Name).Inc()
}

// KeeperCharged records lamports charged by the keeper.
func (m *Metrics) KeeperCharged(lamports uint64) {
	m.keeperSpend.Add(float64(lamports))
}

// KeeperOpenChannels sets the number of open keeper channels.
func (m *Metrics) KeeperOpenChannels(n int) {
	m.keeperOpen.Set(float64(n))
}
