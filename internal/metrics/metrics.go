// Package metrics holds the bot's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can take one optionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hangupsbot"

// Metrics is a set of collectors registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	recordWrites   *prometheus.CounterVec
	refetchLookups *prometheus.CounterVec
	refetchDropped prometheus.Counter
	tagChanges     *prometheus.CounterVec
	commands       *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, alongside the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		recordWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "record_writes_total",
			Help:      "Memory records rewritten by reconciliation.",
		}, []string{"entity"}),
		refetchLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "refetch_lookups_total",
			Help:      "Batched directory lookups of unresolved users.",
		}, []string{"result"}),
		refetchDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "refetch_dropped_total",
			Help:      "User ids dropped because the refetch queue was full.",
		}),
		tagChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tagging",
			Name:      "changes_total",
			Help:      "Tag assignments added or removed.",
		}, []string{"action", "kind"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "executed_total",
			Help:      "Chat commands handled, by outcome.",
		}, []string{"command", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordWrite counts a rewritten user or conversation record.
func (m *Metrics) RecordWrite(entity string) {
	if m == nil {
		return
	}
	m.recordWrites.WithLabelValues(entity).Inc()
}

// RefetchLookup counts a directory lookup batch.
func (m *Metrics) RefetchLookup(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refetchLookups.WithLabelValues(result).Inc()
}

// RefetchDropped counts an id rejected by a full refetch queue.
func (m *Metrics) RefetchDropped() {
	if m == nil {
		return
	}
	m.refetchDropped.Inc()
}

// TagChange counts n tag assignments changed by action on kind.
func (m *Metrics) TagChange(action, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tagChanges.WithLabelValues(action, kind).Add(float64(n))
}

// Command counts a handled chat command.
func (m *Metrics) Command(name, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, outcome).Inc()
}
