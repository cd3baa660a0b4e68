// Package metrics exposes the bot's Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "smallbot"

// Completion outcomes.
const (
	OutcomeSuccess         = "success"
	OutcomeProviderFailure = "provider_failure"
	OutcomeCacheMiss       = "cache_miss"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	reg                prometheus.Registerer
	routes             *prometheus.CounterVec
	completions        *prometheus.CounterVec
	completionDuration prometheus.Histogram
	evictions          *prometheus.CounterVec
	panics             prometheus.Counter
}

// MustNew registers the collectors on reg, or the default registerer when
// reg is nil. Collectors already registered under the same name are reused.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{reg: reg}
	m.routes = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Inbound messages by routing decision.",
		},
		[]string{"route"},
	))
	m.completions = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "requests_total",
			Help:      "Completion attempts by outcome.",
		},
		[]string{"persona", "outcome"},
	))
	m.completionDuration = register(reg, prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "duration_seconds",
			Help:      "Time spent waiting on the language model.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	))
	m.evictions = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context_store",
			Name:      "evictions_total",
			Help:      "Context entries dropped for expiry or capacity.",
		},
		[]string{"store"},
	))
	m.panics = register(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "panics_total",
			Help:      "Message handlers that panicked and were recovered.",
		},
	))
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveRoute(route string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(route).Inc()
}

// ObserveCompletion records one completion attempt. d is ignored for cache
// misses, which never reach the model.
func (m *Metrics) ObserveCompletion(persona, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(persona, outcome).Inc()
	if outcome != OutcomeCacheMiss {
		m.completionDuration.Observe(d.Seconds())
	}
}

// EvictionHook returns a callback for contextstore.WithEvictionHook.
func (m *Metrics) EvictionHook(store string) func(key string) {
	if m == nil {
		return nil
	}
	counter := m.evictions.WithLabelValues(store)
	return func(string) { counter.Inc() }
}

func (m *Metrics) IncPanic() {
	if m == nil {
		return
	}
	m.panics.Inc()
}

// GaugeFunc registers a gauge sampled from fn at scrape time, e.g. the entry
// count of a store or the depth of a queue.
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	register(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter sampled from fn at scrape time.
func (m *Metrics) CounterFunc(subsystem, name, help string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	register(m.reg, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}
