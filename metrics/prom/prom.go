// Package prom adapts server.Metrics onto Prometheus collectors.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hyperkv/hyperkv/server"
)

// Adapter implements server.Metrics and exports Prometheus counters and
// gauges. Safe for concurrent use; all Prometheus metric types are
// goroutine-safe.
type Adapter struct {
	ops     *prometheus.CounterVec
	errors  *prometheus.CounterVec
	expired prometheus.Counter
	evicted prometheus.Counter
	keys    prometheus.Gauge
	memory  prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:         registry to register with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:     Prometheus namespace and subsystem
//   - constLabels: static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "operations_total",
			Help:        "Public operations by name",
			ConstLabels: constLabels,
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "errors_total",
			Help:        "Classified failures by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "expired_keys_total",
			Help:        "Keys removed by TTL expiration",
			ConstLabels: constLabels,
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "evicted_keys_total",
			Help:        "Keys destroyed by cache eviction",
			ConstLabels: constLabels,
		}),
		keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "keys",
			Help:        "Resident keys across all shards",
			ConstLabels: constLabels,
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "memory_usage_bytes",
			Help:        "Tracked cache memory estimate",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.ops, a.errors, a.expired, a.evicted, a.keys, a.memory)
	return a
}

// Op increments the per-operation counter.
func (a *Adapter) Op(name string) { a.ops.WithLabelValues(name).Inc() }

// Error increments the per-kind failure counter.
func (a *Adapter) Error(kind string) { a.errors.WithLabelValues(kind).Inc() }

// Expired adds to the expiration counter.
func (a *Adapter) Expired(n int) { a.expired.Add(float64(n)) }

// Evicted adds to the eviction counter.
func (a *Adapter) Evicted(n int) { a.evicted.Add(float64(n)) }

// Keys updates the resident-key gauge.
func (a *Adapter) Keys(n int) { a.keys.Set(float64(n)) }

// MemoryUsage updates the memory gauge.
func (a *Adapter) MemoryUsage(bytes int64) { a.memory.Set(float64(bytes)) }

// Compile-time check: ensure Adapter implements server.Metrics.
var _ server.Metrics = (*Adapter)(nil)
