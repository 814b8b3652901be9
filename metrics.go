package ccmap

// metrics.go is a thin abstraction over Prometheus, the way this pack's
// arena-cache keeps a metricsSink interface with a no-op default so the
// hot path never pays for metric updates unless a caller opts in via
// WithMetrics.

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricsSink interface {
	incResize()
	incRehashStep()
	observeCapacity(capacity uint64)
	observeLen(n int)
}

type noopMetrics struct{}

func (noopMetrics) incResize()             {}
func (noopMetrics) incRehashStep()         {}
func (noopMetrics) observeCapacity(uint64) {}
func (noopMetrics) observeLen(int)         {}

// promMetrics registers a small family of gauges/counters describing a
// single HashMap instance's resize and rehash activity.
type promMetrics struct {
	resizes     prometheus.Counter
	rehashSteps prometheus.Counter
	capacity    prometheus.Gauge
	length      prometheus.Gauge
}

// newPromMetrics builds and registers the collector family against reg,
// namespaced by name (so a process hosting several maps can tell them
// apart).
func newPromMetrics(reg prometheus.Registerer, name string) *promMetrics {
	labels := prometheus.Labels{"map": name}
	m := &promMetrics{
		resizes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "ccmap",
			Name:        "resizes_total",
			Help:        "Number of resize operations published by this map.",
			ConstLabels: labels,
		}),
		rehashSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "ccmap",
			Name:        "rehash_steps_total",
			Help:        "Number of Insert calls that found a predecessor array still draining.",
			ConstLabels: labels,
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ccmap",
			Name:        "capacity",
			Help:        "Current nominal capacity (cells * 32).",
			ConstLabels: labels,
		}),
		length: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ccmap",
			Name:        "length",
			Help:        "Last observed length (O(N) scan result, sampled).",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.resizes, m.rehashSteps, m.capacity, m.length)
	}
	return m
}

func (m *promMetrics) incResize()              { m.resizes.Inc() }
func (m *promMetrics) incRehashStep()          { m.rehashSteps.Inc() }
func (m *promMetrics) observeCapacity(c uint64) { m.capacity.Set(float64(c)) }
func (m *promMetrics) observeLen(n int)         { m.length.Set(float64(n)) }
