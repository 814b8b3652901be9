package ccmap

// Functional options, in the shape this pack's arena-cache uses for its
// own New[K,V](..., Option[K,V]...) constructor: each option is a small
// closure mutating a private config struct, and every knob has a safe,
// inert default so New() never requires an option.

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a HashMap at construction time.
type Option[K comparable, V any] func(*config[K, V])

type config[K comparable, V any] struct {
	hasher   BuildHasher[K]
	logger   *zap.Logger
	registry prometheus.Registerer
	metrics  string // name under which metrics are registered; "" disables
}

func defaultConfig[K comparable, V any]() *config[K, V] {
	return &config[K, V]{
		hasher: defaultBuildHasher[K](),
		logger: zap.NewNop(),
	}
}

// WithHasher overrides the default xxhash-based BuildHasher.
func WithHasher[K comparable, V any](h BuildHasher[K]) Option[K, V] {
	return func(c *config[K, V]) {
		if h != nil {
			c.hasher = h
		}
	}
}

// WithLogger plugs an external zap.Logger. The map never logs on the hot
// path: it logs only published resizes, at Debug level.
func WithLogger[K comparable, V any](logger *zap.Logger) Option[K, V] {
	return func(c *config[K, V]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics under the given name, registered
// against reg (pass prometheus.DefaultRegisterer for the global default).
func WithMetrics[K comparable, V any](reg prometheus.Registerer, name string) Option[K, V] {
	return func(c *config[K, V]) {
		c.registry = reg
		c.metrics = name
	}
}
