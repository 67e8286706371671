// Package metric provides the Prometheus metrics registry shared by all
// SensorBridge components. Components register their collectors under a
// component-scoped key so duplicate registrations fail loudly at startup
// instead of colliding inside Prometheus.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/sensorbridge/errors"
)

// Namespace is the Prometheus namespace for all SensorBridge metrics.
const Namespace = "sensorbridge"

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prom       *prometheus.Registry
	mu         sync.Mutex
	registered map[string]prometheus.Collector
}

// NewRegistry creates a registry pre-populated with Go runtime and process
// collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		prom:       prom,
		registered: make(map[string]prometheus.Collector),
	}
}

// Prometheus returns the underlying Prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Register registers a collector under component.name. Registering the same
// key twice, or a collector Prometheus considers a duplicate, returns an
// invalid-configuration error.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered", key),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prom.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", key))
		}
		return errors.WrapFatal(err, "Registry", "Register",
			"register collector with prometheus")
	}

	r.registered[key] = c
	return nil
}

// MustRegister registers a collector and panics on error. Intended for
// startup-time registration where a conflict is a programming error.
func (r *Registry) MustRegister(component, name string, c prometheus.Collector) {
	if err := r.Register(component, name, c); err != nil {
		panic(err)
	}
}

// Unregister removes a previously registered collector. It reports whether
// the collector was found and removed.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	if !r.prom.Unregister(c) {
		return false
	}
	delete(r.registered, key)
	return true
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
