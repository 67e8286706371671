package health

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/c360/sensorbridge/sensor"
)

// Provider supplies the current service status on demand.
type Provider func() Status

// ServiceProvider builds a Provider over the sensor service's connection
// snapshot. Sub-statuses are ordered by protocol name so the payload is
// stable across polls.
func ServiceProvider(component string, snapshot func() map[string]sensor.ConnectionStatus) Provider {
	return func() Status {
		statuses := snapshot()

		names := make([]string, 0, len(statuses))
		for name := range statuses {
			names = append(names, name)
		}
		sort.Strings(names)

		subs := make([]Status, 0, len(names))
		for _, name := range names {
			subs = append(subs, FromConnection(name, statuses[name]))
		}
		return Aggregate(component, subs)
	}
}

// Handler serves the provider's status as JSON. Healthy and degraded
// report 200 so that a recovering service is not restarted by its
// orchestrator; unhealthy reports 503.
func Handler(provider Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := provider()

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
