// Package health derives service health from sensor connection state and
// serves it over HTTP.
package health

import (
	"regexp"
	"time"

	"github.com/c360/sensorbridge/pkg/breaker"
	"github.com/c360/sensorbridge/protocol"
	"github.com/c360/sensorbridge/sensor"
)

// Health state strings used in Status.Status.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Error messages can embed endpoints and credentials from protocol
// configs; these are scrubbed before the message leaves the process.
var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?|tcp)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one protocol connection or of the whole service.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // healthy, degraded, unhealthy
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded returns true if the status is degraded.
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy returns true if the status is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// NewHealthy creates a new healthy status.
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StateHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status.
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status.
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// FromConnection maps one protocol's connection status to health:
//   - connected with a closed breaker is healthy
//   - connecting/reconnecting, or connected behind a half-open breaker,
//     is degraded (the service still runs, data may be stale)
//   - disconnected, errored, or breaker-open is unhealthy
func FromConnection(name string, cs sensor.ConnectionStatus) Status {
	message := "connection established"
	if cs.LastError != "" {
		message = sanitizeMessage(cs.LastError)
	}

	switch {
	case cs.BreakerState == breaker.StateOpen:
		return NewUnhealthy(name, "circuit open: "+message)
	case cs.State == protocol.StateConnected && cs.BreakerState == breaker.StateClosed:
		return NewHealthy(name, message)
	case cs.State == protocol.StateConnected:
		return NewDegraded(name, "circuit half-open: "+message)
	case cs.State == protocol.StateConnecting || cs.State == protocol.StateReconnecting:
		return NewDegraded(name, message)
	default:
		return NewUnhealthy(name, message)
	}
}

// Aggregate rolls sub-statuses up into a service status:
//   - all healthy means healthy
//   - any unhealthy means unhealthy
//   - otherwise degraded
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no connections configured")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "one or more connections are down")
	case hasDegraded:
		status = NewDegraded(component, "one or more connections are recovering")
	default:
		status = NewHealthy(component, "all connections established")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}

// sanitizeMessage scrubs endpoints, addresses, and credentials from an
// error message before it is exposed over HTTP.
func sanitizeMessage(msg string) string {
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, "[PORT]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	return msg
}
