package sensor

import (
	"math"
	"time"

	"github.com/c360/sensorbridge/pkg/breaker"
	"github.com/c360/sensorbridge/protocol"
)

// ReadingStatus classifies a reading value against its normal range
type ReadingStatus string

const (
	// StatusNormal indicates the value is inside the normal range
	StatusNormal ReadingStatus = "normal"
	// StatusWarning indicates the value is marginally outside the range
	StatusWarning ReadingStatus = "warning"
	// StatusCritical indicates the value is far outside the range
	StatusCritical ReadingStatus = "critical"
)

// Reading is one normalized sensor measurement. Readings are immutable once
// constructed; a newer reading of the same type for the same equipment
// supersedes the older one in the aggregate, it never mutates it.
type Reading struct {
	// Type is the display label of the measured quantity ("Temperature").
	Type string `json:"type"`
	// Value is the measured value.
	Value float64 `json:"value"`
	// Unit is the unit of measurement ("°C").
	Unit string `json:"unit"`
	// NormalRange is the [low, high] band considered healthy.
	NormalRange [2]float64 `json:"normal_range"`
	// Status is derived from Value against NormalRange.
	Status ReadingStatus `json:"status"`
	// Timestamp is when the reading was normalized.
	Timestamp time.Time `json:"timestamp"`
}

// NewReading constructs a reading with its status derived and the timestamp
// set to now.
func NewReading(readingType string, value float64, unit string, normalRange [2]float64) Reading {
	return Reading{
		Type:        readingType,
		Value:       value,
		Unit:        unit,
		NormalRange: normalRange,
		Status:      DeriveStatus(value, normalRange),
		Timestamp:   time.Now(),
	}
}

// warningMargin is the fraction of the range span a value may stray outside
// the normal range before it is critical rather than warning.
const warningMargin = 0.1

// DeriveStatus classifies value against the normal range: inside is normal,
// outside by up to 10% of the span is warning, further out is critical.
func DeriveStatus(value float64, normalRange [2]float64) ReadingStatus {
	lo, hi := normalRange[0], normalRange[1]
	if lo > hi {
		lo, hi = hi, lo
	}
	if value >= lo && value <= hi {
		return StatusNormal
	}

	margin := (hi - lo) * warningMargin
	if margin == 0 {
		margin = math.Abs(hi) * warningMargin
	}
	if value >= lo-margin && value <= hi+margin {
		return StatusWarning
	}
	return StatusCritical
}

// ConnectionStatus is the per-protocol health record maintained by the
// service and delivered to status subscribers.
type ConnectionStatus struct {
	State             protocol.ConnectionState `json:"state"`
	LastError         string                   `json:"last_error,omitempty"`
	ReconnectAttempts int                      `json:"reconnect_attempts"`
	BreakerState      breaker.State            `json:"circuit_breaker_state"`
}

// Adapter holds the caller-supplied normalization functions for one
// protocol: equipment identity extraction and value mapping. Events either
// function declines are dropped without failing the pipeline.
type Adapter struct {
	// EquipmentID extracts the equipment identifier from a protocol event.
	EquipmentID func(protocol.Event) (string, bool)
	// Reading normalizes a protocol event into a typed reading.
	Reading func(protocol.Event) (Reading, bool)
}
