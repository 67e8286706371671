package main

import (
	"encoding/json"

	"github.com/c360/sensorbridge/config"
	"github.com/c360/sensorbridge/protocol"
	"github.com/c360/sensorbridge/sensor"
)

// buildAdapter turns a protocol's mapping table into the normalization
// functions the sensor service runs on every event. Events whose address
// has no mapping, and payloads that carry no numeric value, are declined
// so the service drops them.
func buildAdapter(mappings map[string]config.Mapping) sensor.Adapter {
	return sensor.Adapter{
		EquipmentID: func(ev protocol.Event) (string, bool) {
			m, ok := mappings[ev.Address()]
			if !ok {
				return "", false
			}
			return m.Equipment, true
		},
		Reading: func(ev protocol.Event) (sensor.Reading, bool) {
			m, ok := mappings[ev.Address()]
			if !ok {
				return sensor.Reading{}, false
			}
			value, ok := eventValue(ev)
			if !ok {
				return sensor.Reading{}, false
			}
			return sensor.NewReading(m.Type, value, m.Unit, m.NormalRange), true
		},
	}
}

// eventValue extracts the numeric value from an event. Bus payloads are
// either a bare JSON number or an object with a "value" field.
func eventValue(ev protocol.Event) (float64, bool) {
	switch e := ev.(type) {
	case protocol.SessionEvent:
		return e.Value, true
	case protocol.BusEvent:
		var v float64
		if err := json.Unmarshal(e.Payload, &v); err == nil {
			return v, true
		}
		var body struct {
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal(e.Payload, &body); err == nil && body.Value != nil {
			return *body.Value, true
		}
		return 0, false
	default:
		return 0, false
	}
}
