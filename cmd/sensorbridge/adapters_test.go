package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorbridge/config"
	"github.com/c360/sensorbridge/protocol"
	"github.com/c360/sensorbridge/sensor"
)

func testMappings() map[string]config.Mapping {
	return map[string]config.Mapping{
		"plant.press-1.temperature": {
			Protocol:    "nats",
			Address:     "plant.press-1.temperature",
			Equipment:   "press-1",
			Type:        "Temperature",
			Unit:        "°C",
			NormalRange: [2]float64{20, 80},
		},
	}
}

func TestBuildAdapter_BusEvents(t *testing.T) {
	adapter := buildAdapter(testMappings())

	ev := protocol.BusEvent{Subject: "plant.press-1.temperature", Payload: []byte(`23.5`)}

	id, ok := adapter.EquipmentID(ev)
	require.True(t, ok)
	assert.Equal(t, "press-1", id)

	r, ok := adapter.Reading(ev)
	require.True(t, ok)
	assert.Equal(t, "Temperature", r.Type)
	assert.InDelta(t, 23.5, r.Value, 1e-9)
	assert.Equal(t, "°C", r.Unit)
	assert.Equal(t, sensor.StatusNormal, r.Status)
}

func TestBuildAdapter_ObjectPayload(t *testing.T) {
	adapter := buildAdapter(testMappings())

	ev := protocol.BusEvent{
		Subject: "plant.press-1.temperature",
		Payload: []byte(`{"value": 95.0, "source": "plc"}`),
	}
	r, ok := adapter.Reading(ev)
	require.True(t, ok)
	assert.InDelta(t, 95.0, r.Value, 1e-9)
	assert.Equal(t, sensor.StatusCritical, r.Status)
}

func TestBuildAdapter_Declines(t *testing.T) {
	adapter := buildAdapter(testMappings())

	// Unmapped address.
	_, ok := adapter.EquipmentID(protocol.BusEvent{Subject: "plant.unknown"})
	assert.False(t, ok)
	_, ok = adapter.Reading(protocol.BusEvent{Subject: "plant.unknown"})
	assert.False(t, ok)

	// Malformed payloads.
	for _, payload := range []string{`not json`, `{"other": 1}`, `"text"`, `null`} {
		_, ok = adapter.Reading(protocol.BusEvent{
			Subject: "plant.press-1.temperature",
			Payload: []byte(payload),
		})
		assert.False(t, ok, "payload %s should be declined", payload)
	}
}

func TestBuildAdapter_SessionEvents(t *testing.T) {
	mappings := map[string]config.Mapping{
		"press-1/temperature": {
			Protocol:    "modbus",
			Address:     "press-1/temperature",
			Equipment:   "press-1",
			Type:        "Temperature",
			Unit:        "°C",
			NormalRange: [2]float64{20, 80},
		},
	}
	adapter := buildAdapter(mappings)

	ev := protocol.SessionEvent{Node: "press-1/temperature", Value: 42}
	id, ok := adapter.EquipmentID(ev)
	require.True(t, ok)
	assert.Equal(t, "press-1", id)

	r, ok := adapter.Reading(ev)
	require.True(t, ok)
	assert.InDelta(t, 42.0, r.Value, 1e-9)
}
