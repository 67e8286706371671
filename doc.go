// Package sensorbridge is a resilience and normalization layer between
// heterogeneous sensor protocols and the applications that consume their
// telemetry.
//
// # Architecture
//
// The module is organized around one orchestrator and pluggable protocol
// clients:
//
//	┌─────────────────────────────────────┐
//	│          Sensor Service             │  Connection lifecycle,
//	│  (connect, reconnect, aggregate)    │  reading aggregation, fan-out
//	└─────────────────────────────────────┘
//	           ↓ guards each protocol with
//	┌─────────────────────────────────────┐
//	│         Circuit Breakers            │  Failure isolation,
//	│   (closed → open → half-open)       │  recovery probing
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│        Protocol Clients             │  NATS message bus,
//	│     (protocol.Client interface)     │  Modbus register polling
//	└─────────────────────────────────────┘
//
// Each protocol connection is independent: one failing or tripping its
// breaker never affects the others. Normalized readings are aggregated per
// equipment and fanned out to subscribers, including the websocket output
// and the HTTP health and metrics endpoints.
//
// Package layout:
//   - sensor: the orchestrating service (the main entry point for users)
//   - pkg/breaker: generic circuit breaker
//   - pkg/backoff: reconnection delay policy
//   - protocol, protocol/natsclient, protocol/modbusclient: client contract
//     and implementations
//   - config, errors, health, metric, output/websocket: supporting layers
package sensorbridge
