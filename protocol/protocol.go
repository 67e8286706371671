// Package protocol defines the contract every protocol client implements so
// the sensor service can orchestrate heterogeneous upstreams (message-bus
// and session/subscription protocols) without knowing their wire formats.
package protocol

import "context"

// ConnectionState represents the state of one protocol connection
type ConnectionState int

const (
	// StateDisconnected indicates no connection is established
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in flight
	StateConnecting
	// StateConnected indicates an established connection
	StateConnected
	// StateReconnecting indicates a reconnection attempt is in flight
	StateReconnecting
	// StateError indicates the last connection attempt failed
	StateError
)

// String returns the string representation of ConnectionState
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the tagged union of protocol-native data events. Concrete types
// are BusEvent (message-bus protocols) and SessionEvent (session protocols);
// consumers normalize with an exhaustive type switch.
type Event interface {
	// Address returns the protocol-native address the event originated
	// from (topic/subject for bus protocols, node/point for session ones).
	Address() string
}

// BusEvent is a raw message received from a publish/subscribe protocol.
type BusEvent struct {
	Subject string
	Payload []byte
}

// Address returns the subject the message arrived on.
func (e BusEvent) Address() string { return e.Subject }

// SessionEvent is a typed value change reported by a session/subscription
// protocol.
type SessionEvent struct {
	Node  string
	Value float64
}

// Address returns the node the value was read from.
func (e SessionEvent) Address() string { return e.Node }

// DataHandler receives protocol data events. Handlers run on the client's
// delivery goroutine and must not block.
type DataHandler func(Event)

// StateHandler receives connection state changes. err is non-nil when the
// transition was caused by a failure.
type StateHandler func(state ConnectionState, err error)

// Client is the per-protocol collaborator the sensor service orchestrates.
// Implementations own wire-level encoding and session negotiation; the
// service owns reconnection, failure isolation, and fan-out.
type Client interface {
	// Connect establishes the connection. It may fail; the caller owns
	// retry policy.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. It is idempotent and returns
	// nil when already disconnected.
	Disconnect(ctx context.Context) error

	// Subscribe registers interest in the configured addresses. Only
	// meaningful for protocols with an explicit subscription step; others
	// return nil.
	Subscribe(ctx context.Context) error

	// Read fetches the current value at a protocol-native address.
	Read(ctx context.Context, address string) (Event, error)

	// Write sets a value at a protocol-native address. Optional: bus
	// protocols may publish, session protocols write; implementations
	// that cannot write return errors.ErrNotSupported.
	Write(ctx context.Context, address string, value any) error

	// Browse lists addresses under a prefix. Optional: implementations
	// without an address space return errors.ErrNotSupported.
	Browse(ctx context.Context, prefix string) ([]string, error)

	// OnData registers the data handler. Registration only; replaces any
	// previous handler.
	OnData(handler DataHandler)

	// OnStateChange registers the state handler. Registration only;
	// replaces any previous handler.
	OnStateChange(handler StateHandler)

	// State returns the current connection state.
	State() ConnectionState

	// IsConnected reports whether the connection is established.
	IsConnected() bool
}
