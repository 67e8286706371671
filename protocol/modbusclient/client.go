// Package modbusclient implements the session/subscription protocol client
// on top of Modbus TCP. Modbus has no server-push change notifications, so
// Subscribe runs a poll loop over the configured register points and emits
// a SessionEvent per point per cycle; a failed cycle surfaces as a
// disconnect so the sensor service's reconnection policy takes over.
package modbusclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/c360/sensorbridge/errors"
	"github.com/c360/sensorbridge/protocol"
)

// RegisterKind selects the Modbus register table a point lives in.
type RegisterKind string

const (
	// KindHolding reads holding registers (FC 3), writable via FC 6
	KindHolding RegisterKind = "holding"
	// KindInput reads input registers (FC 4), read-only
	KindInput RegisterKind = "input"
)

// Default configuration values applied by New.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 1 * time.Second
)

// Point maps one register to a protocol-native address name.
type Point struct {
	// Name is the address the sensor service sees, e.g.
	// "press-1/temperature".
	Name string `yaml:"name"`
	// Kind selects the register table; defaults to holding.
	Kind RegisterKind `yaml:"kind"`
	// Address is the register address.
	Address uint16 `yaml:"address"`
	// Scale and Offset convert the raw register: value = raw*Scale+Offset.
	// Scale defaults to 1.
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
}

// Config configures the session client.
type Config struct {
	// Endpoint is the device address, e.g. "10.0.0.5:502".
	Endpoint string `yaml:"endpoint"`
	// SlaveID is the Modbus unit identifier.
	SlaveID byte `yaml:"slave_id"`
	// Timeout bounds each register operation.
	Timeout time.Duration `yaml:"timeout"`
	// PollInterval is the subscription poll cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Points are the registers polled by Subscribe.
	Points []Point `yaml:"points"`
}

// registerConn is the slice of the Modbus API the client needs; satisfied
// by goburrow's client and by test fakes.
type registerConn interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	Close() error
}

// tcpConn adapts a goburrow TCP handler + client pair to registerConn.
type tcpConn struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func (c *tcpConn) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *tcpConn) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *tcpConn) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleRegister(address, value)
}

func (c *tcpConn) Close() error {
	return c.handler.Close()
}

// Client is a protocol.Client over Modbus TCP.
type Client struct {
	cfg    Config
	logger *slog.Logger
	points map[string]Point

	// dial builds the transport; replaced in tests.
	dial func() (registerConn, error)

	mu           sync.Mutex
	conn         registerConn
	state        protocol.ConnectionState
	dataHandler  protocol.DataHandler
	stateHandler protocol.StateHandler
	pollCancel   context.CancelFunc
	pollDone     chan struct{}
}

var _ protocol.Client = (*Client)(nil)

// New creates a disconnected session client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"modbusclient", "New", "require device endpoint")
	}
	if len(cfg.Points) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"modbusclient", "New", "require at least one register point")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	points := make(map[string]Point, len(cfg.Points))
	for i, p := range cfg.Points {
		if p.Name == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
				"modbusclient", "New", fmt.Sprintf("require a name for point %d", i))
		}
		if p.Kind == "" {
			p.Kind = KindHolding
		}
		if p.Kind != KindHolding && p.Kind != KindInput {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
				"modbusclient", "New", "unknown register kind for point "+p.Name)
		}
		if p.Scale == 0 {
			p.Scale = 1
		}
		if _, dup := points[p.Name]; dup {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
				"modbusclient", "New", "duplicate point name "+p.Name)
		}
		points[p.Name] = p
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		points: points,
		state:  protocol.StateDisconnected,
	}
	c.dial = c.dialTCP
	return c, nil
}

func (c *Client) dialTCP() (registerConn, error) {
	handler := modbus.NewTCPClientHandler(c.cfg.Endpoint)
	handler.Timeout = c.cfg.Timeout
	handler.SlaveId = c.cfg.SlaveID
	if err := handler.Connect(); err != nil {
		return nil, err
	}
	return &tcpConn{handler: handler, client: modbus.NewClient(handler)}, nil
}

// Connect establishes the Modbus TCP session. Any previous session is torn
// down first.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "modbusclient", "Connect", "check context")
	}

	c.mu.Lock()
	c.stopPollingLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = protocol.StateConnecting
	c.mu.Unlock()

	conn, err := c.dial()
	if err != nil {
		c.setState(protocol.StateError, err)
		return errors.WrapTransient(err, "modbusclient", "Connect", "dial device")
	}

	c.mu.Lock()
	c.conn = conn
	c.state = protocol.StateConnected
	handler := c.stateHandler
	c.mu.Unlock()

	if handler != nil {
		handler(protocol.StateConnected, nil)
	}
	c.logger.Debug("modbus session established", "endpoint", c.cfg.Endpoint)
	return nil
}

// Disconnect stops polling, waits for the poll loop to exit, and closes
// the session. Idempotent; intentional closes do not fire the state
// handler.
func (c *Client) Disconnect(_ context.Context) error {
	c.mu.Lock()
	done := c.pollDone
	c.stopPollingLocked()
	conn := c.conn
	c.conn = nil
	c.state = protocol.StateDisconnected
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Subscribe starts the poll loop over the configured points.
func (c *Client) Subscribe(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected,
			"modbusclient", "Subscribe", "check session")
	}
	if c.pollCancel != nil {
		return nil // already polling
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.pollCancel = cancel
	c.pollDone = done

	go c.pollLoop(ctx, done)
	return nil
}

// pollLoop reads every point each interval and emits SessionEvents. The
// first cycle runs immediately so subscribers do not wait a full interval
// for initial values.
func (c *Client) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	if !c.pollOnce(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.pollOnce(ctx) {
				return
			}
		}
	}
}

// pollOnce reads all points in one cycle. Any failure aborts the cycle,
// tears the session down, and reports a disconnect; it returns false to
// stop the loop.
func (c *Client) pollOnce(ctx context.Context) bool {
	for _, p := range c.cfg.Points {
		if ctx.Err() != nil {
			return false
		}

		c.mu.Lock()
		conn := c.conn
		dataHandler := c.dataHandler
		c.mu.Unlock()
		if conn == nil {
			return false
		}

		value, err := readPoint(conn, c.points[p.Name])
		if err != nil {
			c.logger.Warn("poll cycle failed",
				"endpoint", c.cfg.Endpoint, "point", p.Name, "error", err)
			c.failSession(err)
			return false
		}

		if dataHandler != nil {
			dataHandler(protocol.SessionEvent{Node: p.Name, Value: value})
		}
	}
	return true
}

// failSession tears down the session after an in-flight failure and
// notifies the state handler so the orchestrator can reconnect.
func (c *Client) failSession(err error) {
	c.mu.Lock()
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
		c.pollDone = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = protocol.StateDisconnected
	handler := c.stateHandler
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if handler != nil {
		handler(protocol.StateDisconnected, err)
	}
}

// Read performs a one-shot read of a configured point.
func (c *Client) Read(ctx context.Context, address string) (protocol.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "modbusclient", "Read", "check context")
	}

	point, ok := c.points[address]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidData,
			"modbusclient", "Read", "look up point "+address)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected,
			"modbusclient", "Read", "check session")
	}

	value, err := readPoint(conn, point)
	if err != nil {
		return nil, errors.WrapTransient(err, "modbusclient", "Read",
			"read point "+address)
	}
	return protocol.SessionEvent{Node: address, Value: value}, nil
}

// Write sets a holding register point. The value is de-scaled back to the
// raw register representation.
func (c *Client) Write(ctx context.Context, address string, value any) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "modbusclient", "Write", "check context")
	}

	point, ok := c.points[address]
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidData,
			"modbusclient", "Write", "look up point "+address)
	}
	if point.Kind != KindHolding {
		return errors.WrapInvalid(errors.ErrNotSupported,
			"modbusclient", "Write", "write input register "+address)
	}

	var v float64
	switch n := value.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case uint16:
		v = float64(n)
	default:
		return errors.WrapInvalid(errors.ErrInvalidData,
			"modbusclient", "Write", fmt.Sprintf("encode %T value", value))
	}

	raw := (v - point.Offset) / point.Scale
	if raw < 0 || raw > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidData,
			"modbusclient", "Write", "range-check register value")
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected,
			"modbusclient", "Write", "check session")
	}

	if _, err := conn.WriteSingleRegister(point.Address, uint16(raw)); err != nil {
		return errors.WrapTransient(err, "modbusclient", "Write",
			"write point "+address)
	}
	return nil
}

// Browse lists configured point names under a prefix.
func (c *Client) Browse(_ context.Context, prefix string) ([]string, error) {
	names := make([]string, 0, len(c.cfg.Points))
	for _, p := range c.cfg.Points {
		if prefix == "" || strings.HasPrefix(p.Name, prefix) {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// OnData registers the data handler, replacing any previous one.
func (c *Client) OnData(handler protocol.DataHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataHandler = handler
}

// OnStateChange registers the state handler, replacing any previous one.
func (c *Client) OnStateChange(handler protocol.StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandler = handler
}

// State returns the current connection state.
func (c *Client) State() protocol.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the session is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// setState updates the state and fires the state handler.
func (c *Client) setState(state protocol.ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.stateHandler
	c.mu.Unlock()
	if handler != nil {
		handler(state, err)
	}
}

// stopPollingLocked cancels the poll loop. Callers hold mu; the loop's
// goroutine re-checks the connection under the lock, so no join is needed
// here beyond cancellation.
func (c *Client) stopPollingLocked() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
		c.pollDone = nil
	}
}

// readPoint reads one register and applies the point's scaling.
func readPoint(conn registerConn, p Point) (float64, error) {
	var (
		raw []byte
		err error
	)
	switch p.Kind {
	case KindInput:
		raw, err = conn.ReadInputRegisters(p.Address, 1)
	default:
		raw, err = conn.ReadHoldingRegisters(p.Address, 1)
	}
	if err != nil {
		return 0, err
	}
	if len(raw) < 2 {
		return 0, errors.ErrInvalidData
	}
	return float64(binary.BigEndian.Uint16(raw))*p.Scale + p.Offset, nil
}
