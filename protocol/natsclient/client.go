// Package natsclient implements the message-bus protocol client on top of
// NATS. Client-side automatic reconnection is disabled: the sensor service
// owns retry policy, so a lost connection surfaces as a single state change
// and a fresh Connect builds a new connection.
package natsclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/sensorbridge/errors"
	"github.com/c360/sensorbridge/protocol"
)

// Default timeouts applied by New.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 2 * time.Second
)

// Config configures the bus client.
type Config struct {
	// URL is the broker address, e.g. "nats://localhost:4222".
	URL string `yaml:"url"`
	// Name identifies this client to the broker.
	Name string `yaml:"name"`
	// Subjects are subscribed by Subscribe; wildcard subjects are fine.
	Subjects []string `yaml:"subjects"`
	// Username/Password and Token are optional credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Client is a protocol.Client over a NATS connection.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	conn         *nats.Conn
	subs         []*nats.Subscription
	state        protocol.ConnectionState
	closing      bool // suppresses the closed-handler during Disconnect
	dataHandler  protocol.DataHandler
	stateHandler protocol.StateHandler
}

var _ protocol.Client = (*Client)(nil)

// New creates a disconnected bus client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"natsclient", "New", "require broker URL")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		state:  protocol.StateDisconnected,
	}, nil
}

// Connect dials the broker. Any previous connection is closed first, so a
// reconnect always builds a fresh connection.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "natsclient", "Connect", "check context")
	}

	c.mu.Lock()
	if c.conn != nil {
		c.closeLocked()
	}
	c.state = protocol.StateConnecting
	c.closing = false
	c.mu.Unlock()

	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(c.cfg.ConnectTimeout),
		// The orchestrator owns reconnection; a dropped connection must
		// surface as closed, not be retried underneath us.
		nats.MaxReconnects(0),
		nats.RetryOnFailedConnect(false),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Warn("nats async error", "subject", subject, "error", err)
		}),
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	} else if c.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}

	conn, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		c.setState(protocol.StateError, err)
		return errors.WrapTransient(err, "natsclient", "Connect", "dial broker")
	}

	c.mu.Lock()
	c.conn = conn
	c.state = protocol.StateConnected
	handler := c.stateHandler
	c.mu.Unlock()

	if handler != nil {
		handler(protocol.StateConnected, nil)
	}
	c.logger.Debug("connected to broker", "name", c.cfg.Name)
	return nil
}

// Disconnect closes the connection. It is idempotent and returns nil when
// already disconnected; the intentional close does not fire the state
// handler.
func (c *Client) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.state = protocol.StateDisconnected
		return nil
	}
	c.closeLocked()
	c.state = protocol.StateDisconnected
	return nil
}

// closeLocked tears down the connection without notifying. Callers hold mu.
func (c *Client) closeLocked() {
	c.closing = true
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.conn.Close()
	c.conn = nil
}

// Subscribe subscribes every configured subject and routes messages to the
// data handler as BusEvents.
func (c *Client) Subscribe(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected,
			"natsclient", "Subscribe", "check connection")
	}

	for _, subject := range c.cfg.Subjects {
		sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
			c.mu.Lock()
			handler := c.dataHandler
			c.mu.Unlock()
			if handler != nil {
				handler(protocol.BusEvent{Subject: msg.Subject, Payload: msg.Data})
			}
		})
		if err != nil {
			return errors.WrapTransient(err, "natsclient", "Subscribe",
				"subscribe "+subject)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Read issues a request on the address subject and returns the reply as a
// BusEvent.
func (c *Client) Read(ctx context.Context, address string) (protocol.Event, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected,
			"natsclient", "Read", "check connection")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	msg, err := conn.RequestWithContext(ctx, address, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Read",
			"request "+address)
	}
	return protocol.BusEvent{Subject: address, Payload: msg.Data}, nil
}

// Write publishes a value to the address subject. []byte values are sent
// as-is; anything else is JSON-encoded.
func (c *Client) Write(_ context.Context, address string, value any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected,
			"natsclient", "Write", "check connection")
	}

	payload, ok := value.([]byte)
	if !ok {
		var err error
		payload, err = json.Marshal(value)
		if err != nil {
			return errors.WrapInvalid(err, "natsclient", "Write", "encode value")
		}
	}

	if err := conn.Publish(address, payload); err != nil {
		return errors.WrapTransient(err, "natsclient", "Write", "publish "+address)
	}
	return nil
}

// Browse is not supported: a pub/sub bus has no enumerable address space.
func (c *Client) Browse(_ context.Context, _ string) ([]string, error) {
	return nil, errors.WrapInvalid(errors.ErrNotSupported,
		"natsclient", "Browse", "enumerate subjects")
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

// IsConnected reports whether the broker connection is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// onClosed fires when NATS gives up on the connection. Intentional closes
// via Disconnect are suppressed.
func (c *Client) onClosed(conn *nats.Conn) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.subs = nil
	c.mu.Unlock()

	err := conn.LastError()
	if err == nil {
		err = errors.ErrConnectionLost
	}
	c.logger.Warn("broker connection lost", "error", err)
	c.setState(protocol.StateDisconnected, err)
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
