// Package config loads and validates the application configuration from a
// YAML file. Environment references ("${NATS_TOKEN}") are expanded before
// parsing so credentials stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/sensorbridge/errors"
	"github.com/c360/sensorbridge/pkg/backoff"
	"github.com/c360/sensorbridge/pkg/breaker"
	"github.com/c360/sensorbridge/protocol/modbusclient"
	"github.com/c360/sensorbridge/protocol/natsclient"
)

// Duration parses human-readable YAML durations ("30s", "5m"). Plain
// integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Protocols ProtocolsConfig `yaml:"protocols"`
	Mappings  []Mapping       `yaml:"mappings"`
}

// ServerConfig configures the HTTP surface (metrics, health, websocket).
type ServerConfig struct {
	// ListenAddr is the bind address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// ReconnectConfig configures the reconnection backoff policy.
type ReconnectConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	MaxAttempts  int      `yaml:"max_attempts"`
	AddJitter    *bool    `yaml:"add_jitter"`
}

// Policy converts the section to a backoff policy, falling back to the
// package defaults for unset fields.
func (r ReconnectConfig) Policy() backoff.Policy {
	p := backoff.DefaultPolicy()
	if r.Enabled != nil {
		p.Enabled = *r.Enabled
	}
	if r.InitialDelay > 0 {
		p.InitialDelay = r.InitialDelay.Std()
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay.Std()
	}
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.AddJitter != nil {
		p.AddJitter = *r.AddJitter
	}
	return p
}

// BreakerConfig configures the per-protocol circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
	FailureWindow    Duration `yaml:"failure_window"`
}

// Breaker converts the section to a breaker config. An omitted section
// yields a 5-failure threshold with a 30s cooldown; the remaining zero
// fields keep the breaker package defaults.
func (b BreakerConfig) Breaker() breaker.Config {
	cfg := breaker.Config{
		FailureThreshold: b.FailureThreshold,
		ResetTimeout:     b.ResetTimeout.Std(),
		SuccessThreshold: b.SuccessThreshold,
		FailureWindow:    b.FailureWindow.Std(),
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return cfg
}

// ProtocolsConfig holds the per-protocol connection settings. A protocol is
// active when its section is present and enabled.
type ProtocolsConfig struct {
	NATS   *NATSProtocol   `yaml:"nats"`
	Modbus *ModbusProtocol `yaml:"modbus"`
}

// NATSProtocol configures the message-bus connection.
type NATSProtocol struct {
	Enabled        bool     `yaml:"enabled"`
	URL            string   `yaml:"url"`
	Name           string   `yaml:"name"`
	Subjects       []string `yaml:"subjects"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// ClientConfig converts the section to the bus client's config.
func (n NATSProtocol) ClientConfig() natsclient.Config {
	return natsclient.Config{
		URL:            n.URL,
		Name:           n.Name,
		Subjects:       n.Subjects,
		Username:       n.Username,
		Password:       n.Password,
		Token:          n.Token,
		ConnectTimeout: n.ConnectTimeout.Std(),
		RequestTimeout: n.RequestTimeout.Std(),
	}
}

// ModbusProtocol configures the register-polling session connection.
type ModbusProtocol struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint"`
	SlaveID      byte          `yaml:"slave_id"`
	Timeout      Duration      `yaml:"timeout"`
	PollInterval Duration      `yaml:"poll_interval"`
	Points       []ModbusPoint `yaml:"points"`
}

// ModbusPoint maps one register to a named point.
type ModbusPoint struct {
	Name    string  `yaml:"name"`
	Kind    string  `yaml:"kind"`
	Address uint16  `yaml:"address"`
	Scale   float64 `yaml:"scale"`
	Offset  float64 `yaml:"offset"`
}

// ClientConfig converts the section to the session client's config.
func (m ModbusProtocol) ClientConfig() modbusclient.Config {
	points := make([]modbusclient.Point, len(m.Points))
	for i, p := range m.Points {
		points[i] = modbusclient.Point{
			Name:    p.Name,
			Kind:    modbusclient.RegisterKind(p.Kind),
			Address: p.Address,
			Scale:   p.Scale,
			Offset:  p.Offset,
		}
	}
	return modbusclient.Config{
		Endpoint:     m.Endpoint,
		SlaveID:      m.SlaveID,
		Timeout:      m.Timeout.Std(),
		PollInterval: m.PollInterval.Std(),
		Points:       points,
	}
}

// Mapping translates one protocol-native address into a normalized reading
// definition.
type Mapping struct {
	// Protocol names the protocol the address belongs to ("nats", "modbus").
	Protocol string `yaml:"protocol"`
	// Address is the protocol-native address (subject or point name).
	Address string `yaml:"address"`
	// Equipment is the logical equipment identifier.
	Equipment string `yaml:"equipment"`
	// Type is the reading's display label ("Temperature").
	Type string `yaml:"type"`
	// Unit is the unit of measurement.
	Unit string `yaml:"unit"`
	// NormalRange is the [low, high] band considered healthy.
	NormalRange [2]float64 `yaml:"normal_range"`
}

// Load reads, expands, parses, defaults, and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "parse yaml")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks cross-field consistency. Client-level validation (URLs,
// points) happens when the clients are constructed.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"config", "Validate", "check logging level "+c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"config", "Validate", "check logging format "+c.Logging.Format)
	}

	if !c.Protocols.Active() {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"config", "Validate", "require at least one enabled protocol")
	}

	active := map[string]bool{}
	if c.Protocols.NATS != nil && c.Protocols.NATS.Enabled {
		active["nats"] = true
	}
	if c.Protocols.Modbus != nil && c.Protocols.Modbus.Enabled {
		active["modbus"] = true
	}

	for i, m := range c.Mappings {
		if m.Address == "" || m.Equipment == "" || m.Type == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"config", "Validate",
				fmt.Sprintf("require address, equipment, and type for mapping %d", i))
		}
		if !active[m.Protocol] {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"config", "Validate",
				fmt.Sprintf("mapping %d references inactive protocol %q", i, m.Protocol))
		}
	}
	return nil
}

// Active reports whether any protocol section is enabled.
func (p ProtocolsConfig) Active() bool {
	if p.NATS != nil && p.NATS.Enabled {
		return true
	}
	if p.Modbus != nil && p.Modbus.Enabled {
		return true
	}
	return false
}

// MappingsFor returns the mappings belonging to one protocol, keyed by
// protocol-native address.
func (c *Config) MappingsFor(protocolName string) map[string]Mapping {
	out := make(map[string]Mapping)
	for _, m := range c.Mappings {
		if m.Protocol == protocolName {
			out[m.Address] = m
		}
	}
	return out
}
