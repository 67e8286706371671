// Package websocket streams normalized readings and connection status to
// browser clients. Delivery is at-most-once: a slow client's queue fills
// and frames are dropped rather than stalling the broadcast path.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorbridge/errors"
	"github.com/c360/sensorbridge/metric"
	"github.com/c360/sensorbridge/sensor"
)

// Frame types sent to clients.
const (
	FrameReadings = "readings"
	FrameStatus   = "status"
)

// Default configuration values applied by NewServer.
const (
	DefaultSendBuffer   = 64
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Frame is the JSON envelope written to clients.
type Frame struct {
	Type      string                             `json:"type"`
	Timestamp int64                              `json:"timestamp"` // unix milliseconds
	Equipment string                             `json:"equipment,omitempty"`
	Readings  []sensor.Reading                   `json:"readings,omitempty"`
	Status    map[string]sensor.ConnectionStatus `json:"status,omitempty"`
}

// Config configures the websocket server.
type Config struct {
	// SendBuffer is the per-client outbound queue length.
	SendBuffer int `yaml:"send_buffer"`
	// PingInterval is the keepalive cadence.
	PingInterval time.Duration `yaml:"ping_interval"`
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Metrics holds the server's Prometheus metrics. Nil when no registry is
// provided; all methods are nil-safe.
type Metrics struct {
	clientsConnected prometheus.Gauge
	framesSent       prometheus.Counter
	framesDropped    prometheus.Counter
}

// NewMetrics creates and registers websocket metrics.
func NewMetrics(registry *metric.Registry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "frames_sent_total",
			Help:      "Total frames queued to clients",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped on full client queues",
		}),
	}

	if err := registry.Register("websocket", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.Register("websocket", "frames_sent_total", m.framesSent); err != nil {
		return nil, err
	}
	if err := registry.Register("websocket", "frames_dropped_total", m.framesDropped); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) connected(delta float64) {
	if m != nil {
		m.clientsConnected.Add(delta)
	}
}

func (m *Metrics) sent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

// client is one connected websocket peer with its outbound queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Server fans service events out to websocket clients.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu          sync.Mutex
	running     bool
	clients     map[*client]struct{}
	unsubscribe []func()
}

// NewServer creates a stopped websocket server.
func NewServer(cfg Config, logger *slog.Logger, metrics *Metrics) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes the server to the sensor service's data and status
// streams. Idempotent.
func (s *Server) Start(_ context.Context, svc *sensor.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if svc == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"websocket", "Start", "require sensor service")
	}

	s.unsubscribe = append(s.unsubscribe,
		svc.OnSensorData(func(equipmentID string, readings []sensor.Reading) {
			s.Broadcast(Frame{
				Type:      FrameReadings,
				Timestamp: time.Now().UnixMilli(),
				Equipment: equipmentID,
				Readings:  readings,
			})
		}),
		svc.OnConnectionStatus(func(statuses map[string]sensor.ConnectionStatus) {
			s.Broadcast(Frame{
				Type:      FrameStatus,
				Timestamp: time.Now().UnixMilli(),
				Status:    statuses,
			})
		}),
	)
	s.running = true
	return nil
}

// Stop detaches from the service and closes every client. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	unsubs := s.unsubscribe
	s.unsubscribe = nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast queues a frame to every connected client. Full queues drop the
// frame for that client.
func (s *Server) Broadcast(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Warn("encode frame", "type", frame.Type, "error", err)
		return
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
			s.metrics.sent()
		default:
			s.metrics.dropped()
		}
	}
}

// Handler upgrades requests and serves the client until it disconnects.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			http.Error(w, "service stopped", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		c := &client{
			conn: conn,
			send: make(chan []byte, s.cfg.SendBuffer),
		}

		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		s.metrics.connected(1)
		s.logger.Debug("client connected", "remote", r.RemoteAddr)

		go s.writePump(c)
		s.readPump(c) // blocks until the peer goes away

		s.detach(c)
		s.logger.Debug("client disconnected", "remote", r.RemoteAddr)
	})
}

// detach removes the client and closes its queue.
func (s *Server) detach(c *client) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	if present {
		s.metrics.connected(-1)
	}
	c.close()
}

// readPump drains inbound messages. Clients are not expected to send
// anything; the read loop exists to observe the close handshake.
func (s *Server) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump writes queued frames and keepalive pings until the queue
// closes or a write fails.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(s.cfg.WriteTimeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
