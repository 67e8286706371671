// Package sensor provides the orchestration layer that owns protocol
// connections, keeps them alive through per-protocol circuit breakers and
// backoff reconnection, normalizes heterogeneous payloads into readings,
// and fans readings plus connection health out to subscribers.
package sensor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/sensorbridge/errors"
	"github.com/c360/sensorbridge/metric"
	"github.com/c360/sensorbridge/pkg/backoff"
	"github.com/c360/sensorbridge/pkg/breaker"
	"github.com/c360/sensorbridge/protocol"
)

// DataHandler receives the full current reading list for one equipment
// whenever any of its readings changes. Delivery is synchronous and
// per-event; handlers must not block.
type DataHandler func(equipmentID string, readings []Reading)

// StatusHandler receives a snapshot of every protocol's connection status
// whenever any protocol's state or breaker changes.
type StatusHandler func(status map[string]ConnectionStatus)

// ProtocolConfig configures one protocol the service orchestrates.
type ProtocolConfig struct {
	// NewClient instantiates the protocol client. Invoked on every Start,
	// so a stopped and restarted service gets fresh clients.
	NewClient func() (protocol.Client, error)
	// Adapter supplies the normalization functions for this protocol.
	Adapter Adapter
	// Breaker configures this protocol's circuit breaker. OnStateChange
	// is owned by the service and must be left unset.
	Breaker breaker.Config
}

// Config configures the sensor service.
type Config struct {
	// Protocols maps protocol name to its configuration. At least one
	// protocol is required; absent protocols are simply not instantiated.
	Protocols map[string]ProtocolConfig
	// Reconnect is the reconnection policy applied to every protocol.
	Reconnect backoff.Policy
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics is optional; nil disables service metrics.
	Metrics *metric.Registry
}

// protoRuntime is the per-protocol state owned by the service: the client
// (nil while stopped), breaker, status record, and the single pending
// reconnect timer.
type protoRuntime struct {
	name    string
	cfg     ProtocolConfig
	client  protocol.Client
	breaker *breaker.Breaker

	status         ConnectionStatus
	reconnectTimer *time.Timer
	timerGen       uint64 // invalidates cancelled reconnect timers
}

// cancelTimerLocked stops any pending reconnect timer. Callers hold the
// service mutex.
func (rt *protoRuntime) cancelTimerLocked() {
	rt.timerGen++
	if rt.reconnectTimer != nil {
		rt.reconnectTimer.Stop()
		rt.reconnectTimer = nil
	}
}

// Service orchestrates N protocol connections behind one unified interface.
// Construct with New; a Service must not be copied.
type Service struct {
	reconnect backoff.Policy
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	running bool
	protos  map[string]*protoRuntime
	pending map[string]map[string]Reading // equipment -> reading type -> latest

	dataHandlers   *handlerRegistry[DataHandler]
	statusHandlers *handlerRegistry[StatusHandler]
}

// New creates a sensor service. Circuit breakers and status records are
// created here and live for the service's lifetime; protocol clients are
// instantiated on Start.
func New(cfg Config) (*Service, error) {
	if len(cfg.Protocols) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"sensor", "New", "require at least one protocol")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		reconnect:      cfg.Reconnect.Normalize(),
		logger:         logger,
		metrics:        newMetrics(cfg.Metrics, "sensor"),
		protos:         make(map[string]*protoRuntime, len(cfg.Protocols)),
		pending:        make(map[string]map[string]Reading),
		dataHandlers:   newHandlerRegistry[DataHandler](),
		statusHandlers: newHandlerRegistry[StatusHandler](),
	}

	for name, pc := range cfg.Protocols {
		if pc.NewClient == nil {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
				"sensor", "New", "require a client factory for protocol "+name)
		}

		rt := &protoRuntime{
			name:   name,
			cfg:    pc,
			status: ConnectionStatus{State: protocol.StateDisconnected},
		}

		bcfg := pc.Breaker
		bcfg.OnStateChange = func(newState, oldState breaker.State) {
			s.onBreakerChange(rt, newState, oldState)
		}
		b, err := breaker.New(bcfg)
		if err != nil {
			return nil, errors.WrapInvalid(err,
				"sensor", "New", "build circuit breaker for protocol "+name)
		}
		rt.breaker = b
		s.protos[name] = rt
	}

	return s, nil
}

// Start instantiates every configured protocol client, wires its callbacks,
// and attempts the initial connections concurrently, returning once all
// attempts have settled. A failed initial connection does not fail Start;
// it engages the reconnection policy instead. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("sensor service already running, start ignored")
		return nil
	}

	for _, rt := range s.protos {
		client, err := rt.cfg.NewClient()
		if err != nil {
			// A factory failure is a configuration error, not a
			// connection failure: surface it and leave the service
			// stopped.
			for _, other := range s.protos {
				other.client = nil
			}
			s.mu.Unlock()
			return errors.WrapInvalid(err, "sensor", "Start",
				"instantiate client for protocol "+rt.name)
		}

		rt.client = client
		proto := rt
		client.OnData(func(ev protocol.Event) {
			s.handleData(proto, ev)
		})
		client.OnStateChange(func(state protocol.ConnectionState, err error) {
			s.handleStateChange(proto, state, err)
		})
	}
	s.running = true
	runtimes := s.runtimesLocked()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func(rt *protoRuntime) {
			defer wg.Done()
			s.attemptConnect(ctx, rt, false)
		}(rt)
	}
	wg.Wait()

	s.logger.Info("sensor service started", "protocols", len(runtimes))
	return nil
}

// Stop cancels every pending reconnect timer, disconnects every live client
// concurrently, resets per-protocol status and breakers, clears the pending
// readings, and emits a final status notification. Stop is idempotent and
// never returns an error for connection-level failures.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false

	type liveClient struct {
		name   string
		client protocol.Client
	}
	var clients []liveClient
	for _, rt := range s.protos {
		rt.cancelTimerLocked()
		if rt.client != nil {
			clients = append(clients, liveClient{rt.name, rt.client})
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, lc := range clients {
		wg.Add(1)
		go func(lc liveClient) {
			defer wg.Done()
			if err := lc.client.Disconnect(ctx); err != nil {
				s.logger.Warn("disconnect failed during stop",
					"protocol", lc.name, "error", err)
			}
		}(lc)
	}
	wg.Wait()

	// Breakers are reset, not recreated; their reset cancels any pending
	// breaker timer.
	for _, rt := range s.runtimes() {
		rt.breaker.Reset()
	}

	s.mu.Lock()
	for _, rt := range s.protos {
		rt.client = nil
		rt.status = ConnectionStatus{
			State:        protocol.StateDisconnected,
			BreakerState: rt.breaker.State(),
		}
		s.metrics.setConnectionState(rt.name, int(protocol.StateDisconnected))
	}
	s.pending = make(map[string]map[string]Reading)
	snap := s.statusSnapshotLocked()
	s.mu.Unlock()

	s.notifyStatus(snap)
	s.logger.Info("sensor service stopped")
	return nil
}

// IsRunning reports whether the service is running.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OnSensorData registers a data handler and returns its unsubscribe
// function.
func (s *Service) OnSensorData(handler DataHandler) func() {
	unsub := s.dataHandlers.add(handler)
	s.metrics.setHandlerCounts(s.dataHandlers.len(), s.statusHandlers.len())
	return func() {
		unsub()
		s.metrics.setHandlerCounts(s.dataHandlers.len(), s.statusHandlers.len())
	}
}

// OnConnectionStatus registers a status handler and returns its unsubscribe
// function.
func (s *Service) OnConnectionStatus(handler StatusHandler) func() {
	unsub := s.statusHandlers.add(handler)
	s.metrics.setHandlerCounts(s.dataHandlers.len(), s.statusHandlers.len())
	return func() {
		unsub()
		s.metrics.setHandlerCounts(s.dataHandlers.len(), s.statusHandlers.len())
	}
}

// GetConnectionStatus returns a snapshot of every protocol's connection
// status. The returned map is a copy, never a live reference.
func (s *Service) GetConnectionStatus() map[string]ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusSnapshotLocked()
}

// Clients returns the current protocol clients keyed by protocol name, for
// advanced/manual access. Entries are nil while the service is stopped.
func (s *Service) Clients() map[string]protocol.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.Client, len(s.protos))
	for name, rt := range s.protos {
		out[name] = rt.client
	}
	return out
}

// Client returns the live client for a protocol. It returns a classified
// invalid error for an unconfigured protocol name and ErrNotRunning while
// the service is stopped.
func (s *Service) Client(name string) (protocol.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.protos[name]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotConfigured,
			"sensor", "Client", "look up protocol "+name)
	}
	if rt.client == nil {
		return nil, errors.ErrNotRunning
	}
	return rt.client, nil
}

// attemptConnect runs the connect+subscribe sequence for one protocol
// through its circuit breaker and applies the outcome: success resets the
// attempt counter, a genuine failure engages the reconnection policy, and a
// breaker rejection waits for the breaker's own reset timer instead.
func (s *Service) attemptConnect(ctx context.Context, rt *protoRuntime, isReconnect bool) {
	s.mu.Lock()
	if !s.running || rt.client == nil {
		s.mu.Unlock()
		return
	}
	client := rt.client
	state := protocol.StateConnecting
	if isReconnect {
		state = protocol.StateReconnecting
	}
	snap := s.setStateLocked(rt, state, nil)
	s.mu.Unlock()
	s.notifyStatus(snap)

	res := rt.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := client.Connect(ctx); err != nil {
			return err
		}
		return client.Subscribe(ctx)
	})

	switch {
	case res.Success():
		s.mu.Lock()
		rt.status.ReconnectAttempts = 0
		rt.status.LastError = ""
		snap := s.setStateLocked(rt, protocol.StateConnected, nil)
		s.mu.Unlock()
		s.notifyStatus(snap)
		s.logger.Info("protocol connected", "protocol", rt.name)

	case res.Rejected:
		// Pre-emptive rejection, not a real connection failure: do not
		// reschedule, the breaker's reset timer re-admits a probe.
		s.mu.Lock()
		snap := s.setStateLocked(rt, protocol.StateDisconnected, res.Err)
		s.mu.Unlock()
		s.notifyStatus(snap)
		s.logger.Debug("connect attempt rejected by circuit breaker",
			"protocol", rt.name)

	default:
		s.mu.Lock()
		snap := s.setStateLocked(rt, protocol.StateError, res.Err)
		s.mu.Unlock()
		s.notifyStatus(snap)
		s.logger.Warn("protocol connect failed",
			"protocol", rt.name, "error", res.Err)
		s.scheduleReconnect(rt)
	}
}

// scheduleReconnect arms the single pending reconnect timer for a protocol,
// applying the backoff policy. The attempt counter is incremented when
// scheduling, so the first reconnect waits the initial delay.
func (s *Service) scheduleReconnect(rt *protoRuntime) {
	s.mu.Lock()
	if !s.running || !s.reconnect.Enabled {
		s.mu.Unlock()
		return
	}
	if rt.breaker.State() == breaker.StateOpen {
		s.mu.Unlock()
		s.logger.Debug("skipping reconnect schedule while circuit is open",
			"protocol", rt.name)
		return
	}
	if s.reconnect.Exhausted(rt.status.ReconnectAttempts) {
		s.mu.Unlock()
		s.logger.Warn("reconnect attempts exhausted, giving up",
			"protocol", rt.name, "attempts", s.reconnect.MaxAttempts)
		return
	}

	attempt := rt.status.ReconnectAttempts
	rt.status.ReconnectAttempts++
	delay := s.reconnect.Delay(attempt)

	rt.cancelTimerLocked()
	rt.timerGen++
	gen := rt.timerGen
	rt.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// Stop may have cancelled this timer while its callback was
		// already in flight.
		if !s.running || rt.timerGen != gen {
			s.mu.Unlock()
			return
		}
		rt.reconnectTimer = nil
		s.mu.Unlock()
		s.attemptConnect(context.Background(), rt, true)
	})
	s.mu.Unlock()

	s.metrics.reconnectScheduled(rt.name)
	s.logger.Info("reconnect scheduled",
		"protocol", rt.name, "attempt", attempt+1, "delay", delay)
}

// handleStateChange reacts to connection state changes reported by a
// protocol client. An unexpected disconnect while running engages the
// reconnection policy.
func (s *Service) handleStateChange(rt *protoRuntime, state protocol.ConnectionState, err error) {
	s.mu.Lock()
	running := s.running
	snap := s.setStateLocked(rt, state, err)
	s.mu.Unlock()
	s.notifyStatus(snap)

	if state == protocol.StateDisconnected && running && s.reconnect.Enabled {
		s.scheduleReconnect(rt)
	}
}

// onBreakerChange mirrors breaker transitions into the status record and,
// when the breaker re-admits probes, issues one for a still-disconnected
// protocol.
func (s *Service) onBreakerChange(rt *protoRuntime, newState, oldState breaker.State) {
	s.mu.Lock()
	rt.status.BreakerState = newState
	running := s.running
	connected := rt.status.State == protocol.StateConnected
	snap := s.statusSnapshotLocked()
	s.mu.Unlock()

	s.metrics.setBreakerState(rt.name, int(newState))
	s.notifyStatus(snap)
	s.logger.Info("circuit breaker state changed",
		"protocol", rt.name, "from", oldState.String(), "to", newState.String())

	if newState == breaker.StateHalfOpen && running && !connected {
		go s.attemptConnect(context.Background(), rt, true)
	}
}

// handleData normalizes one protocol event, merges it into the equipment's
// latest-reading set, and fans the full set out to every data handler.
// Events the adapter cannot normalize are dropped without failing the
// pipeline.
func (s *Service) handleData(rt *protoRuntime, ev protocol.Event) {
	adapter := rt.cfg.Adapter
	if adapter.EquipmentID == nil || adapter.Reading == nil {
		s.metrics.dropped(rt.name, "no_adapter")
		return
	}

	equipmentID, ok := adapter.EquipmentID(ev)
	if !ok {
		s.metrics.dropped(rt.name, "unmapped_address")
		return
	}
	reading, ok := adapter.Reading(ev)
	if !ok {
		s.metrics.dropped(rt.name, "malformed_payload")
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	set := s.pending[equipmentID]
	if set == nil {
		set = make(map[string]Reading)
		s.pending[equipmentID] = set
	}
	set[reading.Type] = reading

	readings := make([]Reading, 0, len(set))
	for _, r := range set {
		readings = append(readings, r)
	}
	s.mu.Unlock()

	s.metrics.reading(rt.name)
	for _, h := range s.dataHandlers.snapshot() {
		h(equipmentID, readings)
	}
}

// setStateLocked updates a protocol's status record and returns the status
// snapshot to notify with. Callers hold the service mutex.
func (s *Service) setStateLocked(rt *protoRuntime, state protocol.ConnectionState, err error) map[string]ConnectionStatus {
	rt.status.State = state
	if err != nil {
		rt.status.LastError = err.Error()
	}
	s.metrics.setConnectionState(rt.name, int(state))
	return s.statusSnapshotLocked()
}

func (s *Service) statusSnapshotLocked() map[string]ConnectionStatus {
	snap := make(map[string]ConnectionStatus, len(s.protos))
	for name, rt := range s.protos {
		snap[name] = rt.status
	}
	return snap
}

func (s *Service) notifyStatus(snap map[string]ConnectionStatus) {
	for _, h := range s.statusHandlers.snapshot() {
		h(snap)
	}
}

func (s *Service) runtimes() []*protoRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimesLocked()
}

func (s *Service) runtimesLocked() []*protoRuntime {
	out := make([]*protoRuntime, 0, len(s.protos))
	for _, rt := range s.protos {
		out = append(out, rt)
	}
	return out
}
