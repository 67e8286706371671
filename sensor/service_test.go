package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/c360/sensorbridge/errors"
	"github.com/c360/sensorbridge/pkg/backoff"
	"github.com/c360/sensorbridge/pkg/breaker"
	"github.com/c360/sensorbridge/protocol"
)

var errDial = errors.New("dial refused")

// fakeClient is a scripted protocol client with call counters.
type fakeClient struct {
	mu            sync.Mutex
	connectCalls  int
	connectErrs   []error // scripted results; nil entries succeed, past the end succeeds
	subscribeErr  error
	disconnects   int
	state         protocol.ConnectionState
	dataHandler   protocol.DataHandler
	stateHandler  protocol.StateHandler
	subscribeCall int
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.connectCalls
	f.connectCalls++
	var err error
	if idx < len(f.connectErrs) {
		err = f.connectErrs[idx]
	}
	if err == nil {
		f.state = protocol.StateConnected
	}
	return err
}

func (f *fakeClient) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = protocol.StateDisconnected
	return nil
}

func (f *fakeClient) Subscribe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCall++
	return f.subscribeErr
}

func (f *fakeClient) Read(context.Context, string) (protocol.Event, error) {
	return nil, sberrors.ErrNotSupported
}

func (f *fakeClient) Write(context.Context, string, any) error {
	return sberrors.ErrNotSupported
}

func (f *fakeClient) Browse(context.Context, string) ([]string, error) {
	return nil, sberrors.ErrNotSupported
}

func (f *fakeClient) OnData(h protocol.DataHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataHandler = h
}

func (f *fakeClient) OnStateChange(h protocol.StateHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateHandler = h
}

func (f *fakeClient) State() protocol.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) IsConnected() bool {
	return f.State() == protocol.StateConnected
}

func (f *fakeClient) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// emit pushes a data event through the registered handler.
func (f *fakeClient) emit(ev protocol.Event) {
	f.mu.Lock()
	h := f.dataHandler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// dropLink simulates the upstream dropping the connection.
func (f *fakeClient) dropLink(err error) {
	f.mu.Lock()
	f.state = protocol.StateDisconnected
	h := f.stateHandler
	f.mu.Unlock()
	if h != nil {
		h(protocol.StateDisconnected, err)
	}
}

// testAdapter maps bus events on "plant/<equipment>/<type>" subjects with
// 8-byte float payloads skipped; values are carried as SessionEvents keyed
// "equipment/type" for simplicity.
func testAdapter() Adapter {
	return Adapter{
		EquipmentID: func(ev protocol.Event) (string, bool) {
			se, ok := ev.(protocol.SessionEvent)
			if !ok {
				return "", false
			}
			for i, c := range se.Node {
				if c == '/' {
					return se.Node[:i], true
				}
			}
			return "", false
		},
		Reading: func(ev protocol.Event) (Reading, bool) {
			se, ok := ev.(protocol.SessionEvent)
			if !ok {
				return Reading{}, false
			}
			var typ string
			for i, c := range se.Node {
				if c == '/' {
					typ = se.Node[i+1:]
					break
				}
			}
			if typ == "" {
				return Reading{}, false
			}
			return NewReading(typ, se.Value, "u", [2]float64{0, 100}), true
		},
	}
}

func newTestService(t *testing.T, clients map[string]*fakeClient, policy backoff.Policy, bcfg breaker.Config) *Service {
	t.Helper()
	if bcfg.FailureThreshold == 0 {
		bcfg = breaker.Config{FailureThreshold: 100, ResetTimeout: time.Hour}
	}

	protos := make(map[string]ProtocolConfig, len(clients))
	for name, fc := range clients {
		fc := fc
		protos[name] = ProtocolConfig{
			NewClient: func() (protocol.Client, error) { return fc, nil },
			Adapter:   testAdapter(),
			Breaker:   bcfg,
		}
	}

	svc, err := New(Config{Protocols: protos, Reconnect: policy})
	require.NoError(t, err)
	return svc
}

func quickPolicy() backoff.Policy {
	return backoff.Policy{
		Enabled:      true,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
	}
}

func TestNew_RequiresProtocols(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, sberrors.IsInvalid(err))
}

func TestStart_ConnectsAllProtocolsConcurrently(t *testing.T) {
	a := &fakeClient{}
	b := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": a, "plc": b}, quickPolicy(), breaker.Config{})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	assert.True(t, svc.IsRunning())
	assert.Equal(t, 1, a.connects())
	assert.Equal(t, 1, b.connects())

	status := svc.GetConnectionStatus()
	assert.Equal(t, protocol.StateConnected, status["bus"].State)
	assert.Equal(t, protocol.StateConnected, status["plc"].State)
}

func TestStart_Idempotent(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	// The second start is a no-op: still exactly one connect, one client.
	assert.Equal(t, 1, fc.connects())
	clients := svc.Clients()
	require.Len(t, clients, 1)
	assert.NotNil(t, clients["bus"])
}

func TestStart_InitialFailureDoesNotFailStart(t *testing.T) {
	fc := &fakeClient{connectErrs: []error{errDial}}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	// The reconnection policy takes over and eventually connects.
	assert.Eventually(t, func() bool {
		return svc.GetConnectionStatus()["bus"].State == protocol.StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, fc.connects(), 2)
}

func TestStop_NeverStartedIsNoop(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, 0, fc.connects())
}

func TestStop_ResetsStatusAndSilencesData(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	var mu sync.Mutex
	dataCalls := 0
	svc.OnSensorData(func(string, []Reading) {
		mu.Lock()
		dataCalls++
		mu.Unlock()
	})

	require.NoError(t, svc.Start(context.Background()))
	fc.emit(protocol.SessionEvent{Node: "press-1/temperature", Value: 20})

	mu.Lock()
	require.Equal(t, 1, dataCalls)
	mu.Unlock()

	require.NoError(t, svc.Stop(context.Background()))

	status := svc.GetConnectionStatus()
	assert.Equal(t, protocol.StateDisconnected, status["bus"].State)
	assert.Equal(t, 0, status["bus"].ReconnectAttempts)

	// Events arriving after stop are not fanned out.
	fc.emit(protocol.SessionEvent{Node: "press-1/temperature", Value: 21})
	mu.Lock()
	assert.Equal(t, 1, dataCalls)
	mu.Unlock()
}

func TestReconnect_MaxAttemptsBoundsConnectCalls(t *testing.T) {
	alwaysFail := make([]error, 64)
	for i := range alwaysFail {
		alwaysFail[i] = errDial
	}
	fc := &fakeClient{connectErrs: alwaysFail}

	policy := quickPolicy()
	policy.MaxAttempts = 2
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, policy, breaker.Config{})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	// 1 initial + 2 retries, never more.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 3, fc.connects())
}

func TestReconnect_DisconnectTriggersPolicy(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())
	require.Equal(t, 1, fc.connects())

	fc.dropLink(errors.New("broker went away"))

	assert.Eventually(t, func() bool { return fc.connects() >= 2 },
		time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return svc.GetConnectionStatus()["bus"].State == protocol.StateConnected
	}, time.Second, 5*time.Millisecond)
}

func TestReconnect_BreakerOpensAndProbeRecovers(t *testing.T) {
	fc := &fakeClient{connectErrs: []error{errDial, errDial}}
	bcfg := breaker.Config{
		FailureThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		SuccessThreshold: 1,
	}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), bcfg)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	// Two consecutive failures trip the breaker open.
	require.Eventually(t, func() bool {
		return svc.GetConnectionStatus()["bus"].BreakerState == breaker.StateOpen
	}, time.Second, 5*time.Millisecond)
	callsWhileOpen := fc.connects()
	assert.Equal(t, 2, callsWhileOpen)

	// After the cooldown the breaker admits a probe, which succeeds and
	// closes the circuit.
	assert.Eventually(t, func() bool {
		st := svc.GetConnectionStatus()["bus"]
		return st.BreakerState == breaker.StateClosed &&
			st.State == protocol.StateConnected
	}, time.Second, 5*time.Millisecond)
}

func TestAggregation_AcrossAndWithinTypes(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	var mu sync.Mutex
	var lastEquipment string
	var lastReadings []Reading
	svc.OnSensorData(func(id string, readings []Reading) {
		mu.Lock()
		lastEquipment = id
		lastReadings = readings
		mu.Unlock()
	})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	fc.emit(protocol.SessionEvent{Node: "press-1/temperature", Value: 20})
	fc.emit(protocol.SessionEvent{Node: "press-1/pressure", Value: 7})

	mu.Lock()
	assert.Equal(t, "press-1", lastEquipment)
	assert.Len(t, lastReadings, 2) // both types aggregate
	mu.Unlock()

	fc.emit(protocol.SessionEvent{Node: "press-1/temperature", Value: 25})

	mu.Lock()
	require.Len(t, lastReadings, 2) // same type replaces, not appends
	for _, r := range lastReadings {
		if r.Type == "temperature" {
			assert.Equal(t, 25.0, r.Value)
		}
	}
	mu.Unlock()
}

func TestMalformedEventsAreDropped(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	calls := 0
	var mu sync.Mutex
	svc.OnSensorData(func(string, []Reading) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	// No equipment separator: adapter declines, event dropped silently.
	fc.emit(protocol.SessionEvent{Node: "garbage", Value: 1})
	// Wrong event kind entirely.
	fc.emit(protocol.BusEvent{Subject: "x", Payload: []byte("{")})

	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()

	// A good event still flows after the bad ones.
	fc.emit(protocol.SessionEvent{Node: "press-1/temperature", Value: 20})
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestStatusSnapshotIsACopy(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	snap := svc.GetConnectionStatus()
	snap["bus"] = ConnectionStatus{State: protocol.StateError, LastError: "mutated"}

	fresh := svc.GetConnectionStatus()
	assert.Equal(t, protocol.StateDisconnected, fresh["bus"].State)
	assert.Empty(t, fresh["bus"].LastError)
}

func TestStatusNotifications_PerChange(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	var mu sync.Mutex
	var states []protocol.ConnectionState
	unsub := svc.OnConnectionStatus(func(status map[string]ConnectionStatus) {
		mu.Lock()
		states = append(states, status["bus"].State)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	mu.Lock()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, protocol.StateConnecting, states[0])
	assert.Equal(t, protocol.StateConnected, states[len(states)-1])
	mu.Unlock()
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	calls := 0
	var mu sync.Mutex
	unsub := svc.OnSensorData(func(string, []Reading) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	unsub()
	unsub() // second call is a no-op

	fc.emit(protocol.SessionEvent{Node: "press-1/temperature", Value: 20})
	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()
}

func TestClient_AccessErrors(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	_, err := svc.Client("opcua")
	require.Error(t, err)
	assert.True(t, sberrors.IsInvalid(err))

	_, err = svc.Client("bus")
	assert.ErrorIs(t, err, sberrors.ErrNotRunning)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	c, err := svc.Client("bus")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestRestartAfterStop(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(t, map[string]*fakeClient{"bus": fc}, quickPolicy(), breaker.Config{})

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	assert.True(t, svc.IsRunning())
	assert.Equal(t, 2, fc.connects())
	assert.Equal(t, protocol.StateConnected, svc.GetConnectionStatus()["bus"].State)
}
