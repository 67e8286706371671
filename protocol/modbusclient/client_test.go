package modbusclient

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorbridge/errors"
	"github.com/c360/sensorbridge/protocol"
)

// fakeConn is an in-memory register bank standing in for a Modbus device.
type fakeConn struct {
	mu       sync.Mutex
	holding  map[uint16]uint16
	input    map[uint16]uint16
	readErr  error
	writeErr error
	closed   bool
	reads    int
	writes   []uint16
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		holding: make(map[uint16]uint16),
		input:   make(map[uint16]uint16),
	}
}

func (f *fakeConn) read(bank map[uint16]uint16, address uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, bank[address])
	return out, nil
}

func (f *fakeConn) ReadHoldingRegisters(address, _ uint16) ([]byte, error) {
	return f.read(f.holding, address)
}

func (f *fakeConn) ReadInputRegisters(address, _ uint16) ([]byte, error) {
	return f.read(f.input, address)
}

func (f *fakeConn) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.holding[address] = value
	f.writes = append(f.writes, value)
	return nil, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) set(bank map[uint16]uint16, address, value uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bank[address] = value
}

func (f *fakeConn) failReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testConfig() Config {
	return Config{
		Endpoint:     "10.0.0.5:502",
		PollInterval: 10 * time.Millisecond,
		Points: []Point{
			{Name: "press-1/temperature", Address: 0, Scale: 0.1},
			{Name: "press-1/pressure", Kind: KindInput, Address: 1},
		},
	}
}

// newTestClient builds a client whose dial hands out the given fake.
func newTestClient(t *testing.T, cfg Config, conn *fakeConn) *Client {
	t.Helper()
	c, err := New(cfg, nil)
	require.NoError(t, err)
	c.dial = func() (registerConn, error) { return conn, nil }
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(Config{Endpoint: "10.0.0.5:502"}, nil)
	require.Error(t, err) // no points

	_, err = New(Config{
		Endpoint: "10.0.0.5:502",
		Points:   []Point{{Name: "a", Address: 0}, {Name: "a", Address: 1}},
	}, nil)
	require.Error(t, err) // duplicate name

	_, err = New(Config{
		Endpoint: "10.0.0.5:502",
		Points:   []Point{{Name: "a", Kind: "coil", Address: 0}},
	}, nil)
	require.Error(t, err) // unknown kind

	c, err := New(Config{Endpoint: "10.0.0.5:502", Points: []Point{{Name: "a"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	assert.Equal(t, DefaultPollInterval, c.cfg.PollInterval)
	assert.Equal(t, protocol.StateDisconnected, c.State())
}

func TestConnectReadDisconnect(t *testing.T) {
	conn := newFakeConn()
	conn.set(conn.holding, 0, 235) // 23.5 after scaling
	c := newTestClient(t, testConfig(), conn)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())
	assert.Equal(t, protocol.StateConnected, c.State())

	ev, err := c.Read(ctx, "press-1/temperature")
	require.NoError(t, err)
	se, ok := ev.(protocol.SessionEvent)
	require.True(t, ok)
	assert.InDelta(t, 23.5, se.Value, 1e-9)
	assert.Equal(t, "press-1/temperature", ev.Address())

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.IsConnected())
	assert.True(t, conn.isClosed())
	require.NoError(t, c.Disconnect(ctx)) // idempotent
}

func TestRead_Errors(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, testConfig(), conn)
	ctx := context.Background()

	_, err := c.Read(ctx, "press-1/temperature")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err)) // not connected

	require.NoError(t, c.Connect(ctx))
	_, err = c.Read(ctx, "no/such/point")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSubscribe_EmitsEveryPoint(t *testing.T) {
	conn := newFakeConn()
	conn.set(conn.holding, 0, 100)
	conn.set(conn.input, 1, 42)
	c := newTestClient(t, testConfig(), conn)

	var mu sync.Mutex
	got := make(map[string]float64)
	c.OnData(func(ev protocol.Event) {
		se := ev.(protocol.SessionEvent)
		mu.Lock()
		got[se.Node] = se.Value
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Subscribe(ctx))
	require.NoError(t, c.Subscribe(ctx)) // second call is a no-op

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.InDelta(t, 10.0, got["press-1/temperature"], 1e-9)
	assert.InDelta(t, 42.0, got["press-1/pressure"], 1e-9)
	mu.Unlock()

	require.NoError(t, c.Disconnect(ctx))
}

func TestSubscribe_RequiresConnection(t *testing.T) {
	c := newTestClient(t, testConfig(), newFakeConn())
	err := c.Subscribe(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestPollFailure_ReportsDisconnect(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, testConfig(), conn)

	stateCh := make(chan protocol.ConnectionState, 8)
	c.OnStateChange(func(state protocol.ConnectionState, err error) {
		stateCh <- state
	})

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	<-stateCh // connected

	require.NoError(t, c.Subscribe(ctx))
	conn.failReads(assert.AnError)

	select {
	case state := <-stateCh:
		assert.Equal(t, protocol.StateDisconnected, state)
	case <-time.After(time.Second):
		t.Fatal("no disconnect notification after poll failure")
	}
	assert.False(t, c.IsConnected())
	assert.True(t, conn.isClosed())
}

func TestWrite(t *testing.T) {
	conn := newFakeConn()
	cfg := testConfig()
	cfg.Points[0].Offset = -10 // value = raw*0.1 - 10
	c := newTestClient(t, cfg, conn)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	// 13.5 de-scales to register value 235.
	require.NoError(t, c.Write(ctx, "press-1/temperature", 13.5))
	require.Len(t, conn.writes, 1)
	assert.Equal(t, uint16(235), conn.writes[0])

	err := c.Write(ctx, "press-1/pressure", 1.0)
	require.Error(t, err) // input registers are read-only
	assert.True(t, errors.IsInvalid(err))

	err = c.Write(ctx, "press-1/temperature", "not a number")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = c.Write(ctx, "press-1/temperature", 1e9)
	require.Error(t, err) // out of register range
	assert.True(t, errors.IsInvalid(err))
}

func TestBrowse(t *testing.T) {
	c := newTestClient(t, testConfig(), newFakeConn())
	ctx := context.Background()

	all, err := c.Browse(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"press-1/temperature", "press-1/pressure"}, all)

	some, err := c.Browse(ctx, "press-1/t")
	require.NoError(t, err)
	assert.Equal(t, []string{"press-1/temperature"}, some)

	none, err := c.Browse(ctx, "press-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConnect_DialFailure(t *testing.T) {
	c, err := New(testConfig(), nil)
	require.NoError(t, err)
	c.dial = func() (registerConn, error) { return nil, assert.AnError }

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, protocol.StateError, c.State())
}
