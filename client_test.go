package iec104

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	lgtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		CommonAddress:     1,
		SendWindowK:       12,
		RecvAckW:          8,
		TimeoutConnect:    time.Second,
		TimeoutResponse:   500 * time.Millisecond,
		TimeoutRecvAck:    50 * time.Millisecond,
		TimeoutTest:       10 * time.Second,
		TimeoutCommand:    time.Second,
		TimeoutStop:       200 * time.Millisecond,
		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: 100 * time.Millisecond,
		HealthyPeriod:     time.Hour,
	}
}

// fakeRTU is the controlled-station end of an in-memory pipe. It decodes the
// client's frames into a channel and lets tests answer them explicitly.
type fakeRTU struct {
	conn   net.Conn
	frames chan *APDU
}

func newFakeRTU(conn net.Conn) *fakeRTU {
	r := &fakeRTU{conn: conn, frames: make(chan *APDU, 64)}
	go r.run()
	return r
}

func (r *fakeRTU) run() {
	defer close(r.frames)
	chunk := make([]byte, 1024)
	var buf []byte
	for {
		n, err := r.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				apdu, consumed, derr := decodeAPDU(buf)
				if derr != nil {
					break
				}
				buf = buf[consumed:]
				r.frames <- apdu
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *fakeRTU) send(t *testing.T, apdu *APDU) {
	t.Helper()
	data, err := apdu.MarshalBinary()
	require.NoError(t, err)
	_, err = r.conn.Write(data)
	require.NoError(t, err)
}

func (r *fakeRTU) expect(t *testing.T) *APDU {
	t.Helper()
	select {
	case apdu, ok := <-r.frames:
		require.True(t, ok, "client closed the connection")
		return apdu
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

// expectU asserts the next frame is the given U function.
func (r *fakeRTU) expectU(t *testing.T, cmd UFrameFunction) {
	t.Helper()
	apdu := r.expect(t)
	u, ok := apdu.Frame.(*UFrame)
	require.True(t, ok, "frame = %T, want *UFrame", apdu.Frame)
	require.Equal(t, cmd, u.Cmd)
}

// completeStart answers the STARTDT handshake.
func (r *fakeRTU) completeStart(t *testing.T) {
	t.Helper()
	r.expectU(t, UFrameFunctionStartDTA)
	r.send(t, &APDU{Frame: &UFrame{Cmd: UFrameFunctionStartDTC}})
}

func testLogger() logrus.FieldLogger {
	lg := logrus.New()
	lg.SetLevel(logrus.PanicLevel)
	return lg
}

// newTestClient wires a client to a pipe dialer. Every dial attempt delivers
// the station end of a fresh pipe on the returned channel.
func newTestClient(t *testing.T, cfg Config, opts ...func(*ClientOption)) (*Client, <-chan *fakeRTU, *atomic.Int32) {
	t.Helper()
	rtus := make(chan *fakeRTU, 64)
	var dials atomic.Int32
	option, err := NewClientOption("tcp://rtu.test:2404")
	require.NoError(t, err)
	option.SetConfig(cfg).
		SetDeviceID("rtu-1").
		SetLogger(testLogger()).
		SetDialer(func(ctx context.Context) (Transport, error) {
			dials.Add(1)
			client, server := net.Pipe()
			rtus <- newFakeRTU(server)
			return client, nil
		})
	for _, o := range opts {
		o(option)
	}
	c, err := NewClient(option)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, rtus, &dials
}

func TestClient_HandshakeAndPoints(t *testing.T) {
	points := make(chan NormalizedPoint, 16)
	c, rtus, _ := newTestClient(t, testConfig(), func(o *ClientOption) {
		o.SetPointHandler(func(p NormalizedPoint) { points <- p })
	})
	require.NoError(t, c.Connect())

	rtu := <-rtus
	assert.False(t, c.IsConnected())
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDataTransfer, c.State())

	rtu.send(t, &APDU{
		Frame: &IFrame{SendSN: 0, RecvSN: 0},
		ASDU: &ASDU{
			typeID: MSpNa1,
			nObjs:  1,
			cot:    CotSpt,
			coa:    1,
			ios:    []*InformationObject{{ioa: 10, raw: []byte{0x01}}},
		},
	})

	select {
	case p := <-points:
		assert.Equal(t, "rtu-1", p.DeviceID)
		assert.Equal(t, IOA(10), p.Address)
		assert.Equal(t, 1.0, p.Value)
		assert.Equal(t, CotSpt, p.Cause)
	case <-time.After(time.Second):
		t.Fatal("no point published")
	}

	// the t2 timer forces the acknowledgement out
	apdu := rtu.expect(t)
	s, ok := apdu.Frame.(*SFrame)
	require.True(t, ok, "frame = %T, want *SFrame", apdu.Frame)
	assert.Equal(t, uint16(1), s.RecvSN)
}

func TestClient_CommandLifecycle(t *testing.T) {
	c, rtus, _ := newTestClient(t, testConfig())
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	result := make(chan error, 1)
	go func() {
		result <- c.SendCommand(CommandRequest{Address: 100, Type: CommandSingle, Value: 1})
	}()

	apdu := rtu.expect(t)
	require.Equal(t, FrameTypeI, apdu.Frame.Type())
	require.Equal(t, CScNa1, apdu.ASDU.Type())
	require.Equal(t, CotAct, apdu.ASDU.Cause())
	require.Equal(t, IOA(100), apdu.ASDU.Objects()[0].Address())

	rtu.send(t, &APDU{Frame: &IFrame{SendSN: 0, RecvSN: 1}, ASDU: mirror(CScNa1, CotActCon, false, 100)})
	rtu.send(t, &APDU{Frame: &IFrame{SendSN: 1, RecvSN: 1}, ASDU: mirror(CScNa1, CotActTerm, false, 100)})

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("command never settled")
	}
}

func TestClient_CommandRejected(t *testing.T) {
	c, rtus, _ := newTestClient(t, testConfig())
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	result := make(chan error, 1)
	go func() {
		result <- c.SendCommand(CommandRequest{Address: 100, Type: CommandSingle, Value: 1})
	}()
	rtu.expect(t)
	rtu.send(t, &APDU{Frame: &IFrame{SendSN: 0, RecvSN: 1}, ASDU: mirror(CScNa1, CotActCon, true, 100)})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrCommandRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("command never settled")
	}
}

func TestClient_CommandTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutCommand = 50 * time.Millisecond
	c, rtus, _ := newTestClient(t, cfg)
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	// station stays silent after the activation
	result := make(chan error, 1)
	go func() {
		result <- c.SendCommand(CommandRequest{Address: 100, Type: CommandSingle, Value: 1})
	}()
	rtu.expect(t)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrCommandTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("command never settled")
	}
	// the session survives a command timeout
	assert.True(t, c.IsConnected())
}

func TestClient_SendCommandNotConnected(t *testing.T) {
	c, _, _ := newTestClient(t, testConfig())
	// Connect not called, still disconnected
	err := c.SendCommand(CommandRequest{Address: 1, Type: CommandSingle})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.SendGeneralInterrogation(), ErrNotConnected)
}

func TestClient_InterrogateOnStart(t *testing.T) {
	cfg := testConfig()
	cfg.InterrogateOnStart = true
	c, rtus, _ := newTestClient(t, cfg)
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)

	apdu := rtu.expect(t)
	require.Equal(t, FrameTypeI, apdu.Frame.Type())
	assert.Equal(t, CIcNa1, apdu.ASDU.Type())
	assert.Equal(t, CotAct, apdu.ASDU.Cause())
}

func TestClient_TestFrameExchange(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutTest = 50 * time.Millisecond
	c, rtus, _ := newTestClient(t, cfg)
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	// idle link: the client probes with TESTFR and stays up once confirmed
	rtu.expectU(t, UFrameFunctionTestFA)
	rtu.send(t, &APDU{Frame: &UFrame{Cmd: UFrameFunctionTestFC}})

	rtu.expectU(t, UFrameFunctionTestFA)
	rtu.send(t, &APDU{Frame: &UFrame{Cmd: UFrameFunctionTestFC}})
	assert.True(t, c.IsConnected())

	// answer the station's own probe
	rtu.send(t, &APDU{Frame: &UFrame{Cmd: UFrameFunctionTestFA}})
	rtu.expectU(t, UFrameFunctionTestFC)
}

func TestClient_TestFrameTimeoutReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutTest = 30 * time.Millisecond
	cfg.TimeoutResponse = 60 * time.Millisecond
	cfg.TimeoutRecvAck = 20 * time.Millisecond
	c, rtus, dials := newTestClient(t, cfg)
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	// ignore the TESTFR activation; t1 must kill the session and reconnect
	rtu.expectU(t, UFrameFunctionTestFA)
	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_MalformedFrameReconnects(t *testing.T) {
	c, rtus, dials := newTestClient(t, testConfig())
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	_, err := rtu.conn.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_SequenceMismatchReconnects(t *testing.T) {
	c, rtus, dials := newTestClient(t, testConfig())
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	// send sequence number jumps ahead: the stream lost a frame
	rtu.send(t, &APDU{
		Frame: &IFrame{SendSN: 5, RecvSN: 0},
		ASDU: &ASDU{
			typeID: MSpNa1, nObjs: 1, cot: CotSpt, coa: 1,
			ios: []*InformationObject{{ioa: 10, raw: []byte{0x01}}},
		},
	})
	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_GracefulClose(t *testing.T) {
	c, rtus, _ := newTestClient(t, testConfig())
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rtu.expectU(t, UFrameFunctionStopDTA)
		rtu.send(t, &APDU{Frame: &UFrame{Cmd: UFrameFunctionStopDTC}})
	}()

	require.NoError(t, c.Close())
	<-done
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.SendCommand(CommandRequest{Address: 1, Type: CommandSingle}), ErrNotConnected)

	// Close is idempotent
	assert.NoError(t, c.Close())
}

func TestClient_ReconnectBackoff(t *testing.T) {
	cfg := testConfig()
	var dials atomic.Int32
	option, err := NewClientOption("tcp://rtu.test:2404")
	require.NoError(t, err)
	rtus := make(chan *fakeRTU, 8)
	option.SetConfig(cfg).
		SetLogger(testLogger()).
		SetDialer(func(ctx context.Context) (Transport, error) {
			if dials.Add(1) < 3 {
				return nil, context.DeadlineExceeded
			}
			client, server := net.Pipe()
			rtus <- newFakeRTU(server)
			return client, nil
		})
	c, err := NewClient(option)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, dials.Load(), int32(3))
}

func TestClient_BackoffDoubles(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectMinDelay = 60 * time.Millisecond
	cfg.ReconnectMaxDelay = time.Second

	var mu sync.Mutex
	var attempts []time.Time
	option, err := NewClientOption("tcp://rtu.test:2404")
	require.NoError(t, err)
	option.SetConfig(cfg).
		SetLogger(testLogger()).
		SetDialer(func(ctx context.Context) (Transport, error) {
			mu.Lock()
			attempts = append(attempts, time.Now())
			mu.Unlock()
			return nil, context.DeadlineExceeded
		})
	c, err := NewClient(option)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 4
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	var gaps [3]time.Duration
	for i := range gaps {
		gaps[i] = attempts[i+1].Sub(attempts[i])
	}
	// expected schedule 60ms, 120ms, 240ms; the upper bounds leave slack
	// for scheduling but rule out a constant or non-doubling delay
	assert.GreaterOrEqual(t, gaps[0], 60*time.Millisecond)
	assert.Less(t, gaps[0], 120*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 120*time.Millisecond)
	assert.Less(t, gaps[1], 240*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[2], 240*time.Millisecond)
}

func TestClient_BackoffResetsAfterHealthySession(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectMinDelay = 60 * time.Millisecond
	cfg.ReconnectMaxDelay = time.Second
	cfg.HealthyPeriod = 20 * time.Millisecond

	var mu sync.Mutex
	var attempts []time.Time
	rtus := make(chan *fakeRTU, 8)
	option, err := NewClientOption("tcp://rtu.test:2404")
	require.NoError(t, err)
	option.SetConfig(cfg).
		SetLogger(testLogger()).
		SetDialer(func(ctx context.Context) (Transport, error) {
			mu.Lock()
			attempts = append(attempts, time.Now())
			n := len(attempts)
			mu.Unlock()
			if n <= 2 {
				return nil, context.DeadlineExceeded
			}
			client, server := net.Pipe()
			rtus <- newFakeRTU(server)
			return client, nil
		})
	c, err := NewClient(option)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect())

	// two failed attempts grow the delay to 240ms
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)

	// hold data transfer past the healthy period, then drop the link
	time.Sleep(2 * cfg.HealthyPeriod)
	closedAt := time.Now()
	rtu.conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	gap := attempts[3].Sub(closedAt)
	mu.Unlock()
	// the healthy session must have reset the delay to the minimum; the
	// un-reset schedule would wait 240ms
	assert.GreaterOrEqual(t, gap, 60*time.Millisecond)
	assert.Less(t, gap, 240*time.Millisecond)
}

func TestClient_EndOfInitializationLogged(t *testing.T) {
	lg, hook := lgtest.NewNullLogger()
	points := make(chan NormalizedPoint, 4)
	c, rtus, _ := newTestClient(t, testConfig(), func(o *ClientOption) {
		o.SetLogger(lg)
		o.SetPointHandler(func(p NormalizedPoint) { points <- p })
	})
	require.NoError(t, c.Connect())
	rtu := <-rtus
	rtu.completeStart(t)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	rtu.send(t, &APDU{
		Frame: &IFrame{SendSN: 0, RecvSN: 0},
		ASDU: &ASDU{
			typeID: MEiNa1,
			nObjs:  1,
			cot:    CotInit,
			coa:    1,
			ios:    []*InformationObject{{ioa: 0, raw: []byte{0x00}}},
		},
	})

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if strings.Contains(e.Message, "end of initialization") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, points, "end of initialization is not a process value")
	assert.True(t, c.IsConnected())
}

// noDeadlineConn simulates a transport that rejects read deadlines.
type noDeadlineConn struct{ net.Conn }

func (noDeadlineConn) SetReadDeadline(time.Time) error {
	return errors.New("deadlines not supported")
}

func TestClient_DeadlineUnsupportedFailsSession(t *testing.T) {
	var dials atomic.Int32
	option, err := NewClientOption("tcp://rtu.test:2404")
	require.NoError(t, err)
	option.SetConfig(testConfig()).
		SetLogger(testLogger()).
		SetDialer(func(ctx context.Context) (Transport, error) {
			dials.Add(1)
			client, server := net.Pipe()
			go io.Copy(io.Discard, server)
			return noDeadlineConn{client}, nil
		})
	c, err := NewClient(option)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect())

	// the session must fail rather than run without a working deadline
	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.IsConnected())
}

func TestClient_ConnectTwice(t *testing.T) {
	c, rtus, _ := newTestClient(t, testConfig())
	require.NoError(t, c.Connect())
	assert.Error(t, c.Connect())
	(<-rtus).completeStart(t)
}
