package iec104

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the connection lifecycle position of a client.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStartPending // STARTDT activation sent, confirmation outstanding
	StateDataTransfer
	StateStopPending // STOPDT activation sent, confirmation outstanding
	StateClosed      // terminal, set only by Close
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStartPending:
		return "start-pending"
	case StateDataTransfer:
		return "data-transfer"
	case StateStopPending:
		return "stop-pending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// closeWait bounds how long Close waits for the session goroutines.
const closeWait = 5 * time.Second

/*
Client is an IEC 104 controlling station endpoint: it owns one connection to
a controlled station (RTU), runs the STARTDT/STOPDT lifecycle and the k/w
sequence windows on it, and reconnects with exponential backoff whenever the
session dies.

One goroutine (the session goroutine) owns all protocol state and performs
all writes; a reader goroutine feeds it decoded frames over a channel.
Commands enter through a bounded request channel, so Client is safe for
concurrent use.
*/
type Client struct {
	option *ClientOption
	cfg    Config
	lg     logrus.FieldLogger

	dial Dialer
	tr   translator
	disp *cmdDispatcher

	state    atomic.Uint32
	requests chan *request
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
}

type request struct {
	cmd  *CommandRequest // nil for an interrogation request
	gi   TypeID
	resp chan reqReply
}

type reqReply struct {
	entry *commandEntry
	err   error
}

func NewClient(option *ClientOption) (*Client, error) {
	if option == nil {
		return nil, fmt.Errorf("client option is required")
	}
	cfg := option.cfg
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	dial := option.dial
	if dial == nil {
		var err error
		if dial, err = dialerFor(option.server, option.tc); err != nil {
			return nil, err
		}
	}
	lg := option.lg.WithFields(logrus.Fields{
		"server": option.server.String(),
		"device": option.deviceID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		option: option,
		cfg:    cfg,
		lg:     lg,
		dial:   dial,
		tr: translator{
			coa:            cfg.CommonAddress,
			org:            cfg.Originator,
			deviceID:       option.deviceID,
			forwardInvalid: cfg.ForwardInvalid,
		},
		disp:     newCmdDispatcher(cfg.TimeoutCommand, lg),
		requests: make(chan *request, 16),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	return c, nil
}

// Connect starts the connection manager. It returns immediately; the session
// is established in the background and retried until Close.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return fmt.Errorf("client already started")
	}
	c.started = true
	go c.manage()
	return nil
}

// Close shuts the client down: the session is stopped gracefully (STOPDT
// exchange, bounded by TimeoutStop) and all in-flight commands fail with
// ErrClosed. Close is idempotent and never blocks longer than a few seconds.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.cancel()
	if !started {
		c.state.Store(uint32(StateClosed))
		close(c.done)
		return nil
	}
	select {
	case <-c.done:
	case <-time.After(closeWait):
		c.lg.Warn("session did not stop in time, abandoning goroutines")
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// IsConnected reports whether the session is in data transfer.
func (c *Client) IsConnected() bool { return c.State() == StateDataTransfer }

/*
SendCommand executes one control command and blocks until the station
terminates it, rejects it, or the command times out. At most one command may
be in flight per information object address; a second one fails immediately
with ErrCommandBusy. Fails with ErrNotConnected unless the session is in
data transfer.
*/
func (c *Client) SendCommand(req CommandRequest) error {
	if c.State() != StateDataTransfer {
		return ErrNotConnected
	}
	r := &request{cmd: &req, resp: make(chan reqReply, 1)}
	select {
	case c.requests <- r:
	case <-c.ctx.Done():
		return ErrClosed
	}
	var reply reqReply
	select {
	case reply = <-r.resp:
	case <-c.ctx.Done():
		return ErrClosed
	}
	if reply.err != nil {
		return reply.err
	}
	select {
	case err := <-reply.entry.result:
		return err
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// SendGeneralInterrogation requests the current value of every point of the
// station (C_IC_NA_1). It returns once the activation is accepted for
// sending; the resulting points arrive through the point handler.
func (c *Client) SendGeneralInterrogation() error {
	return c.sendInterrogation(CIcNa1)
}

// SendCounterInterrogation requests the integrated totals of the station
// (C_CI_NA_1).
func (c *Client) SendCounterInterrogation() error {
	return c.sendInterrogation(CCiNa1)
}

func (c *Client) sendInterrogation(id TypeID) error {
	if c.State() != StateDataTransfer {
		return ErrNotConnected
	}
	r := &request{gi: id, resp: make(chan reqReply, 1)}
	select {
	case c.requests <- r:
	case <-c.ctx.Done():
		return ErrClosed
	}
	select {
	case reply := <-r.resp:
		return reply.err
	case <-c.ctx.Done():
		return ErrClosed
	}
}

/*
manage is the connection manager: it runs sessions back to back, separated by
an exponential backoff that doubles on failure (capped at ReconnectMaxDelay)
and resets once a session has held data transfer for HealthyPeriod.
*/
func (c *Client) manage() {
	defer func() {
		c.state.Store(uint32(StateClosed))
		c.disp.failAll(ErrClosed)
		c.drainRequests(ErrClosed)
		close(c.done)
	}()

	delay := c.cfg.ReconnectMinDelay
	for {
		healthy, err := c.runSession(c.ctx)
		c.state.Store(uint32(StateDisconnected))
		c.disp.failAll(ErrNotConnected)
		c.drainRequests(ErrNotConnected)
		if c.ctx.Err() != nil {
			return
		}

		if healthy >= c.cfg.HealthyPeriod {
			delay = c.cfg.ReconnectMinDelay
		}
		c.lg.WithError(err).Warnf("session ended, reconnecting in %s", delay)
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
		if delay *= 2; delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

func (c *Client) drainRequests(err error) {
	for {
		select {
		case r := <-c.requests:
			r.resp <- reqReply{err: err}
		default:
			return
		}
	}
}

type frameEvent struct {
	apdu *APDU
	err  error
}

// session carries the per-connection state owned by the session goroutine.
type session struct {
	c      *Client
	conn   Transport
	seq    *seqTracker
	events <-chan frameEvent

	// held back while the send window is full, flushed on acknowledgement
	sendQueue []*ASDU

	testPending bool
	handshaking bool // STARTDT confirmation outstanding
	t1          *time.Timer
	t2          *time.Timer
	t3          *time.Timer
	t2armed     bool
}

/*
runSession dials, performs the STARTDT handshake and runs the event loop
until the connection dies or the client context is cancelled. It reports how
long the session held data transfer, for the manager's backoff reset.
*/
func (c *Client) runSession(ctx context.Context) (healthy time.Duration, err error) {
	c.state.Store(uint32(StateConnecting))
	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.TimeoutConnect)
	conn, err := c.dial(dialCtx)
	cancelDial()
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}

	sessCtx, cancelSess := context.WithCancel(ctx)
	events := make(chan frameEvent, 32)
	var rdWg sync.WaitGroup
	rdWg.Add(1)
	go func() {
		defer rdWg.Done()
		c.readLoop(sessCtx, conn, events)
	}()
	defer func() {
		cancelSess()
		conn.Close()
		rdWg.Wait()
	}()

	s := &session{
		c:      c,
		conn:   conn,
		seq:    newSeqTracker(c.cfg.SendWindowK, c.cfg.RecvAckW),
		events: events,
		t1:     newStoppedTimer(),
		t2:     newStoppedTimer(),
		t3:     time.NewTimer(c.cfg.TimeoutTest),
	}
	defer s.t1.Stop()
	defer s.t2.Stop()
	defer s.t3.Stop()

	var dtEntered time.Time
	defer func() {
		if !dtEntered.IsZero() {
			healthy = time.Since(dtEntered)
		}
		if c.option.onDisconnect != nil && !dtEntered.IsZero() {
			c.option.onDisconnect(c)
		}
	}()

	c.state.Store(uint32(StateStartPending))
	s.handshaking = true
	if err := s.writeUFrame(UFrameFunctionStartDTA); err != nil {
		return 0, err
	}
	s.armT1()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return 0, fmt.Errorf("connection closed")
			}
			if ev.err != nil {
				return 0, ev.err
			}
			if err := s.handleAPDU(ev.apdu, &dtEntered); err != nil {
				return 0, err
			}

		case r := <-c.requests:
			s.handleRequest(r)

		case <-s.t1.C:
			return 0, fmt.Errorf("no acknowledgement within t1 (%s)", c.cfg.TimeoutResponse)

		case <-s.t2.C:
			s.t2armed = false
			if err := s.writeSFrame(); err != nil {
				return 0, err
			}

		case <-s.t3.C:
			s.testPending = true
			if err := s.writeUFrame(UFrameFunctionTestFA); err != nil {
				return 0, err
			}
			s.armT1()

		case addr := <-c.disp.expired:
			c.disp.expire(addr)

		case <-ctx.Done():
			return 0, s.gracefulStop()
		}
	}
}

// gracefulStop runs the STOPDT exchange, bounded by TimeoutStop. Only
// attempted from data transfer; otherwise the connection just closes.
func (s *session) gracefulStop() error {
	if s.c.State() != StateDataTransfer {
		return nil
	}
	s.c.state.Store(uint32(StateStopPending))
	if err := s.writeUFrame(UFrameFunctionStopDTA); err != nil {
		return nil
	}
	deadline := time.NewTimer(s.c.cfg.TimeoutStop)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-s.events:
			if !ok || ev.err != nil {
				return nil
			}
			if u, isU := ev.apdu.Frame.(*UFrame); isU && u.Cmd == UFrameFunctionStopDTC {
				return nil
			}
			// late I-frames during stop pending are discarded
		case <-deadline.C:
			s.c.lg.Warn("no STOPDT confirmation, closing anyway")
			return nil
		}
	}
}

func (s *session) handleAPDU(apdu *APDU, dtEntered *time.Time) error {
	c := s.c
	resetTimer(s.t3, c.cfg.TimeoutTest)

	switch f := apdu.Frame.(type) {
	case *UFrame:
		switch f.Cmd {
		case UFrameFunctionStartDTC:
			if c.State() != StateStartPending {
				c.lg.Warnf("unexpected %s in state %s", f.Cmd, c.State())
				return nil
			}
			s.handshaking = false
			s.stopT1IfIdle()
			s.seq.reset()
			*dtEntered = time.Now()
			c.state.Store(uint32(StateDataTransfer))
			c.lg.Info("data transfer started")
			if c.option.onConnect != nil {
				c.option.onConnect(c)
			}
			if c.cfg.InterrogateOnStart {
				return s.writeIFrame(c.tr.interrogationASDU(CIcNa1))
			}
		case UFrameFunctionTestFA:
			return s.writeUFrame(UFrameFunctionTestFC)
		case UFrameFunctionTestFC:
			s.testPending = false
			s.stopT1IfIdle()
		case UFrameFunctionStopDTC:
			c.lg.Warn("unsolicited STOPDT confirmation")
		default:
			// StartDTA/StopDTA only travel station-bound
			c.lg.Warnf("unexpected u-frame %s from station", f.Cmd)
		}
		return nil

	case *SFrame:
		if err := s.seq.ackWindow(f.RecvSN); err != nil {
			return err
		}
		s.stopT1IfIdle()
		return s.flushQueue()

	case *IFrame:
		if c.State() != StateDataTransfer {
			return fmt.Errorf("i-frame in state %s", c.State())
		}
		if err := s.seq.onReceive(f.SendSN); err != nil {
			return err
		}
		if err := s.seq.ackWindow(f.RecvSN); err != nil {
			return err
		}
		s.stopT1IfIdle()
		if err := s.flushQueue(); err != nil {
			return err
		}
		s.handleASDU(apdu.ASDU)

		if s.seq.needAck() {
			stopTimer(s.t2)
			s.t2armed = false
			return s.writeSFrame()
		}
		if !s.t2armed {
			resetTimer(s.t2, c.cfg.TimeoutRecvAck)
			s.t2armed = true
		}
		return nil
	}
	return nil
}

func (s *session) handleASDU(asdu *ASDU) {
	c := s.c
	if asdu.CommonAddress() != c.cfg.CommonAddress {
		c.lg.Warnf("asdu for station %d, configured for %d, dropped", asdu.CommonAddress(), c.cfg.CommonAddress)
		return
	}
	if c.disp.onASDU(asdu) {
		return
	}
	if asdu.Type() == CIcNa1 || asdu.Type() == CCiNa1 {
		// interrogation confirmation / termination, nothing to forward
		return
	}
	if asdu.Type() == MEiNa1 {
		var coi float64
		if objs := asdu.Objects(); len(objs) > 0 {
			coi = objs[0].Value()
		}
		c.lg.Infof("station end of initialization (coi=%v)", coi)
		return
	}
	points, err := c.tr.decodePoints(asdu)
	if err != nil {
		c.lg.WithError(err).Warn("asdu skipped")
		return
	}
	if c.option.onPoint != nil {
		for _, p := range points {
			c.option.onPoint(p)
		}
	}
}

func (s *session) handleRequest(r *request) {
	c := s.c
	if c.State() != StateDataTransfer {
		r.resp <- reqReply{err: ErrNotConnected}
		return
	}
	if r.cmd == nil {
		r.resp <- reqReply{err: s.writeIFrame(c.tr.interrogationASDU(r.gi))}
		return
	}

	entry, err := c.disp.add(*r.cmd)
	if err != nil {
		r.resp <- reqReply{err: err}
		return
	}
	asdu, err := c.tr.encodeCommand(*r.cmd)
	if err == nil {
		err = s.writeIFrame(asdu)
	}
	if err != nil {
		c.disp.remove(r.cmd.Address)
		r.resp <- reqReply{err: err}
		return
	}
	c.disp.markSent(entry)
	r.resp <- reqReply{entry: entry}
}

// writeIFrame sends the ASDU in an I-frame, or queues it while the send
// window is full. The receive sequence number piggybacks the acknowledgement.
func (s *session) writeIFrame(asdu *ASDU) error {
	if s.seq.windowFull() {
		s.sendQueue = append(s.sendQueue, asdu)
		s.c.lg.Debugf("send window full, queued asdu type %d (%d waiting)", asdu.Type(), len(s.sendQueue))
		return nil
	}
	ssn, err := s.seq.nextSend()
	if err != nil {
		return err
	}
	s.seq.ackEmitted()
	stopTimer(s.t2)
	s.t2armed = false
	apdu := &APDU{Frame: &IFrame{SendSN: ssn, RecvSN: s.seq.vr}, ASDU: asdu}
	if err := s.write(apdu); err != nil {
		return err
	}
	s.armT1()
	return nil
}

func (s *session) flushQueue() error {
	for len(s.sendQueue) > 0 && !s.seq.windowFull() {
		asdu := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]
		if err := s.writeIFrame(asdu); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) writeSFrame() error {
	s.seq.ackEmitted()
	return s.write(&APDU{Frame: &SFrame{RecvSN: s.seq.vr}})
}

func (s *session) writeUFrame(cmd UFrameFunction) error {
	return s.write(&APDU{Frame: &UFrame{Cmd: cmd}})
}

func (s *session) write(apdu *APDU) error {
	data, err := apdu.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	resetTimer(s.t3, s.c.cfg.TimeoutTest)
	return nil
}

// armT1 (re)starts the acknowledgement timeout. Every sent I-frame or
// U-frame activation restarts it; it stops once nothing awaits a response.
func (s *session) armT1() {
	resetTimer(s.t1, s.c.cfg.TimeoutResponse)
}

func (s *session) stopT1IfIdle() {
	if s.seq.unacked == 0 && !s.testPending && !s.handshaking {
		stopTimer(s.t1)
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

// stopTimer stops t and drains a value that already fired, so a later Reset
// cannot deliver a stale expiry.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

/*
readLoop pulls bytes off the transport, reassembles APDUs across read
boundaries and hands them to the session goroutine. Short read deadlines let
it observe cancellation; a decode error ends the loop because framing can no
longer be trusted.
*/
func (c *Client) readLoop(ctx context.Context, conn Transport, events chan<- frameEvent) {
	defer close(events)
	chunk := make([]byte, 4096)
	var recvBuf []byte
	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			// a transport without working deadlines cannot observe
			// cancellation; refuse to run on it
			select {
			case events <- frameEvent{err: fmt.Errorf("set read deadline: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			recvBuf = append(recvBuf, chunk[:n]...)
			for {
				apdu, consumed, derr := decodeAPDU(recvBuf)
				if errors.Is(derr, ErrTruncated) {
					break
				}
				if derr != nil {
					select {
					case events <- frameEvent{err: derr}:
					case <-ctx.Done():
					}
					return
				}
				recvBuf = recvBuf[consumed:]
				select {
				case events <- frameEvent{apdu: apdu}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case events <- frameEvent{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}
