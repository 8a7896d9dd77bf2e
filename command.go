package iec104

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// CommandState is the lifecycle position of one in-flight command.
type CommandState uint8

const (
	CommandPending    CommandState = iota // queued, not yet written
	CommandSent                           // activation written to the wire
	CommandConfirmed                      // positive activation confirmation received
	CommandTerminated                     // activation termination received
	CommandRejected                       // negative confirmation or unknown-* cause
	CommandTimedOut                       // no terminal response within the command timeout
)

func (s CommandState) String() string {
	switch s {
	case CommandPending:
		return "pending"
	case CommandSent:
		return "sent"
	case CommandConfirmed:
		return "confirmed"
	case CommandTerminated:
		return "terminated"
	case CommandRejected:
		return "rejected"
	case CommandTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("CommandState(%d)", s)
	}
}

type commandEntry struct {
	req      CommandRequest
	id       TypeID
	state    CommandState
	deadline time.Time

	// result is buffered so the dispatcher never blocks on a caller that
	// already gave up waiting.
	result chan error
	timer  *time.Timer
}

func (e *commandEntry) finish(state CommandState, err error) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.state = state
	e.result <- err
}

/*
cmdDispatcher tracks the in-flight commands of one client across the
activation / activation-confirmation / activation-termination exchange. At
most one command may be in flight per information object address.

All methods except the timer callback run on the session goroutine; the timer
only posts the address to expired, which the session goroutine consumes. The
pending map survives reconnects, commands do not: failAll drains it whenever
the session dies.
*/
type cmdDispatcher struct {
	pending map[IOA]*commandEntry
	timeout time.Duration
	expired chan IOA
	lg      logrus.FieldLogger
}

func newCmdDispatcher(timeout time.Duration, lg logrus.FieldLogger) *cmdDispatcher {
	return &cmdDispatcher{
		pending: make(map[IOA]*commandEntry),
		timeout: timeout,
		expired: make(chan IOA, 16),
		lg:      lg,
	}
}

// add registers a new command. ErrCommandBusy when the address already has
// one in flight.
func (d *cmdDispatcher) add(req CommandRequest) (*commandEntry, error) {
	if _, busy := d.pending[req.Address]; busy {
		return nil, fmt.Errorf("%w: ioa %d", ErrCommandBusy, req.Address)
	}
	id, ok := req.Type.asduType()
	if !ok {
		return nil, fmt.Errorf("%w: command type %d", ErrUnsupportedType, req.Type)
	}
	e := &commandEntry{
		req:    req,
		id:     id,
		state:  CommandPending,
		result: make(chan error, 1),
	}
	d.pending[req.Address] = e
	return e, nil
}

// markSent arms the command timeout once the activation is on the wire.
func (d *cmdDispatcher) markSent(e *commandEntry) {
	e.state = CommandSent
	e.deadline = time.Now().Add(d.timeout)
	addr := e.req.Address
	e.timer = time.AfterFunc(d.timeout, func() {
		select {
		case d.expired <- addr:
		default:
			// notification dropped; expire sweeps overdue entries, and
			// failAll settles everything when the session tears down
		}
	})
}

// remove forgets the command at addr without settling it. Used to roll back
// an add whose activation never made it onto the wire.
func (d *cmdDispatcher) remove(addr IOA) {
	if e, ok := d.pending[addr]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(d.pending, addr)
	}
}

/*
onASDU advances the matching in-flight command from a mirrored control ASDU
and reports whether the ASDU belonged to a command. The match key is the
information object address; a mirror whose type identifier disagrees with the
request is logged and handled as a rejection.
*/
func (d *cmdDispatcher) onASDU(asdu *ASDU) bool {
	switch asdu.Type() {
	case CScNa1, CDcNa1, CRcNa1, CSeNa1, CSeNb1, CSeNc1, CScTa1:
	default:
		return false
	}
	objs := asdu.Objects()
	if len(objs) == 0 {
		return true
	}
	addr := objs[0].Address()
	e, ok := d.pending[addr]
	if !ok {
		d.lg.Warnf("command mirror for ioa %d with nothing in flight (cot=%d)", addr, asdu.Cause())
		return true
	}

	switch {
	case asdu.Cause() >= CotUnType && asdu.Cause() <= CotUnObjAddr:
		delete(d.pending, addr)
		e.finish(CommandRejected, fmt.Errorf("%w: station reported cause %d", ErrCommandRejected, asdu.Cause()))
	case asdu.Cause() == CotActCon:
		if asdu.Negative() || asdu.Type() != e.id {
			delete(d.pending, addr)
			e.finish(CommandRejected, fmt.Errorf("%w: negative confirmation for ioa %d", ErrCommandRejected, addr))
			return true
		}
		if e.state != CommandSent {
			d.lg.Warnf("activation confirmation for ioa %d in state %s", addr, e.state)
			return true
		}
		e.state = CommandConfirmed
	case asdu.Cause() == CotActTerm:
		if e.state != CommandConfirmed {
			d.lg.Warnf("activation termination for ioa %d in state %s", addr, e.state)
		}
		delete(d.pending, addr)
		e.finish(CommandTerminated, nil)
	default:
		d.lg.Warnf("command mirror for ioa %d with unexpected cause %d", addr, asdu.Cause())
	}
	return true
}

// expire settles the command at addr with a timeout, plus any other sent
// command whose deadline has passed. The sweep covers timer notifications
// dropped on a full expired channel.
func (d *cmdDispatcher) expire(addr IOA) {
	now := time.Now()
	for a, e := range d.pending {
		if a != addr && (e.deadline.IsZero() || now.Before(e.deadline)) {
			continue
		}
		delete(d.pending, a)
		e.finish(CommandTimedOut, fmt.Errorf("%w: ioa %d in state %s", ErrCommandTimeout, a, e.state))
	}
}

// failAll settles every in-flight command with err. Called when the session
// terminates; commands never survive a reconnect.
func (d *cmdDispatcher) failAll(err error) {
	for addr, e := range d.pending {
		delete(d.pending, addr)
		e.finish(CommandTimedOut, err)
	}
}
