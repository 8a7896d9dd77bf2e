package iec104

import "fmt"

const seqMod = 1 << 15 // sequence numbers are 15 bits, modulo 32768

/*
seqTracker keeps the two 15-bit sequence counters of one connection and
enforces the k/w flow-control windows:

  - vs is the send counter, assigned to the next outbound I-frame;
  - vr is the receive counter, the send sequence number expected on the next
    inbound I-frame;
  - at most k sent I-frames may be unacknowledged before sending must stop;
  - after w received I-frames an acknowledgement must be emitted.

All methods are called from the single session goroutine; no locking.
*/
type seqTracker struct {
	k int
	w int

	vs        uint16 // next send sequence number
	vr        uint16 // expected receive sequence number
	lastAcked uint16 // oldest unacknowledged send sequence number

	unacked      int // sent I-frames not yet acknowledged by the peer
	recvSinceAck int // received I-frames we have not yet acknowledged
}

func newSeqTracker(k, w int) *seqTracker {
	return &seqTracker{k: k, w: w}
}

// reset returns all counters to the connection-start state. Called when a new
// data transfer phase begins; sequence numbers never survive a reconnect.
func (s *seqTracker) reset() {
	s.vs, s.vr, s.lastAcked = 0, 0, 0
	s.unacked, s.recvSinceAck = 0, 0
}

// nextSend reserves and returns the send sequence number for one outbound
// I-frame. ErrWindowFull when k frames are already in flight; the frame must
// then be held back until the peer acknowledges.
func (s *seqTracker) nextSend() (uint16, error) {
	if s.unacked >= s.k {
		return 0, ErrWindowFull
	}
	n := s.vs
	s.vs = (s.vs + 1) % seqMod
	s.unacked++
	return n, nil
}

// windowFull reports whether nextSend would fail.
func (s *seqTracker) windowFull() bool { return s.unacked >= s.k }

// onReceive validates the send sequence number of an inbound I-frame against
// vr. A mismatch means frames were lost or duplicated on a supposedly
// reliable stream; the session must be torn down.
func (s *seqTracker) onReceive(ssn uint16) error {
	if ssn != s.vr {
		return fmt.Errorf("%w: got send sequence %d, want %d", ErrSequence, ssn, s.vr)
	}
	s.vr = (s.vr + 1) % seqMod
	s.recvSinceAck++
	return nil
}

// ackWindow retires sent frames up to (excluding) rsn, from the receive
// sequence number of an inbound I- or S-frame. Acknowledging frames that were
// never sent is a protocol violation.
func (s *seqTracker) ackWindow(rsn uint16) error {
	retired := int((rsn - s.lastAcked) % seqMod)
	if retired > s.unacked {
		return fmt.Errorf("%w: peer acked %d frames, only %d in flight", ErrSequence, retired, s.unacked)
	}
	s.lastAcked = rsn
	s.unacked -= retired
	return nil
}

// needAck reports whether the w threshold is reached and an acknowledgement
// (S-frame or piggybacked on an outbound I-frame) is due.
func (s *seqTracker) needAck() bool { return s.recvSinceAck >= s.w }

// ackEmitted records that vr was just transmitted to the peer, either in an
// S-frame or in the receive sequence field of an I-frame.
func (s *seqTracker) ackEmitted() { s.recvSinceAck = 0 }
