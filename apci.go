package iec104

import "fmt"

const startByte = 0x68

/*
APCI (Application Protocol Control Information).

Each APCI starts with a start byte with value 0x68 followed by the 8-bit
length of APDU and four 8-bit control fields (CF). The length of APCI is 6 bytes.

  | <-   8 bits    -> |  -----
  | Start Byte (Ox68) |    |
  | Length of APDU    |    |
  | Control Field 1   |   APCI
  | Control Field 2   |    |
  | Control Field 3   |    |
  | Control Field 4   |    |
  | <-   8 bits    -> |  -----
*/
type APCI struct {
	Cf1 byte
	Cf2 byte
	Cf3 byte
	Cf4 byte
}

/*
Parse interprets the four control fields and returns the typed frame.

The frame format is determined by the two low bits of CF1. Reserved bits that
the standard fixes to zero are validated here; a violation yields ErrMalformed
because it means the peer and we no longer agree on framing.
*/
func (apci *APCI) Parse() (Frame, error) {
	switch {
	case apci.Cf1&0x1 == byte(FrameTypeI):
		if apci.Cf3&0x1 != 0 {
			return nil, fmt.Errorf("%w: i-frame with nonzero low bit in cf3", ErrMalformed)
		}
		return &IFrame{
			SendSN: uint16(apci.Cf1)>>1 | uint16(apci.Cf2)<<7,
			RecvSN: uint16(apci.Cf3)>>1 | uint16(apci.Cf4)<<7,
		}, nil
	case apci.Cf1&0x3 == byte(FrameTypeS):
		if apci.Cf1 != 0x01 || apci.Cf2 != 0 || apci.Cf3&0x1 != 0 {
			return nil, fmt.Errorf("%w: s-frame with nonzero reserved bits", ErrMalformed)
		}
		return &SFrame{
			RecvSN: uint16(apci.Cf3)>>1 | uint16(apci.Cf4)<<7,
		}, nil
	default: // apci.Cf1&0x3 == FrameTypeU
		cmd := UFrameFunction(apci.Cf1)
		switch cmd {
		case UFrameFunctionStartDTA, UFrameFunctionStartDTC,
			UFrameFunctionStopDTA, UFrameFunctionStopDTC,
			UFrameFunctionTestFA, UFrameFunctionTestFC:
		default:
			return nil, fmt.Errorf("%w: unknown u-frame function %#02x", ErrMalformed, apci.Cf1)
		}
		if apci.Cf2 != 0 || apci.Cf3 != 0 || apci.Cf4 != 0 {
			return nil, fmt.Errorf("%w: u-frame with nonzero reserved fields", ErrMalformed)
		}
		return &UFrame{Cmd: cmd}, nil
	}
}

/*
FrameType is the transmission frame format, determined by the two last bits
of the first control field (CF1).
*/
type FrameType byte

const (
	FrameTypeI FrameType = iota
	FrameTypeS
	FrameTypeU FrameType = iota + 1
)

// UFrameFunction is the CF1 value of an unnumbered control frame. Exactly one
// of the six function bits may be set, combined with the 0b11 format marker.
type UFrameFunction byte

const (
	UFrameFunctionStartDTA UFrameFunction = 0x07 // Start Data Transfer Activation   CF1: 0 0 0 0 0 1 | 1 1
	UFrameFunctionStartDTC UFrameFunction = 0x0B // Start Data Transfer Confirmation CF1: 0 0 0 0 1 0 | 1 1
	UFrameFunctionStopDTA  UFrameFunction = 0x13 // Stop Data Transfer Activation    CF1: 0 0 0 1 0 0 | 1 1
	UFrameFunctionStopDTC  UFrameFunction = 0x23 // Stop Data Transfer Confirmation  CF1: 0 0 1 0 0 0 | 1 1
	UFrameFunctionTestFA   UFrameFunction = 0x43 // Test Frame Activation            CF1: 0 1 0 0 0 0 | 1 1
	UFrameFunctionTestFC   UFrameFunction = 0x83 // Test Frame Confirmation          CF1: 1 0 0 0 0 0 | 1 1
)

func (u UFrameFunction) String() string {
	switch u {
	case UFrameFunctionStartDTA:
		return "StartDTA"
	case UFrameFunctionStartDTC:
		return "StartDTC"
	case UFrameFunctionStopDTA:
		return "StopDTA"
	case UFrameFunctionStopDTC:
		return "StopDTC"
	case UFrameFunctionTestFA:
		return "TestFA"
	case UFrameFunctionTestFC:
		return "TestFC"
	default:
		return fmt.Sprintf("UFrameFunction(%#02x)", byte(u))
	}
}

type Frame interface {
	Type() FrameType

	// controlFields serializes the frame back into the four APCI control
	// octets, the exact inverse of APCI.Parse.
	controlFields() [4]byte
}

/*
IFrame (Information Transfer Format), last bit of CF1 is 0x0.

Control fields of I-format frame:
 | <-           8 bits            -> |
 | Send sequence no. N (S)       | 0 |
 | Send sequence no. N (S)           |
 | Receive sequence no. N (R)    | 0 |
 | Receive sequence no. N (R)        |

An I-format APDU always contains an ASDU. Its control fields carry two 15-bit
sequence numbers that are increased by one for each APDU and each direction.
*/
type IFrame struct {
	SendSN uint16
	RecvSN uint16
}

func (i *IFrame) Type() FrameType {
	return FrameTypeI
}

func (i *IFrame) controlFields() [4]byte {
	return [4]byte{
		byte(i.SendSN << 1),
		byte(i.SendSN >> 7),
		byte(i.RecvSN << 1),
		byte(i.RecvSN >> 7),
	}
}

/*
SFrame (Supervisory Format), last two bits of CF1 are 0b01. Carries only a
receive sequence number and acknowledges I-frames without sending data.

 | <-           8 bits            -> |
 |                           | 0 | 1 |
 |                                   |
 | Receive sequence no. N (R)    | 0 |
 | Receive sequence no. N (R)        |
*/
type SFrame struct {
	RecvSN uint16
}

func (s *SFrame) Type() FrameType {
	return FrameTypeS
}

func (s *SFrame) controlFields() [4]byte {
	return [4]byte{0x01, 0x00, byte(s.RecvSN << 1), byte(s.RecvSN >> 7)}
}

/*
UFrame (Unnumbered Control Format), last two bits of CF1 are 0b11.

 | <-           8 bits            -> |
 | TESTFR | STOPDT | STARTDT | 1 | 1 |
 |                                   |
 |                               | 0 |
 |                                   |
*/
type UFrame struct {
	Cmd UFrameFunction
}

func (u *UFrame) Type() FrameType {
	return FrameTypeU
}

func (u *UFrame) controlFields() [4]byte {
	return [4]byte{byte(u.Cmd), 0x00, 0x00, 0x00}
}
