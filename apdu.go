package iec104

import "fmt"

const (
	apciLen    = 4   // four control fields
	maxApduLen = 253 // length octet maximum per the standard
)

/*
APDU (Application Protocol Data Unit).

An APDU is an APCI alone (S- and U-format, fixed length) or an APCI followed
by one ASDU (I-format, variable length).

  | <-   8 bits    -> |  -----    -----
  | Start Byte (Ox68) |    |        |
  | Length of APDU    |    |        |
  | Control Field 1   |   APCI     APDU
  | Control Field 2   |    |        |
  | Control Field 3   |    |        |
  | Control Field 4   |    |        |
  | ASDU (I-format)   |   ASDU      |
  | <-   8 bits    -> |  -----    -----
*/
type APDU struct {
	Frame Frame
	ASDU  *ASDU
}

// MarshalBinary encodes the APDU including start and length octets.
func (apdu *APDU) MarshalBinary() ([]byte, error) {
	if apdu.Frame == nil {
		return nil, fmt.Errorf("apdu without frame")
	}
	cf := apdu.Frame.controlFields()
	body := make([]byte, 0, apciLen+AsduHeaderLen)
	body = append(body, cf[:]...)

	if apdu.Frame.Type() == FrameTypeI {
		if apdu.ASDU == nil {
			return nil, fmt.Errorf("i-format apdu without asdu")
		}
		body = append(body, apdu.ASDU.Data()...)
	} else if apdu.ASDU != nil {
		return nil, fmt.Errorf("%s apdu cannot carry an asdu", frameTypeName(apdu.Frame.Type()))
	}
	if len(body) > maxApduLen {
		return nil, fmt.Errorf("apdu length %d exceeds maximum %d", len(body), maxApduLen)
	}

	out := make([]byte, 0, 2+len(body))
	out = append(out, startByte, byte(len(body)))
	out = append(out, body...)
	return out, nil
}

/*
decodeAPDU decodes one APDU from the head of buf and reports how many bytes
it consumed. It is a pure streaming transform: a short buffer yields
ErrTruncated (buffer more and retry), while any structural violation yields
ErrMalformed. Arbitrary input never panics.
*/
func decodeAPDU(buf []byte) (*APDU, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrTruncated
	}
	if buf[0] != startByte {
		return nil, 0, fmt.Errorf("%w: unexpected start byte %#02x", ErrMalformed, buf[0])
	}
	length := int(buf[1])
	if length < apciLen || length > maxApduLen {
		return nil, 0, fmt.Errorf("%w: apdu length %d out of range [%d, %d]", ErrMalformed, length, apciLen, maxApduLen)
	}
	if len(buf) < 2+length {
		return nil, 0, ErrTruncated
	}

	apci := &APCI{Cf1: buf[2], Cf2: buf[3], Cf3: buf[4], Cf4: buf[5]}
	frame, err := apci.Parse()
	if err != nil {
		return nil, 0, err
	}

	apdu := &APDU{Frame: frame}
	if frame.Type() == FrameTypeI {
		asdu := new(ASDU)
		if err := asdu.Parse(buf[2+apciLen : 2+length]); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		apdu.ASDU = asdu
	} else if length != apciLen {
		return nil, 0, fmt.Errorf("%w: fixed-length frame with length %d", ErrMalformed, length)
	}
	return apdu, 2 + length, nil
}

func frameTypeName(t FrameType) string {
	switch t {
	case FrameTypeI:
		return "i-format"
	case FrameTypeS:
		return "s-format"
	case FrameTypeU:
		return "u-format"
	default:
		return fmt.Sprintf("frame-type-%d", t)
	}
}
