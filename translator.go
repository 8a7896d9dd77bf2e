package iec104

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Qualifier of interrogation: station interrogation (global).
const qoiStation = 0x14

// Qualifier of counter interrogation: general request counter.
const qccGeneral = 0x05

/*
translator maps between decoded ASDUs and the engine's normalized model. It
is stateless apart from its addressing configuration; every method is a pure
transform and safe to call from the session goroutine.
*/
type translator struct {
	coa            COA
	org            ORG
	deviceID       string
	forwardInvalid bool
}

/*
decodePoints flattens the information objects of a monitoring ASDU into
normalized points, preserving object order. ASDUs in control direction
(command mirrors) yield no points and no error; the dispatcher consumes them
separately. Type identifiers without a layout table yield ErrUnsupportedType,
which the session logs and skips.
*/
func (tr *translator) decodePoints(asdu *ASDU) ([]NormalizedPoint, error) {
	if asdu.rawBody != nil {
		return nil, fmt.Errorf("%w: type identifier %d", ErrUnsupportedType, asdu.Type())
	}
	switch asdu.Type() {
	case CScNa1, CDcNa1, CRcNa1, CSeNa1, CSeNb1, CSeNc1, CScTa1, CIcNa1, CCiNa1:
		return nil, nil
	case MEiNa1:
		// end of initialization carries no process value
		return nil, nil
	}

	points := make([]NormalizedPoint, 0, len(asdu.ios))
	for _, io := range asdu.ios {
		if io.Quality().Invalid() && !tr.forwardInvalid {
			continue
		}
		p := NormalizedPoint{
			DeviceID: tr.deviceID,
			Address:  io.Address(),
			Value:    io.Value(),
			Quality:  io.Quality(),
			Cause:    asdu.Cause(),
		}
		if ts, ok := io.Timestamp(); ok {
			p.Timestamp = ts
		}
		points = append(points, p)
	}
	return points, nil
}

/*
encodeCommand builds the activation ASDU for one command request. The
information element layouts:

  SCO: | S/E | QU (5 bits) | 0 | SCS |
  DCO: | S/E | QU (5 bits) |   DCS   |
  RCO: | S/E | QU (5 bits) |   RCS   |
  QOS: | S/E | QL (7 bits) |

The qualifier bits of the request are shifted into QU/QL; select/execute is
not supported, commands always execute directly.
*/
func (tr *translator) encodeCommand(req CommandRequest) (*ASDU, error) {
	id, ok := req.Type.asduType()
	if !ok {
		return nil, fmt.Errorf("%w: command type %d", ErrUnsupportedType, req.Type)
	}

	var raw []byte
	switch req.Type {
	case CommandSingle:
		raw = []byte{byte(req.Value)&0b1 | req.Qualifier<<2&0x7c}
	case CommandDouble, CommandRegulatingStep:
		raw = []byte{byte(req.Value)&0b11 | req.Qualifier<<2&0x7c}
	case CommandSetpointNormalized, CommandSetpointScaled:
		raw = binary.LittleEndian.AppendUint16(nil, uint16(int16(req.Value)))
		raw = append(raw, req.Qualifier&0x7f)
	case CommandSetpointFloat:
		raw = binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(req.Value)))
		raw = append(raw, req.Qualifier&0x7f)
	case CommandSingleWithTime:
		raw = []byte{byte(req.Value)&0b1 | req.Qualifier<<2&0x7c}
		raw = append(raw, serializeCP56Time2a(time.Now())...)
	}

	io := &InformationObject{ioa: req.Address, raw: raw}
	io.parseElement(id)
	return &ASDU{
		typeID: id,
		nObjs:  1,
		cot:    CotAct,
		org:    tr.org,
		coa:    tr.coa,
		ios:    []*InformationObject{io},
	}, nil
}

// interrogationASDU builds a general (C_IC_NA_1) or counter (C_CI_NA_1)
// interrogation activation for the whole station.
func (tr *translator) interrogationASDU(id TypeID) *ASDU {
	qualifier := byte(qoiStation)
	if id == CCiNa1 {
		qualifier = qccGeneral
	}
	io := &InformationObject{ioa: 0, raw: []byte{qualifier}}
	io.parseElement(id)
	return &ASDU{
		typeID: id,
		nObjs:  1,
		cot:    CotAct,
		org:    tr.org,
		coa:    tr.coa,
		ios:    []*InformationObject{io},
	}
}
