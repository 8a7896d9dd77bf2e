package iec104

import (
	"encoding/binary"
	"fmt"
)

const AsduHeaderLen = 6

/*
ASDU (Application Service Data Unit).

The ASDU contains two main sections:
- the data unit identifier (with the fixed length of six bytes):
  - defining the specific type of data;
  - providing addressing to identify the specific data;
  - including information as cause of transmission.
- the data itself, made up of one or more information objects:
  - each ASDU can transmit maximum 127 objects;
  - the type identification applies to the entire ASDU, so all information
    objects contained in the ASDU are of the same type.

The format of ASDU:
 | <-              8 bits              -> |
 | Type Identification                    |  --------------------
 | SQ | Number of objects                 |           |
 | T  | P/N | Cause of transmission (COT) |           |
 | Original address (ORG)                 |  Data Unit Identifier
 | ASDU address fields                    |           |
 | ASDU address fields                    |  --------------------
 | Information object address (IOA)       |  --------------------
 | Information object address (IOA)       |           |
 | Information object address (IOA)       |  Information Object 1
 | Information Elements                   |           |
 | Time Tag                               |  --------------------
 | Information Object 2                   |
 | Information Object N                   |
*/
type ASDU struct {
	// Data Unit Identifier (with the fixed length of 6 bytes)
	typeID TypeID // 8  bits
	sq     SQ     // 1  bit
	nObjs  NOO    // 7  bits
	t      T      // 1  bit
	pn     PN     // 1  bit
	cot    COT    // 6  bits
	org    ORG    // 8  bits
	coa    COA    // 16 bits

	ios []*InformationObject

	// rawBody holds the undecoded information objects of a type identifier
	// this implementation has no layout table for. The header is still
	// valid; the translator reports the type as unsupported.
	rawBody []byte
}

// Type returns the type identifier of the ASDU.
func (asdu *ASDU) Type() TypeID { return asdu.typeID }

// Cause returns the cause of transmission.
func (asdu *ASDU) Cause() COT { return asdu.cot }

// CommonAddress returns the station (common) address.
func (asdu *ASDU) CommonAddress() COA { return asdu.coa }

// Negative reports whether the P/N bit indicates a negative confirmation.
func (asdu *ASDU) Negative() bool { return bool(asdu.pn) }

// Objects returns the decoded information objects, nil for unsupported types.
func (asdu *ASDU) Objects() []*InformationObject { return asdu.ios }

func (asdu *ASDU) Parse(data []byte) error {
	if len(data) < AsduHeaderLen {
		return fmt.Errorf("invalid asdu header: % X", data)
	}

	// the 1st byte
	asdu.parseTypeID(data[0])
	// the 2nd byte
	asdu.parseSQ(data[1])
	asdu.parseNOO(data[1])
	// the 3rd byte
	asdu.parseT(data[2])
	asdu.parsePN(data[2])
	asdu.parseCOT(data[2])
	// the 4th byte
	asdu.parseORG(data[3])
	// the 5th and 6th bytes
	asdu.parseCOA(data[4:AsduHeaderLen])

	return asdu.parseInformationObjects(data[AsduHeaderLen:])
}

// Data serializes the ASDU, the exact inverse of Parse.
func (asdu *ASDU) Data() []byte {
	data := make([]byte, 0, AsduHeaderLen+len(asdu.ios)*(IOALength+1))
	data = append(data, byte(asdu.typeID))

	b := byte(asdu.nObjs) & 0b1111111
	if asdu.sq {
		b |= 0b1 << 7
	}
	data = append(data, b)

	b = byte(asdu.cot) & 0b111111
	if asdu.t {
		b |= 0b1 << 7
	}
	if asdu.pn {
		b |= 0b1 << 6
	}
	data = append(data, b)

	data = append(data, byte(asdu.org))
	data = binary.LittleEndian.AppendUint16(data, asdu.coa)

	if asdu.rawBody != nil {
		return append(data, asdu.rawBody...)
	}
	if asdu.sq && len(asdu.ios) > 0 {
		// one shared address, elements contiguous from it
		data = append(data, asdu.ios[0].serializeIOA()...)
		for _, io := range asdu.ios {
			data = append(data, io.raw...)
		}
		return data
	}
	for _, io := range asdu.ios {
		data = append(data, io.serializeIOA()...)
		data = append(data, io.raw...)
	}
	return data
}

/*
TypeID (Type Identification, 1 byte):
- 0 is not used;
- 1-127 is used for standard IEC 101 definitions:
  | Type ID | Group                                    |
  | 1-40    | Process information in monitor direction |
  | 45-51   | Process information in control direction |
  | 70      | System information in monitor direction  |
  | 100-106 | System information in control direction  |
- 128-135 is reserved for message routing, 136-255 for special use.
*/
type TypeID uint8

const (
	// Process information in monitor direction.

	// MSpNa1 indicates single point information (SIQ).
	MSpNa1 TypeID = 1
	// MDpNa1 indicates double point information (DIQ).
	MDpNa1 TypeID = 3
	// MBoNa1 indicates a bitstring of 32 bits (BSI + QDS).
	MBoNa1 TypeID = 7
	// MMeNa1 indicates measured value, normalized (NVA + QDS).
	MMeNa1 TypeID = 9
	// MMeNb1 indicates measured value, scaled (SVA + QDS).
	MMeNb1 TypeID = 11
	// MMeNc1 indicates measured value, short floating point (IEEE 754 + QDS).
	MMeNc1 TypeID = 13
	// MItNa1 indicates an integrated total (BCR).
	MItNa1 TypeID = 15
	// MSpTb1 indicates single point information with time tag CP56Time2a.
	MSpTb1 TypeID = 30
	// MDpTb1 indicates double point information with time tag CP56Time2a.
	MDpTb1 TypeID = 31
	// MMeTf1 indicates measured value, short float with time tag CP56Time2a.
	MMeTf1 TypeID = 36

	// Process information in control direction.

	// CScNa1 indicates single command (SCO).
	CScNa1 TypeID = 45
	// CDcNa1 indicates double command (DCO).
	CDcNa1 TypeID = 46
	// CRcNa1 indicates regulating step command (RCO).
	CRcNa1 TypeID = 47
	// CSeNa1 indicates set-point command, normalized (NVA + QOS).
	CSeNa1 TypeID = 48
	// CSeNb1 indicates set-point command, scaled (SVA + QOS).
	CSeNb1 TypeID = 49
	// CSeNc1 indicates set-point command, short float (IEEE 754 + QOS).
	CSeNc1 TypeID = 50
	// CScTa1 indicates single command with time tag CP56Time2a.
	CScTa1 TypeID = 58

	// System information.

	// MEiNa1 indicates end of initialization (COI).
	MEiNa1 TypeID = 70
	// CIcNa1 indicates general interrogation command (QOI).
	CIcNa1 TypeID = 100
	// CCiNa1 indicates counter interrogation command (QCC).
	CCiNa1 TypeID = 101
)

func (asdu *ASDU) parseTypeID(data byte) TypeID {
	asdu.typeID = TypeID(data)
	return asdu.typeID
}

/*
SQ (Structure Qualifier, 1 bit) specifies how information objects are
addressed.
- SQ=0 (false): every information object carries its own three-byte address.
- SQ=1  (true): a single information object address is transmitted and the
  following elements are addressed continuously by +1 from that offset,
  saving bandwidth for runs of contiguous points.
*/
type SQ bool

func (asdu *ASDU) parseSQ(data byte) SQ {
	asdu.sq = (data & (1 << 7)) == 1<<7
	return asdu.sq
}

/*
NOO (Number of Objects/Elements, 7 bits).
*/
type NOO = uint8

func (asdu *ASDU) parseNOO(data byte) NOO {
	asdu.nObjs = data & 0b1111111
	return asdu.nObjs
}

/*
T (Test, 1 bit) marks ASDUs generated under test conditions, not intended to
control the process or change system state.
*/
type T bool

func (asdu *ASDU) parseT(data byte) T {
	asdu.t = (data & (1 << 7)) == 1<<7
	return asdu.t
}

/*
PN (Positive/Negative, 1 bit) indicates positive or negative confirmation of
an activation. Used when a control command is mirrored in monitor direction.
- PN=0 (false): positive confirm.
- PN=1  (true): negative confirm.
*/
type PN bool

func (asdu *ASDU) parsePN(data byte) PN {
	asdu.pn = (data & (1 << 6)) == 1<<6
	return asdu.pn
}

/*
COT (Cause of Transmission, 6 bits) controls message routing: it tells the
destination why the ASDU was sent and which task should process it.
- 0 is not defined, 1-47 standard definitions, 48-63 private range.
*/
type COT uint8

const (
	CotPer, CotCyc COT = 1, 1 // periodic, cyclic
	CotBack        COT = 2    // background scan
	CotSpt         COT = 3    // spontaneous
	CotInit        COT = 4    // initialized
	CotReq         COT = 5    // request or requested
	CotAct         COT = 6    // activation
	CotActCon      COT = 7    // activation confirmation
	CotDeact       COT = 8    // deactivation
	CotDeactCon    COT = 9    // deactivation confirmation
	CotActTerm     COT = 10   // activation termination
	CotRetRem      COT = 11   // return information caused by a remote command
	CotRetLoc      COT = 12   // return information caused by a local command
	CotFile        COT = 13   // file transfer
	CotInrogen     COT = 20   // interrogated by general interrogation
	CotReqcogen    COT = 37   // interrogated by counter general interrogation
	CotUnType      COT = 44   // unknown type
	CotUnCause     COT = 45   // unknown cause
	CotUnAsduAddr  COT = 46   // unknown asdu address
	CotUnObjAddr   COT = 47   // unknown object address
)

func (asdu *ASDU) parseCOT(data byte) COT {
	asdu.cot = COT(data & 0b111111)
	return asdu.cot
}

/*
ORG (Originator Address, 1 byte) identifies the controlling station. Optional
when there is a single controlling station; all bits zero when unused.
*/
type ORG uint8

func (asdu *ASDU) parseORG(data byte) ORG {
	asdu.org = ORG(data)
	return asdu.org
}

/*
COA (Common Address of ASDU, 2 bytes) is interpreted as a station address.
- 0 is not used;
- 1-65534 means a station address;
- 65535 is the global (broadcast) address in control direction.
*/
type COA = uint16

func (asdu *ASDU) parseCOA(data []byte) COA {
	asdu.coa = binary.LittleEndian.Uint16([]byte{data[0], data[1]})
	return asdu.coa
}
