package iec104

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const IOALength = 3

// IOA (Information Object Address) identifies a particular data point within
// a defined station. Three bytes in IEC 104, used as destination address in
// control direction and as source address in monitor direction.
type IOA uint32

/*
InformationObject is one addressed entry of an ASDU: the object address
followed by the information elements whose layout is fixed per type
identifier (value, quality descriptor, optional CP56Time2a time tag).

The wire bytes of the elements are retained in raw so that serialization is
the exact inverse of parsing; value/quality/timestamp are the decoded view
the translator works from.
*/
type InformationObject struct {
	ioa IOA
	raw []byte // element bytes as transmitted, without the address

	value   float64
	quality QualityDescriptor
	ts      time.Time
	tsValid bool
}

// Address returns the information object address.
func (i *InformationObject) Address() IOA { return i.ioa }

// Value returns the decoded element value, normalized to float64.
func (i *InformationObject) Value() float64 { return i.value }

// Quality returns the decoded quality descriptor flags.
func (i *InformationObject) Quality() QualityDescriptor { return i.quality }

// Timestamp returns the CP56Time2a time tag and whether one was present and
// marked valid.
func (i *InformationObject) Timestamp() (time.Time, bool) { return i.ts, i.tsValid }

func (i *InformationObject) parseIOA(data []byte) {
	i.ioa = IOA(binary.LittleEndian.Uint32([]byte{data[0], data[1], data[2], 0x00}))
}

func (i *InformationObject) serializeIOA() []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(i.ioa))
	return data[:3]
}

// infoObjSize returns the per-object element length in bytes (excluding the
// address) for the type identifiers this implementation can decode.
func infoObjSize(id TypeID) (int, bool) {
	switch id {
	case MSpNa1, MDpNa1, MEiNa1, CScNa1, CDcNa1, CRcNa1, CIcNa1, CCiNa1:
		return 1, true
	case CSeNa1, CSeNb1:
		return 3, true // value(2) + QOS(1)
	case MMeNa1, MMeNb1:
		return 3, true // value(2) + QDS(1)
	case MBoNa1, MMeNc1, MItNa1, CSeNc1:
		return 5, true
	case MSpTb1, MDpTb1, CScTa1:
		return 8, true // value(1) + CP56Time2a(7)
	case MMeTf1:
		return 12, true // value(4) + QDS(1) + CP56Time2a(7)
	default:
		return 0, false
	}
}

func (asdu *ASDU) parseInformationObjects(body []byte) error {
	size, ok := infoObjSize(asdu.typeID)
	if !ok {
		// Unknown layout. Keep the body verbatim; the translator reports
		// the type identifier as unsupported without killing the session.
		asdu.rawBody = append([]byte(nil), body...)
		return nil
	}
	n := int(asdu.nObjs)
	if n == 0 {
		return fmt.Errorf("asdu type %d with zero information objects", asdu.typeID)
	}

	ios := make([]*InformationObject, 0, n)
	if asdu.sq {
		if len(body) != IOALength+n*size {
			return fmt.Errorf("asdu type %d sq body length %d, want %d", asdu.typeID, len(body), IOALength+n*size)
		}
		first := &InformationObject{}
		first.parseIOA(body[:IOALength])
		for i := 0; i < n; i++ {
			io := &InformationObject{
				ioa: first.ioa + IOA(i),
				raw: append([]byte(nil), body[IOALength+i*size:IOALength+(i+1)*size]...),
			}
			io.parseElement(asdu.typeID)
			ios = append(ios, io)
		}
	} else {
		if len(body) != n*(IOALength+size) {
			return fmt.Errorf("asdu type %d body length %d, want %d", asdu.typeID, len(body), n*(IOALength+size))
		}
		for i := 0; i < n; i++ {
			off := i * (IOALength + size)
			io := &InformationObject{
				raw: append([]byte(nil), body[off+IOALength:off+IOALength+size]...),
			}
			io.parseIOA(body[off : off+IOALength])
			io.parseElement(asdu.typeID)
			ios = append(ios, io)
		}
	}
	asdu.ios = ios
	return nil
}

// parseElement decodes the typed value, quality flags and time tag from the
// raw element bytes. Lengths were validated by parseInformationObjects.
func (i *InformationObject) parseElement(id TypeID) {
	switch id {
	case MSpNa1:
		i.value = float64(i.raw[0] & 0b1) // SPI: 0b1 open, 0b0 close
		i.quality = ParseQualityDescriptor(i.raw[0])
	case MDpNa1:
		i.value = float64(i.raw[0] & 0b11) // DPI: 0b01 close, 0b10 open
		i.quality = ParseQualityDescriptor(i.raw[0])
	case MSpTb1:
		i.value = float64(i.raw[0] & 0b1)
		i.quality = ParseQualityDescriptor(i.raw[0])
		i.ts, i.tsValid = parseCP56Time2a(i.raw[1:8])
	case MDpTb1:
		i.value = float64(i.raw[0] & 0b11)
		i.quality = ParseQualityDescriptor(i.raw[0])
		i.ts, i.tsValid = parseCP56Time2a(i.raw[1:8])
	case MMeNa1, MMeNb1:
		i.value = float64(parseLittleEndianInt16(i.raw[:2]))
		i.quality = parseQDS(i.raw[2])
	case MMeNc1:
		i.value = float64(math.Float32frombits(binary.LittleEndian.Uint32(i.raw[:4])))
		i.quality = parseQDS(i.raw[4])
	case MMeTf1:
		i.value = float64(math.Float32frombits(binary.LittleEndian.Uint32(i.raw[:4])))
		i.quality = parseQDS(i.raw[4])
		i.ts, i.tsValid = parseCP56Time2a(i.raw[5:12])
	case MBoNa1:
		i.value = float64(binary.LittleEndian.Uint32(i.raw[:4]))
		i.quality = parseQDS(i.raw[4])
	case MItNa1:
		i.value = float64(int32(binary.LittleEndian.Uint32(i.raw[:4])))
		if i.raw[4]&0x80 != 0 { // BCR IV bit
			i.quality = IV
		}
	case MEiNa1:
		i.value = float64(i.raw[0] & 0x7f) // COI
	case CScNa1, CScTa1:
		i.value = float64(i.raw[0] & 0b1)
		if id == CScTa1 {
			i.ts, i.tsValid = parseCP56Time2a(i.raw[1:8])
		}
	case CDcNa1, CRcNa1:
		i.value = float64(i.raw[0] & 0b11)
	case CSeNa1, CSeNb1:
		i.value = float64(parseLittleEndianInt16(i.raw[:2]))
	case CSeNc1:
		i.value = float64(math.Float32frombits(binary.LittleEndian.Uint32(i.raw[:4])))
	case CIcNa1, CCiNa1:
		i.value = float64(i.raw[0]) // QOI / QCC
	}
}

/*
parseCP56Time2a decodes the 7-byte binary time:

 | milliseconds (16 bits, little endian)     |
 | IV | res | minutes (6 bits)               |
 | SU | res | hours (5 bits)                 |
 | day of week (3 bits) | day of month (5)   |
 | res | month (4 bits)                      |
 | res | year (7 bits, offset 2000)          |

Returns ok=false when the invalid bit is set or the fields do not form a
representable date.
*/
func parseCP56Time2a(b []byte) (time.Time, bool) {
	if len(b) < 7 {
		return time.Time{}, false
	}
	if b[2]&0x80 != 0 { // IV
		return time.Time{}, false
	}
	ms := int(binary.LittleEndian.Uint16(b[:2]))
	min := int(b[2] & 0x3f)
	hour := int(b[3] & 0x1f)
	day := int(b[4] & 0x1f)
	month := int(b[5] & 0x0f)
	year := 2000 + int(b[6]&0x7f)
	if min > 59 || hour > 23 || day == 0 || month == 0 || month > 12 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, hour, min, ms/1000, (ms%1000)*int(time.Millisecond), time.UTC), true
}

// serializeCP56Time2a is the inverse of parseCP56Time2a. The day-of-week
// field is left zero (unused).
func serializeCP56Time2a(t time.Time) []byte {
	t = t.UTC()
	b := make([]byte, 7)
	binary.LittleEndian.PutUint16(b, uint16(t.Second()*1000+t.Nanosecond()/int(time.Millisecond)))
	b[2] = byte(t.Minute())
	b[3] = byte(t.Hour())
	b[4] = byte(t.Day())
	b[5] = byte(t.Month())
	b[6] = byte(t.Year() - 2000)
	return b
}
