package iec104

/*
QualityDescriptor carries the quality bits transmitted alongside a value.

For single/double point information the flags share the octet with the value
bits (SIQ/DIQ):
  | IV  | NT  | SB  | BL  |  0  |  0  | DPI / 0 | SPI |
For measured values they form a separate QDS octet where the low bit is the
overflow flag:
  | IV  | NT  | SB  | BL  |  0  |  0  |  0  | OV |
*/
type QualityDescriptor byte

const (
	OV QualityDescriptor = 1 << 0 // overflow
	BL QualityDescriptor = 1 << 4 // blocked
	SB QualityDescriptor = 1 << 5 // substituted
	NT QualityDescriptor = 1 << 6 // not topical
	IV QualityDescriptor = 1 << 7 // invalid -> bad quality
)

// Good reports whether no quality flag is raised.
func (q QualityDescriptor) Good() bool { return q == 0 }

// Invalid reports whether the value is flagged invalid.
func (q QualityDescriptor) Invalid() bool { return q&IV == IV }

func (q QualityDescriptor) String() string {
	if q == 0 {
		return "good"
	}
	s := ""
	for _, f := range []struct {
		bit  QualityDescriptor
		name string
	}{{IV, "IV"}, {NT, "NT"}, {SB, "SB"}, {BL, "BL"}, {OV, "OV"}} {
		if q&f.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}

// ParseQualityDescriptor extracts the quality flags from a SIQ/DIQ octet,
// where the low nibble belongs to the value.
func ParseQualityDescriptor(x byte) QualityDescriptor {
	return QualityDescriptor(x & 0xf0)
}

// parseQDS extracts the quality flags from a standalone quality descriptor
// octet, which additionally carries the overflow bit.
func parseQDS(x byte) QualityDescriptor {
	return QualityDescriptor(x & 0xf1)
}
