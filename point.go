package iec104

import "time"

/*
NormalizedPoint is the translator's output for one information object of a
monitoring ASDU: the point address with its decoded value, quality, optional
time tag and the cause the station gave for sending it. Instances are handed
across the gateway boundary by value.
*/
type NormalizedPoint struct {
	DeviceID  string
	Address   IOA
	Value     float64
	Quality   QualityDescriptor
	Timestamp time.Time // zero when the ASDU carried no (valid) time tag
	Cause     COT
}

// CommandType selects the control ASDU a CommandRequest is encoded into.
type CommandType uint8

const (
	CommandSingle             CommandType = iota // C_SC_NA_1
	CommandDouble                                // C_DC_NA_1
	CommandRegulatingStep                        // C_RC_NA_1
	CommandSetpointNormalized                    // C_SE_NA_1
	CommandSetpointScaled                        // C_SE_NB_1
	CommandSetpointFloat                         // C_SE_NC_1
	CommandSingleWithTime                        // C_SC_TA_1
)

func (t CommandType) asduType() (TypeID, bool) {
	switch t {
	case CommandSingle:
		return CScNa1, true
	case CommandDouble:
		return CDcNa1, true
	case CommandRegulatingStep:
		return CRcNa1, true
	case CommandSetpointNormalized:
		return CSeNa1, true
	case CommandSetpointScaled:
		return CSeNb1, true
	case CommandSetpointFloat:
		return CSeNc1, true
	case CommandSingleWithTime:
		return CScTa1, true
	default:
		return 0, false
	}
}

func (t CommandType) String() string {
	switch t {
	case CommandSingle:
		return "single"
	case CommandDouble:
		return "double"
	case CommandRegulatingStep:
		return "regulating-step"
	case CommandSetpointNormalized:
		return "setpoint-normalized"
	case CommandSetpointScaled:
		return "setpoint-scaled"
	case CommandSetpointFloat:
		return "setpoint-float"
	case CommandSingleWithTime:
		return "single-with-time"
	default:
		return "unknown"
	}
}

/*
CommandRequest is one outbound control operation. Created from an RPC or
attribute update at the gateway boundary, consumed by the command dispatcher
and destroyed once terminated (confirmed, executed, timed out or rejected).
*/
type CommandRequest struct {
	DeviceID string
	Address  IOA
	Type     CommandType
	Value    float64

	// Qualifier carries the QOC/QOS bits (short pulse, long pulse,
	// persistent, select) verbatim. Zero means "no additional definition".
	Qualifier byte
}
