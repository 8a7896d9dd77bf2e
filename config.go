package iec104

import (
	"fmt"
	"time"
)

// Protocol parameter defaults per IEC 60870-5-104 and this engine's
// connection supervision.
const (
	DefaultSendWindowK = 12
	DefaultRecvAckW    = 8

	DefaultTimeoutConnect  = 30 * time.Second // t0
	DefaultTimeoutResponse = 15 * time.Second // t1
	DefaultTimeoutRecvAck  = 10 * time.Second // t2
	DefaultTimeoutTest     = 20 * time.Second // t3
	DefaultTimeoutCommand  = 10 * time.Second
	DefaultTimeoutStop     = 5 * time.Second

	DefaultReconnectMinDelay = 1 * time.Second
	DefaultReconnectMaxDelay = 60 * time.Second
	DefaultHealthyPeriod     = 30 * time.Second
)

/*
Config holds the protocol and supervision parameters of one client. The zero
value is usable: Valid fills every unset field with its default.
*/
type Config struct {
	// CommonAddress is the station address used on outbound ASDUs and
	// matched against inbound ones. Inbound ASDUs for other stations are
	// logged and dropped.
	CommonAddress COA

	// Originator is placed in the ORG octet of outbound ASDUs.
	Originator ORG

	// SendWindowK is the maximum number of unacknowledged outbound
	// I-frames before sending blocks (parameter k).
	SendWindowK int

	// RecvAckW is the number of received I-frames after which an
	// acknowledgement must be emitted (parameter w).
	RecvAckW int

	// TimeoutConnect bounds connection establishment (t0).
	TimeoutConnect time.Duration
	// TimeoutResponse bounds waiting for an acknowledgement of a sent
	// I-frame or U-frame activation (t1). Expiry closes the connection.
	TimeoutResponse time.Duration
	// TimeoutRecvAck is the longest a received I-frame stays
	// unacknowledged before an S-frame is forced out (t2, < t1).
	TimeoutRecvAck time.Duration
	// TimeoutTest is the idle period after which a TESTFR activation
	// probes the link (t3).
	TimeoutTest time.Duration

	// TimeoutCommand bounds the full activation/confirmation/termination
	// exchange of one command.
	TimeoutCommand time.Duration

	// TimeoutStop bounds the graceful STOPDT exchange during shutdown.
	TimeoutStop time.Duration

	// ReconnectMinDelay and ReconnectMaxDelay bound the exponential
	// backoff between reconnect attempts. The delay resets to the minimum
	// after HealthyPeriod of uninterrupted data transfer.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	HealthyPeriod     time.Duration

	// ForwardInvalid forwards points flagged IV to the point handler
	// instead of dropping them. Off by default.
	ForwardInvalid bool

	// InterrogateOnStart sends a general interrogation each time the
	// session reaches data transfer.
	InterrogateOnStart bool
}

// Valid fills unset fields with defaults and rejects out-of-range values.
func (cfg *Config) Valid() error {
	if cfg.CommonAddress == 0 {
		cfg.CommonAddress = 1
	}
	if cfg.SendWindowK == 0 {
		cfg.SendWindowK = DefaultSendWindowK
	} else if cfg.SendWindowK < 1 || cfg.SendWindowK > 32767 {
		return fmt.Errorf("send window k %d out of range [1, 32767]", cfg.SendWindowK)
	}
	if cfg.RecvAckW == 0 {
		cfg.RecvAckW = DefaultRecvAckW
	} else if cfg.RecvAckW < 1 || cfg.RecvAckW > 32767 {
		return fmt.Errorf("recv ack w %d out of range [1, 32767]", cfg.RecvAckW)
	}
	if cfg.RecvAckW > cfg.SendWindowK*2/3 {
		// the standard recommends w <= 2/3 k so the peer never stalls
		cfg.RecvAckW = cfg.SendWindowK * 2 / 3
		if cfg.RecvAckW < 1 {
			cfg.RecvAckW = 1
		}
	}

	if cfg.TimeoutConnect == 0 {
		cfg.TimeoutConnect = DefaultTimeoutConnect
	}
	if cfg.TimeoutResponse == 0 {
		cfg.TimeoutResponse = DefaultTimeoutResponse
	}
	if cfg.TimeoutRecvAck == 0 {
		cfg.TimeoutRecvAck = DefaultTimeoutRecvAck
	}
	if cfg.TimeoutRecvAck >= cfg.TimeoutResponse {
		return fmt.Errorf("timeout t2 (%s) must be below t1 (%s)", cfg.TimeoutRecvAck, cfg.TimeoutResponse)
	}
	if cfg.TimeoutTest == 0 {
		cfg.TimeoutTest = DefaultTimeoutTest
	}
	if cfg.TimeoutCommand == 0 {
		cfg.TimeoutCommand = DefaultTimeoutCommand
	}
	if cfg.TimeoutStop == 0 {
		cfg.TimeoutStop = DefaultTimeoutStop
	}

	if cfg.ReconnectMinDelay == 0 {
		cfg.ReconnectMinDelay = DefaultReconnectMinDelay
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectMinDelay {
		return fmt.Errorf("reconnect max delay %s below min delay %s", cfg.ReconnectMaxDelay, cfg.ReconnectMinDelay)
	}
	if cfg.HealthyPeriod == 0 {
		cfg.HealthyPeriod = DefaultHealthyPeriod
	}
	return nil
}
