package iec104

import "errors"

// Frame-level errors. ErrTruncated is a streaming condition: the caller must
// buffer more bytes and retry. Everything else at frame level is fatal to the
// session and forces a reconnect.
var (
	ErrTruncated = errors.New("apdu truncated")
	ErrMalformed = errors.New("apdu malformed")
)

// Link-level errors. A sequence mismatch signals desynchronization and is
// always fatal to the session.
var (
	ErrSequence   = errors.New("sequence number mismatch")
	ErrWindowFull = errors.New("send window full")
)

// Command errors, surfaced synchronously to the caller of SendCommand.
// None of them is fatal to the session.
var (
	ErrCommandBusy     = errors.New("command already in flight for point")
	ErrCommandRejected = errors.New("command rejected by station")
	ErrCommandTimeout  = errors.New("command timed out")
	ErrNotConnected    = errors.New("not connected")
)

var (
	// ErrUnsupportedType is returned by the translator for ASDU type
	// identifiers it cannot map. Logged and skipped, never fatal.
	ErrUnsupportedType = errors.New("unsupported asdu type")

	// ErrClosed is returned once the client has been shut down.
	ErrClosed = errors.New("client closed")
)
