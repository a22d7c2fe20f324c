// Package errcode provides stable error codes for pairing and relay failures.
//
// Codes follow the format {domain}.{error}. The domains mirror the failure
// classes of the pairing protocol:
//   - transport: bind, send, and dial failures; never fatal
//   - protocol: malformed or unknown messages; the message is dropped
//   - pairing: code and session failures; reported to the initiator
//   - permission: microphone access; the relay waits until granted
package errcode

import (
	"errors"
	"fmt"
)

const (
	CodeTransportBind   = "transport.bind_failed"
	CodeTransportSend   = "transport.send_failed"
	CodeTransportDial   = "transport.dial_failed"
	CodeTransportClosed = "transport.closed"

	CodeProtocolMalformed   = "protocol.malformed"
	CodeProtocolUnknownType = "protocol.unknown_type"

	CodePairingInvalidCode  = "pairing.invalid_code"
	CodePairingCodeMismatch = "pairing.code_mismatch"
	CodePairingRejected     = "pairing.rejected"
	CodePairingTimeout      = "pairing.timeout"
	CodePairingBusy         = "pairing.busy"
	CodePairingRateLimited  = "pairing.rate_limited"
	CodePairingNotConnected = "pairing.not_connected"
	CodePairingBadState     = "pairing.bad_state"

	CodePermissionMicrophone = "permission.microphone_denied"

	CodeUnknown = "error.unknown"
)

// Error wraps an error with a stable code.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code, so sentinels compare by code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code && other.Cause == nil
}

// New creates an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that wraps cause. A nil cause yields nil.
func Wrap(code, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// IsTransport reports whether err belongs to the transport domain.
func IsTransport(err error) bool {
	return hasDomain(err, "transport.")
}

// IsProtocol reports whether err belongs to the protocol domain.
func IsProtocol(err error) bool {
	return hasDomain(err, "protocol.")
}

// IsPairing reports whether err belongs to the pairing domain.
func IsPairing(err error) bool {
	return hasDomain(err, "pairing.")
}

func hasDomain(err error, prefix string) bool {
	code := CodeOf(err)
	return len(code) >= len(prefix) && code[:len(prefix)] == prefix
}
