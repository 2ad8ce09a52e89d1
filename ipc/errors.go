// Package ipc implements the Avro RPC protocol engine: handshake negotiation
// with fingerprint-keyed adapter caching, framed request/response
// multiplexing over shared transports, the four channel variants
// (stateless/stateful × client/server), a two-phase middleware pipeline used
// symmetrically on both ends, and the Client/Server façades.
package ipc

import "fmt"

// rpcCode values carried by Error. The lowercase codes are per-call
// conditions raised locally; the uppercase ones are protocol-level codes,
// and those a server raises reach the client as system error strings.
const (
	CodeInvalidHandshakeRequest  = "INVALID_HANDSHAKE_REQUEST"
	CodeInvalidHandshakeResponse = "INVALID_HANDSHAKE_RESPONSE"
	CodeIncompatibleProtocol     = "INCOMPATIBLE_PROTOCOL"
	CodeUnknownProtocol          = "UNKNOWN_PROTOCOL"
	CodeInvalidRequest           = "INVALID_REQUEST"
	CodeInvalidResponse          = "INVALID_RESPONSE"
	CodeNotImplemented           = "NOT_IMPLEMENTED"
	CodeApplicationError         = "APPLICATION_ERROR"
	CodeInternalServerError      = "INTERNAL_SERVER_ERROR"
	CodeTimeout                  = "timeout"
	CodeInterrupted              = "interrupted"
)

// Error is the tagged error variant used throughout the runtime: an rpcCode,
// a human-readable message, and an optional cause chain.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Cause != nil {
			return e.Code + ": " + e.Cause.Error()
		}
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// wrapErr tags err with code unless it is already an Error.
func wrapErr(code string, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: code, Message: err.Error(), Cause: err}
}

// CodeOf returns err's rpcCode, or INTERNAL_SERVER_ERROR for untagged errors.
func CodeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeInternalServerError
}

// RemoteError carries a declared-error-union value received from the peer.
// In strict mode it reaches the caller verbatim; in non-strict mode string
// branches are unwrapped into plain errors first.
type RemoteError struct {
	Value any
}

func (e *RemoteError) Error() string { return fmt.Sprintf("remote error: %v", e.Value) }
