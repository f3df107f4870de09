// Package gatewayerr defines the typed error used throughout the gateway to
// carry an HTTP status code (and, for the WebSocket layer, a JSON-RPC error
// code) alongside a message, matching the error-kind taxonomy of the gateway
// design: transport, timeout, host-reported, validation, authorization and
// internal errors all resolve to one of these.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind classifies the origin of an Error, mostly useful for metrics labels
// and log fields; the HTTP/JSON-RPC mapping is driven by Status, not Kind.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindTimeout       Kind = "timeout"
	KindHostReported  Kind = "host"
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindInternal      Kind = "internal"
)

// Error is returned by any operation that can fail in a way a caller must
// render as an HTTP status or a JSON-RPC error object.
type Error struct {
	Kind    Kind
	Status  int // HTTP status code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.Status)
}

// New builds an Error with an explicit kind/status/message.
func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// Transport is returned whenever the host socket is down or a send to it
// failed, equivalent to a 503 "Klippy Host not connected".
func Transport(message string) *Error {
	if message == "" {
		message = "host not connected"
	}
	return New(KindTransport, 503, message)
}

// Timeout is returned when a pending host request's deadline elapses before
// a response arrives.
func Timeout(message string) *Error {
	if message == "" {
		message = "timed out"
	}
	return New(KindTimeout, 500, message)
}

// HostReported wraps a {error,message,status_code} payload sent back by the
// host itself. status defaults to 400 when the host omits it.
func HostReported(message string, status int) *Error {
	if status == 0 {
		status = 400
	}
	return New(KindHostReported, status, message)
}

// Validation covers malformed client input rejected before the host is ever
// contacted (bad query string, unknown JSON-RPC method, bad multipart body).
func Validation(message string) *Error {
	return New(KindValidation, 404, message)
}

// BadRequest is a 400-class validation error, used where the client error is
// a plain bad request rather than an unknown route.
func BadRequest(message string) *Error {
	return New(KindValidation, 400, message)
}

// Forbidden models the 403 "file in use" gating responses from the host.
func Forbidden(message string) *Error {
	return New(KindValidation, 403, message)
}

// Unauthorized is returned when the authorization filter rejects a request.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Unauthorized"
	}
	return New(KindAuthorization, 401, message)
}

// Internal wraps an unexpected failure; callers should log the detailed
// message and present only a generic message to the client.
func Internal(message string) *Error {
	if message == "" {
		message = "internal server error"
	}
	return New(KindInternal, 500, message)
}

// JSONRPCCode maps an Error to the JSON-RPC 2.0 error code used by the
// WebSocket layer. Host-reported and transport/timeout errors surface their
// HTTP status as the JSON-RPC code; internal errors get the reserved
// JSON-RPC code.
func (e *Error) JSONRPCCode() int {
	switch e.Kind {
	case KindInternal:
		return -31000
	default:
		return e.Status
	}
}

// As reports whether err is (or wraps) a *Error, mirroring errors.As without
// requiring callers to import "errors" for this one common case.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
