package models

import "fmt"

// TransportFailureKind classifies how a backend call failed before a response
// could be decoded.
type TransportFailureKind string

const (
	ConnectFailure TransportFailureKind = "connect_failure"
	Timeout        TransportFailureKind = "timeout"
	ProtocolError  TransportFailureKind = "protocol_error"
	HTTPStatus     TransportFailureKind = "http_status"
)

// TransportError is returned by an AuthorizationBackend when no usable
// response was received. Transports never retry; recovery policy belongs to
// the orchestrator.
type TransportError struct {
	Kind       TransportFailureKind
	StatusCode int // set for HTTPStatus
	Err        error
}

func (e *TransportError) Error() string {
	if e.Kind == HTTPStatus {
		return fmt.Sprintf("transport failure (%s %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport failure (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError marks a malformed backend payload. Treated as a decline with a
// system-error response code, never silently accepted.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "decode error: " + e.Reason }

// KernelProtocolError marks an unexpected kernel callback sequence or an
// empty candidate list. Fatal to the current transaction.
type KernelProtocolError struct {
	Reason string
}

func (e *KernelProtocolError) Error() string { return "kernel protocol error: " + e.Reason }
