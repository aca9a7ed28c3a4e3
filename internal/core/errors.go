package core

import (
	"errors"
	"fmt"
)

// Kind classifies a GhostError for callers deciding what to do next.
// A resonance mismatch is never an error and so has no Kind.
type Kind int

const (
	// KindValidation is a caller input problem: fix the input, do not retry.
	KindValidation Kind = iota + 1
	// KindSecurity is a tampering or authenticity failure: log, discard, do not retry.
	KindSecurity
	// KindTransport is an infrastructure failure: retry with backoff.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSecurity:
		return "security"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error codes
const (
	// Validation errors
	ErrCodeNonFinite       = "NON_FINITE_RESONANCE"
	ErrCodeInvalidWindow   = "INVALID_WINDOW"
	ErrCodeMalformedParams = "MALFORMED_PARAMS"
	ErrCodeActionTooLarge  = "ACTION_TOO_LARGE"
	ErrCodeCarrierTooSmall = "CARRIER_TOO_SMALL"
	ErrCodeInvalidPacket   = "INVALID_PACKET"
	ErrCodeTTLExhausted    = "TTL_EXHAUSTED"
	ErrCodeCapacity        = "CAPACITY_EXCEEDED"

	// Security errors
	ErrCodeIntegrity       = "INTEGRITY_MISMATCH"
	ErrCodeProofInvalid    = "PROOF_INVALID"
	ErrCodeUnmaskFailed    = "UNMASK_FAILED"
	ErrCodeExtractFailed   = "CARRIER_EXTRACT_FAILED"
	ErrCodePayloadMismatch = "PAYLOAD_MISMATCH"

	// Transport errors
	ErrCodeSendFailed      = "SEND_FAILED"
	ErrCodeDialFailed      = "DIAL_FAILED"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeTransportClosed = "TRANSPORT_CLOSED"
)

// GhostError carries a code, a class, and free-form context for logs.
type GhostError struct {
	Code    string                 // Error code for programmatic handling
	Kind    Kind                   // Handling class
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *GhostError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *GhostError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *GhostError) WithContext(key string, value interface{}) *GhostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new error of the given kind.
func NewError(kind Kind, code, message string) *GhostError {
	return &GhostError{
		Code:    code,
		Kind:    kind,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps cause with a code and kind.
func WrapError(kind Kind, code, message string, cause error) *GhostError {
	return &GhostError{
		Code:    code,
		Kind:    kind,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// KindOf returns the Kind of the first GhostError in err's chain, or 0.
func KindOf(err error) Kind {
	var ge *GhostError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// CodeOf returns the code of the first GhostError in err's chain.
func CodeOf(err error) string {
	var ge *GhostError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// IsSecurity reports whether err is a security rejection.
func IsSecurity(err error) bool { return KindOf(err) == KindSecurity }

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool { return KindOf(err) == KindTransport }

// Common error constructors

func ErrIntegrity(packetID string) *GhostError {
	return NewError(KindSecurity, ErrCodeIntegrity, "packet hash mismatch").
		WithContext("packet_id", packetID)
}

func ErrProofInvalid(packetID string, cause error) *GhostError {
	return WrapError(KindSecurity, ErrCodeProofInvalid, "proof verification failed", cause).
		WithContext("packet_id", packetID)
}

func ErrUnmask(packetID string, cause error) *GhostError {
	return WrapError(KindSecurity, ErrCodeUnmaskFailed, "unmasking failed", cause).
		WithContext("packet_id", packetID)
}

func ErrExtract(packetID string, cause error) *GhostError {
	return WrapError(KindSecurity, ErrCodeExtractFailed, "carrier extraction failed", cause).
		WithContext("packet_id", packetID)
}

func ErrValidation(code, message string, cause error) *GhostError {
	return WrapError(KindValidation, code, message, cause)
}

func ErrSend(peerID string, cause error) *GhostError {
	return WrapError(KindTransport, ErrCodeSendFailed, "send failed", cause).
		WithContext("peer_id", peerID)
}

func ErrTimeout(operation string, cause error) *GhostError {
	return WrapError(KindTransport, ErrCodeTimeout, "operation timed out", cause).
		WithContext("operation", operation)
}
