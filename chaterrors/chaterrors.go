// Package chaterrors defines the structured error vocabulary for the chat
// protocol stack. Every failure that crosses a package boundary is tagged
// with a scope (who it is fatal to), a kind (the protocol-level error class),
// and a stable programmatic code.
package chaterrors

import "fmt"

// Scope identifies how far an error propagates.
type Scope string

const (
	// ScopeSession errors terminate one client session and nothing else.
	ScopeSession Scope = "session"
	// ScopeClient errors abort one client connection attempt; the client
	// may retry with backoff.
	ScopeClient Scope = "client"
	// ScopeProcess errors abort server startup.
	ScopeProcess Scope = "process"
)

// Kind is the coarse error class from the protocol's error-handling policy.
type Kind string

const (
	KindProtocol Kind = "protocol"
	KindDecrypt  Kind = "decrypt"
	KindAuth     Kind = "auth"
	KindRate     Kind = "rate"
	KindTransfer Kind = "transfer"
	KindIO       Kind = "io"
	KindTimeout  Kind = "timeout"
	KindConfig   Kind = "config"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	CodeFrameOversize      Code = "frame_oversize"
	CodeFrameTruncated     Code = "frame_truncated"
	CodeFrameEmpty         Code = "frame_empty"
	CodeBadEnvelope        Code = "bad_envelope"
	CodeSealOpenFailed     Code = "seal_open_failed"
	CodeBadToken           Code = "bad_token"
	CodeBadPublicKey       Code = "bad_public_key"
	CodeExpectedHello      Code = "expected_hello"
	CodeRateLimited        Code = "rate_limited"
	CodeTransferOversize   Code = "transfer_oversize"
	CodeTransferOutOfOrder Code = "transfer_out_of_order"
	CodeTransferOverflow   Code = "transfer_overflow"
	CodeTransferUnknown    Code = "transfer_unknown"
	CodeReadFailed         Code = "read_failed"
	CodeWriteFailed        Code = "write_failed"
	CodeQueueOverflow      Code = "queue_overflow"
	CodeHandshakeTimeout   Code = "handshake_timeout"
	CodeHeartbeatTimeout   Code = "heartbeat_timeout"
	CodeBindFailed         Code = "bind_failed"
	CodeTLSConfig          Code = "tls_config"
	CodeBadOption          Code = "bad_option"
)

// Error is a structured, programmatically identifiable protocol error.
type Error struct {
	Scope Scope
	Kind  Kind
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Scope, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s)", e.Scope, e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with scope, kind, and code.
func Wrap(scope Scope, kind Kind, code Code, err error) error {
	return &Error{Scope: scope, Kind: kind, Code: code, Err: err}
}

// New builds a tagged error with no cause.
func New(scope Scope, kind Kind, code Code) error {
	return &Error{Scope: scope, Kind: kind, Code: code}
}
