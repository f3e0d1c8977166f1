// Package servererr carries the block-transfer error taxonomy (spec §7) as
// data instead of as a panic or a bare error string, so it can be
// serialized into a response frame's errorCode, logged at the right level,
// and compared by callers deciding whether to retry.
package servererr

import (
	"errors"
	"fmt"
)

// Code identifies which branch of the §7 taxonomy an error belongs to.
type Code int

const (
	// CodeNone means "no error" -- used only as the zero value of a
	// response frame's errorCode field.
	CodeNone Code = iota
	// CodeAborted is an explicit cancellation. Always expected, logged at trace.
	CodeAborted
	// CodeInvalidArgument is a malformed request (e.g. bad block-type/command pairing).
	CodeInvalidArgument
	// CodePermissionDenied is returned when an auth-gated command arrives unauthenticated.
	CodePermissionDenied
	// CodeProtocolNotSupported is returned for version mismatches and pre-handshake commands.
	CodeProtocolNotSupported
	// CodeNoSuchFileOrDirectory is returned by Get/Remove against an absent chunk.
	CodeNoSuchFileOrDirectory
	// CodeTargetPeerNotFound is a broker-retryable condition: caller may retry on another dispatch.
	CodeTargetPeerNotFound
	// CodeTargetPeerQueueFull is a broker-retryable condition.
	CodeTargetPeerQueueFull
	// CodeProtocolValidationFailed is returned when a proxy fails to rewrite/reserialize a protocol envelope.
	CodeProtocolValidationFailed
	// CodeIntegrity covers CRC mismatches, non-contiguous chunks, size mismatches.
	CodeIntegrity
	// CodeFatal is anything else: closes the connection, may stop the server.
	CodeFatal
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeAborted:
		return "aborted"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeProtocolNotSupported:
		return "protocol_not_supported"
	case CodeNoSuchFileOrDirectory:
		return "no_such_file_or_directory"
	case CodeTargetPeerNotFound:
		return "target_peer_not_found"
	case CodeTargetPeerQueueFull:
		return "target_peer_queue_full"
	case CodeProtocolValidationFailed:
		return "protocol_validation_failed"
	case CodeIntegrity:
		return "integrity"
	case CodeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the structured error value that flows through blobfabric instead
// of a bare string. Annotations carry free-form context (peer id, chunk id,
// ...) for logging; UserFriendly marks errors that CLI tooling may print
// verbatim to an end user.
type Error struct {
	Code         Code
	Message      string
	Annotations  map[string]string
	UserFriendly bool
	cause        error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithAnnotation returns e with an added annotation, allocating the map lazily.
func (e *Error) WithAnnotation(key, value string) *Error {
	if e.Annotations == nil {
		e.Annotations = make(map[string]string, 1)
	}
	e.Annotations[key] = value
	return e
}

// Retryable reports whether callers may retry the operation through a
// different dispatch (§7 "Broker retryable").
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeTargetPeerNotFound, CodeTargetPeerQueueFull:
		return true
	default:
		return false
	}
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, else CodeFatal for any other non-nil error and CodeNone for nil.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeFatal
}
