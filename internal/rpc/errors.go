// Package rpc implements the procedure registry and the request/response
// envelope contract shared by every transport: requests are {p, i}, success
// responses {ok: true, r}, failures {ok: false, error: {code, message,
// correlationId?, details?}}.
package rpc

import (
	"errors"
	"fmt"
)

// Code classifies an RPC failure. Codes are part of the wire contract.
type Code string

const (
	// CodeMethodNotAllowed: the HTTP method was not POST.
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"

	// CodeUnsupportedMediaType: the request body was not JSON.
	CodeUnsupportedMediaType Code = "UNSUPPORTED_MEDIA_TYPE"

	// CodeBadRequest: the body was not parseable at all.
	CodeBadRequest Code = "BAD_REQUEST"

	// CodeValidationFailed: the envelope or procedure input failed
	// schema validation. Details name the offending fields.
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// CodeProcedureNotFound: no procedure registered under the name.
	CodeProcedureNotFound Code = "PROCEDURE_NOT_FOUND"

	// CodeUnauthorized: the request carried no usable identity.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodePermissionDenied: the identity lacks the required capability.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodeNotFound: the named resource does not exist for this tenant.
	CodeNotFound Code = "NOT_FOUND"

	// CodeVersionConflict: a CAS append lost; the caller may re-read and
	// retry.
	CodeVersionConflict Code = "VERSION_CONFLICT"

	// CodeAlreadyExists: the resource the caller tried to create exists.
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// CodeMailboxFull: the target actor's mailbox is at capacity; retry
	// with back-off.
	CodeMailboxFull Code = "MAILBOX_FULL"

	// CodeServerAtCapacity: a transport-level capacity bound was hit;
	// retry with back-off.
	CodeServerAtCapacity Code = "SERVER_AT_CAPACITY"

	// CodeTimeout: the request deadline elapsed before the handler
	// finished.
	CodeTimeout Code = "TIMEOUT"

	// CodeInternal: anything else. Fatal for the request, never for the
	// process.
	CodeInternal Code = "INTERNAL"
)

// Error is the structured failure every transport serializes. It wraps an
// optional cause for errors.Is/As up the stack; the cause never goes on the
// wire.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	// CorrelationID is stamped by the transport before the envelope is
	// written.
	CorrelationID string `json:"correlationId,omitempty"`

	// Details carries structured context, e.g. per-field validation
	// failures.
	Details any `json:"details,omitempty"`

	cause error
}

// Error implements error.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err as code, preserving it as the cause. An err that
// already is an *Error passes through unchanged.
func WrapError(code Code, err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	return &Error{Code: code, Message: err.Error(), cause: err}
}

// WithDetails returns a copy carrying the given details value.
func (e *Error) WithDetails(details any) *Error {
	out := *e
	out.Details = details
	return &out
}

// CodeOf extracts the classification from any error, defaulting to
// CodeInternal.
func CodeOf(err error) Code {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}

	return CodeInternal
}

// Retryable reports whether the caller may retry the failed request.
// Conflict and capacity failures are worth retrying after back-off; input,
// identity, and internal failures are not.
func Retryable(code Code) bool {
	switch code {
	case CodeVersionConflict, CodeMailboxFull, CodeServerAtCapacity,
		CodeTimeout:

		return true
	default:
		return false
	}
}
