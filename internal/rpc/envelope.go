package rpc

import (
	"encoding/json"
	"fmt"
)

// Request is the wire envelope for a procedure call.
type Request struct {
	// Procedure is the registered name, e.g. "process.start".
	Procedure string `json:"p"`

	// Input is the procedure's input value, decoded by the handler.
	Input json.RawMessage `json:"i,omitempty"`
}

// FieldError names one invalid envelope or input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Validate checks the envelope schema, returning a ValidationFailed error
// with per-field details on failure.
func (r *Request) Validate() error {
	var fields []FieldError
	if r.Procedure == "" {
		fields = append(fields, FieldError{
			Field:  "p",
			Reason: "required",
		})
	}
	if len(r.Input) > 0 && !json.Valid(r.Input) {
		fields = append(fields, FieldError{
			Field:  "i",
			Reason: "not valid json",
		})
	}

	if len(fields) > 0 {
		return Errorf(CodeValidationFailed,
			"invalid envelope").WithDetails(fields)
	}

	return nil
}

// Response is the wire envelope for a procedure result.
type Response struct {
	OK bool `json:"ok"`

	// Result is present iff OK.
	Result json.RawMessage `json:"r,omitempty"`

	// Err is present iff !OK.
	Err *Error `json:"error,omitempty"`
}

// NewResponse wraps a handler result into a success envelope.
func NewResponse(result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("encode result: %w", err)
	}

	return Response{OK: true, Result: raw}, nil
}

// ErrorResponse wraps any error into a failure envelope, classifying
// unrecognized errors as Internal and stamping the correlation ID.
func ErrorResponse(err error, correlationID string) Response {
	rpcErr := WrapError(CodeInternal, err)
	out := *rpcErr
	out.CorrelationID = correlationID

	return Response{OK: false, Err: &out}
}
