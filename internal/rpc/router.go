package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/event"
)

// ErrDuplicateProcedure is returned when a name is registered twice.
var ErrDuplicateProcedure = errors.New("duplicate procedure")

// Handler executes one procedure. Input arrives as raw JSON; Typed adapts
// strongly typed handlers onto this shape.
type Handler func(ctx context.Context, rctx authctx.Context,
	input json.RawMessage) (any, error)

// Router is the name-based procedure registry. Registration happens at
// startup; Call is safe for concurrent use.
type Router struct {
	mu         sync.RWMutex
	procedures map[string]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		procedures: make(map[string]Handler),
	}
}

// Register binds a handler to a procedure name. Names are unique per router.
func (r *Router) Register(name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procedures[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProcedure, name)
	}
	r.procedures[name] = handler

	log.DebugS(context.Background(), "Registered procedure", "name", name)

	return nil
}

// MustRegister is Register that panics, for the daemon's startup wiring
// where a duplicate name is a programming error.
func (r *Router) MustRegister(name string, handler Handler) {
	if err := r.Register(name, handler); err != nil {
		panic(err)
	}
}

// Procedures returns the registered names, for introspection.
func (r *Router) Procedures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.procedures))
	for name := range r.procedures {
		names = append(names, name)
	}

	return names
}

// Call dispatches by name. Unknown names fail with ProcedureNotFound;
// handler errors are classified per the taxonomy, anything unrecognized
// wrapped as Internal with the cause preserved.
func (r *Router) Call(ctx context.Context, rctx authctx.Context, name string,
	input json.RawMessage) (any, error) {

	r.mu.RLock()
	handler, ok := r.procedures[name]
	r.mu.RUnlock()

	if !ok {
		return nil, Errorf(CodeProcedureNotFound,
			"no procedure registered as %q", name)
	}

	log.TraceS(ctx, "Dispatching procedure", "name", name,
		"correlation_id", rctx.CorrelationID,
		"tenant_id", rctx.TenantID)

	out, err := handler(ctx, rctx, input)
	if err != nil {
		return nil, classify(ctx, err)
	}

	return out, nil
}

// classify maps well-known sentinel errors onto wire codes and wraps the
// rest as Internal.
func classify(ctx context.Context, err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var denied *authctx.PermissionDeniedError
	switch {
	case errors.As(err, &denied):
		return WrapError(CodePermissionDenied, err)

	case errors.Is(err, event.ErrVersionConflict):
		return WrapError(CodeVersionConflict, err)

	case errors.Is(err, event.ErrNotFound):
		return WrapError(CodeNotFound, err)

	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(CodeTimeout, err)
	}

	log.ErrorS(ctx, "Procedure failed", err)

	return WrapError(CodeInternal, err)
}

// Typed adapts a strongly typed handler to the Handler shape, decoding the
// input and reporting decode failures as ValidationFailed.
func Typed[I, O any](fn func(ctx context.Context, rctx authctx.Context,
	input I) (O, error)) Handler {

	return func(ctx context.Context, rctx authctx.Context,
		raw json.RawMessage) (any, error) {

		var input I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, Errorf(CodeValidationFailed,
					"invalid input: %v", err)
			}
		}

		return fn(ctx, rctx, input)
	}
}
