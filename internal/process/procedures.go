package process

import (
	"context"
	"errors"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/rpc"
)

// mapStateError converts lifecycle precondition failures into wire-coded
// errors instead of opaque internal ones.
func mapStateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotRunning) || errors.Is(err, ErrNotSuspended) ||
		errors.Is(err, ErrTerminal) {

		return rpc.WrapError(rpc.CodeValidationFailed, err)
	}

	return err
}

// startInput is the process.start request.
type startInput struct {
	ProcessID   string         `json:"processId"`
	BusinessKey string         `json:"businessKey,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

type signalInput struct {
	InstanceID string         `json:"instanceId"`
	Name       string         `json:"name"`
	Variables  map[string]any `json:"variables,omitempty"`
}

type completeTaskInput struct {
	InstanceID string         `json:"instanceId"`
	TaskID     string         `json:"taskId"`
	Variables  map[string]any `json:"variables,omitempty"`
}

type instanceInput struct {
	InstanceID string `json:"instanceId"`
}

type tasksOutput struct {
	Tasks []Task `json:"tasks"`
}

// RegisterProcedures exposes the engine's procedure surface on the router.
func (e *Engine) RegisterProcedures(router *rpc.Router) error {
	procs := map[string]rpc.Handler{
		"process.start": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context,
			in startInput) (*Instance, error) {

			if in.ProcessID == "" {
				return nil, rpc.Errorf(
					rpc.CodeValidationFailed,
					"processId is required",
				)
			}
			if err := authctx.ValidateAccess(
				rctx, "process", "start",
			); err != nil {
				return nil, err
			}

			return e.Start(ctx, rctx, in.ProcessID,
				in.BusinessKey, in.Variables)
		}),

		"process.signal": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context,
			in signalInput) (*Instance, error) {

			if err := authctx.ValidateAccess(
				rctx, "process", "signal",
			); err != nil {
				return nil, err
			}

			inst, err := e.Signal(ctx, rctx, in.InstanceID,
				in.Name, in.Variables)

			return inst, mapStateError(err)
		}),

		"process.message": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context,
			in signalInput) (*Instance, error) {

			if err := authctx.ValidateAccess(
				rctx, "process", "message",
			); err != nil {
				return nil, err
			}

			inst, err := e.Message(ctx, rctx, in.InstanceID,
				in.Name, in.Variables)

			return inst, mapStateError(err)
		}),

		"process.completeTask": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context,
			in completeTaskInput) (*Instance, error) {

			if err := authctx.ValidateAccess(
				rctx, "process", "completeTask",
			); err != nil {
				return nil, err
			}

			inst, err := e.CompleteTask(ctx, rctx, in.InstanceID,
				in.TaskID, in.Variables)

			return inst, mapStateError(err)
		}),

		"process.getTasks": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context,
			in instanceInput) (tasksOutput, error) {

			tasks, err := e.GetTasks(ctx, rctx, in.InstanceID)
			if err != nil {
				return tasksOutput{}, err
			}

			return tasksOutput{Tasks: tasks}, nil
		}),

		"process.getInstance": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context,
			in instanceInput) (*Instance, error) {

			return e.GetInstance(ctx, rctx, in.InstanceID)
		}),

		"process.suspend": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context,
			in instanceInput) (*Instance, error) {

			if err := authctx.ValidateAccess(
				rctx, "process", "suspend",
			); err != nil {
				return nil, err
			}

			inst, err := e.Suspend(ctx, rctx, in.InstanceID)

			return inst, mapStateError(err)
		}),

		"process.resume": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context,
			in instanceInput) (*Instance, error) {

			if err := authctx.ValidateAccess(
				rctx, "process", "resume",
			); err != nil {
				return nil, err
			}

			inst, err := e.Resume(ctx, rctx, in.InstanceID)

			return inst, mapStateError(err)
		}),

		"process.terminate": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context,
			in instanceInput) (*Instance, error) {

			if err := authctx.ValidateAccess(
				rctx, "process", "terminate",
			); err != nil {
				return nil, err
			}

			inst, err := e.Terminate(ctx, rctx, in.InstanceID)

			return inst, mapStateError(err)
		}),
	}

	for name, handler := range procs {
		if err := router.Register(name, handler); err != nil {
			return err
		}
	}

	return nil
}
