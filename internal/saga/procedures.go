package saga

import (
	"context"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/rpc"
)

type executeInput struct {
	DefinitionID string         `json:"definitionId"`
	Context      map[string]any `json:"context,omitempty"`
}

type getInput struct {
	SagaID string `json:"sagaId"`
}

// RegisterProcedures exposes the orchestrator's procedure surface on the
// router.
func (o *Orchestrator) RegisterProcedures(router *rpc.Router) error {
	procs := map[string]rpc.Handler{
		"saga.execute": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context, in executeInput) (*Saga, error) {

			if in.DefinitionID == "" {
				return nil, rpc.Errorf(
					rpc.CodeValidationFailed,
					"definitionId is required",
				)
			}
			if err := authctx.ValidateAccess(
				rctx, "saga", "execute",
			); err != nil {
				return nil, err
			}

			return o.Execute(ctx, rctx, in.DefinitionID, in.Context)
		}),

		"saga.get": rpc.Typed(func(ctx context.Context,
			rctx authctx.Context, in getInput) (*Saga, error) {

			return o.Get(ctx, rctx, in.SagaID)
		}),
	}

	for name, handler := range procs {
		if err := router.Register(name, handler); err != nil {
			return err
		}
	}

	return nil
}
