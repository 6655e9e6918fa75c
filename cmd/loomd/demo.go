package main

import (
	"context"
	"fmt"
	"time"

	"github.com/roasbeef/loom/internal/process"
	"github.com/roasbeef/loom/internal/saga"
)

// registerDemo installs a sample order process and signup saga so a fresh
// daemon can be driven end to end from the CLI without writing any code.
func registerDemo(engine *process.Engine, orch *saga.Orchestrator) error {
	def, err := demoOrderProcess()
	if err != nil {
		return err
	}
	if err := engine.Register(def); err != nil {
		return err
	}

	return orch.Register(demoSignupSaga())
}

// demoOrderProcess routes orders by amount: small ones auto-approve, large
// ones wait on a manager's user task.
func demoOrderProcess() (*process.Definition, error) {
	b := process.NewBuilder("OrderProcess")
	b.Start("start").
		ServiceTask("ValidateOrder", validateOrder,
			process.WithRetry(3, time.Second)).
		ExclusiveGateway("AmountCheck").
		When("low", "amount <= 1000", func(b *process.Builder) {
			b.ServiceTask("AutoApprove", autoApprove).
				MoveTo("done")
		}).
		Otherwise(func(b *process.Builder) {
			b.UserTask("ManagerApproval",
				process.WithAssignee("manager")).
				MoveTo("done")
		}).
		Done().
		End("done")

	return b.Build()
}

func validateOrder(_ context.Context,
	vars map[string]any) (map[string]any, error) {

	amount, ok := vars["amount"].(float64)
	if !ok {
		return nil, fmt.Errorf("order has no numeric amount")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("order amount %v is not positive", amount)
	}

	return map[string]any{"validated": true}, nil
}

func autoApprove(_ context.Context,
	_ map[string]any) (map[string]any, error) {

	return map[string]any{"approved": true, "approvedBy": "auto"}, nil
}

// demoSignupSaga provisions an account in three steps. The verification email
// cannot be unsent, so that step is not compensatable.
func demoSignupSaga() *saga.Definition {
	return &saga.Definition{
		ID: "SignupSaga",
		Steps: []saga.Step{
			{
				Name:          "create-account",
				Compensatable: true,
				Execute: func(_ context.Context,
					sctx map[string]any) (map[string]any, error) {

					email, _ := sctx["email"].(string)
					if email == "" {
						return nil, fmt.Errorf(
							"signup requires an email")
					}

					return map[string]any{
						"accountId": "acct-" + email,
					}, nil
				},
				Compensate: func(_ context.Context,
					_ map[string]any) error {

					return nil
				},
			},
			{
				Name: "send-verification-email",
				Execute: func(_ context.Context,
					_ map[string]any) (map[string]any, error) {

					return map[string]any{
						"emailSent": true,
					}, nil
				},
			},
			{
				Name:          "provision-workspace",
				Compensatable: true,
				Execute: func(_ context.Context,
					sctx map[string]any) (map[string]any, error) {

					if fail, _ := sctx["failProvision"].(bool); fail {
						return nil, fmt.Errorf(
							"workspace quota exceeded")
					}

					return map[string]any{
						"workspaceReady": true,
					}, nil
				},
				Compensate: func(_ context.Context,
					_ map[string]any) error {

					return nil
				},
			},
		},
	}
}
