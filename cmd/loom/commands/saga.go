package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roasbeef/loom/internal/saga"
)

var sagaRunContext string

// sagaCmd groups the saga operations.
var sagaCmd = &cobra.Command{
	Use:   "saga",
	Short: "Run and inspect sagas",
}

// sagaRunCmd executes a registered saga to completion or compensation.
var sagaRunCmd = &cobra.Command{
	Use:   "run <definition-id>",
	Short: "Execute a saga and wait for its outcome",
	Example: `  loom saga run SignupSaga --context '{"email":` +
		` "dana@example.com"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sagaCtx, err := parseVars(sagaRunContext)
		if err != nil {
			return err
		}

		var s saga.Saga
		err = call("saga.execute", map[string]any{
			"definitionId": args[0],
			"context":      sagaCtx,
		}, &s)
		if err != nil {
			return err
		}

		return printResult(s, func() { printSaga(&s) })
	},
}

// sagaGetCmd shows a saga by ID.
var sagaGetCmd = &cobra.Command{
	Use:   "get <saga-id>",
	Short: "Show a saga",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s saga.Saga
		err := call("saga.get", map[string]any{
			"sagaId": args[0],
		}, &s)
		if err != nil {
			return err
		}

		return printResult(s, func() { printSaga(&s) })
	},
}

func printSaga(s *saga.Saga) {
	fmt.Printf("%s (%s)\n", s.ID, s.DefinitionID)
	fmt.Printf("  state:        %s\n", s.State)
	if len(s.CompletedSteps) > 0 {
		fmt.Printf("  completed:    %s\n",
			strings.Join(s.CompletedSteps, ", "))
	}
	if len(s.CompensatedSteps) > 0 {
		fmt.Printf("  compensated:  %s\n",
			strings.Join(s.CompensatedSteps, ", "))
	}
	if s.FailedStep != "" {
		fmt.Printf("  failed step:  %s (%s)\n", s.FailedStep,
			s.ErrorMessage)
	}
	if len(s.Context) > 0 {
		fmt.Printf("  context:      %v\n", s.Context)
	}
}

func init() {
	sagaRunCmd.Flags().StringVar(
		&sagaRunContext, "context", "",
		"Initial saga context as a JSON object",
	)

	sagaCmd.AddCommand(sagaRunCmd)
	sagaCmd.AddCommand(sagaGetCmd)
}
