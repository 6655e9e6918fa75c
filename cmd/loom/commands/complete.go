package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roasbeef/loom/internal/process"
)

var completeVars string

// completeCmd completes a pending user task.
var completeCmd = &cobra.Command{
	Use:   "complete <instance-id> <task-id>",
	Short: "Complete a pending user task",
	Example: `  loom complete inst-42 task-7 --vars '{"approved": true,` +
		` "approvedBy": "dana"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseVars(completeVars)
		if err != nil {
			return err
		}

		var inst process.Instance
		err = call("process.completeTask", map[string]any{
			"instanceId": args[0],
			"taskId":     args[1],
			"variables":  vars,
		}, &inst)
		if err != nil {
			return err
		}

		return printResult(inst, func() {
			fmt.Printf("Completed %s\n", args[1])
			printInstance(&inst)
		})
	},
}

func init() {
	completeCmd.Flags().StringVar(
		&completeVars, "vars", "",
		"Task output variables as a JSON object",
	)
}
