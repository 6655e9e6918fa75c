package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roasbeef/loom/internal/process"
)

// instanceCmd shows the current state of an instance.
var instanceCmd = &cobra.Command{
	Use:   "instance <instance-id>",
	Short: "Show a process instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var inst process.Instance
		err := call("process.getInstance", map[string]any{
			"instanceId": args[0],
		}, &inst)
		if err != nil {
			return err
		}

		return printResult(inst, func() {
			fmt.Println(inst.ID)
			printInstance(&inst)
		})
	},
}

// lifecycleCmd builds one of the suspend/resume/terminate commands, which
// share their request and output shape.
func lifecycleCmd(verb, procedure string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <instance-id>",
		Short: verb + " a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inst process.Instance
			err := call(procedure, map[string]any{
				"instanceId": args[0],
			}, &inst)
			if err != nil {
				return err
			}

			return printResult(inst, func() {
				fmt.Printf("%s is now %s\n", inst.ID,
					inst.Status)
			})
		},
	}
}

var (
	suspendCmd   = lifecycleCmd("suspend", "process.suspend")
	resumeCmd    = lifecycleCmd("resume", "process.resume")
	terminateCmd = lifecycleCmd("terminate", "process.terminate")
)
