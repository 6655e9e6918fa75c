package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roasbeef/loom/internal/process"
)

// tasksCmd lists the pending tasks of an instance.
var tasksCmd = &cobra.Command{
	Use:   "tasks <instance-id>",
	Short: "List pending tasks for a process instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Tasks []process.Task `json:"tasks"`
		}
		err := call("process.getTasks", map[string]any{
			"instanceId": args[0],
		}, &out)
		if err != nil {
			return err
		}

		return printResult(out, func() {
			if len(out.Tasks) == 0 {
				fmt.Println("No pending tasks")
				return
			}
			for _, task := range out.Tasks {
				fmt.Printf("%s  %-12s %s", task.TaskID,
					task.Kind, task.Name)
				if task.Assignee != "" {
					fmt.Printf("  (assignee: %s)",
						task.Assignee)
				}
				if task.LastError != "" {
					fmt.Printf("  [attempt %d: %s]",
						task.Attempts, task.LastError)
				}
				fmt.Println()
			}
		})
	},
}
