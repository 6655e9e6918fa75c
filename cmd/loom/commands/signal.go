package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roasbeef/loom/internal/process"
)

var signalVars string

// signalCmd delivers a named signal to a waiting instance.
var signalCmd = &cobra.Command{
	Use:   "signal <instance-id> <name>",
	Short: "Send a signal to a process instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseVars(signalVars)
		if err != nil {
			return err
		}

		var inst process.Instance
		err = call("process.signal", map[string]any{
			"instanceId": args[0],
			"name":       args[1],
			"variables":  vars,
		}, &inst)
		if err != nil {
			return err
		}

		return printResult(inst, func() {
			fmt.Printf("Signalled %s\n", inst.ID)
			printInstance(&inst)
		})
	},
}

func init() {
	signalCmd.Flags().StringVar(
		&signalVars, "vars", "",
		"Signal variables as a JSON object",
	)
}
