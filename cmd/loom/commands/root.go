package commands

import (
	"github.com/spf13/cobra"
)

var (
	// daemonAddr is the base URL of the loom daemon.
	daemonAddr string

	// tenantID scopes every call to one tenant.
	tenantID string

	// userID is the principal sent on every call.
	userID string

	// bearerToken, when set, is sent as an Authorization bearer token and
	// takes precedence over the tenant and user flags.
	bearerToken string

	// outputJSON switches the output from text to raw JSON.
	outputJSON bool
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Client for the loom workflow daemon",
	Long: `loom drives workflow processes and sagas running inside loomd.

Start process instances, inspect and complete their pending tasks, run
sagas, and follow the live event stream.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags.
	rootCmd.PersistentFlags().StringVar(
		&daemonAddr, "addr", "http://localhost:8080",
		"Base URL of the loom daemon",
	)
	rootCmd.PersistentFlags().StringVar(
		&tenantID, "tenant", "",
		"Tenant ID to scope operations to (default: default)",
	)
	rootCmd.PersistentFlags().StringVar(
		&userID, "user", "",
		"Principal ID to act as",
	)
	rootCmd.PersistentFlags().StringVar(
		&bearerToken, "token", "",
		"Bearer token carrying tenant and principal claims",
	)
	rootCmd.PersistentFlags().BoolVar(
		&outputJSON, "json", false,
		"Print raw JSON responses",
	)

	// Add subcommands.
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(sagaCmd)
	rootCmd.AddCommand(subscribeCmd)
}
