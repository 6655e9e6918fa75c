// loom is the client CLI for the loom daemon. It speaks the daemon's HTTP
// RPC envelope and streams events over SSE.
package main

import (
	"fmt"
	"os"

	"github.com/roasbeef/loom/cmd/loom/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
