// Package main is the entry point for the coderunner service.
//
// MAIN PACKAGE IN GO:
// Every Go program starts execution in the main() function of the "main"
// package. It should stay minimal: parse the command line and hand over to
// the imported packages, where the actual logic lives.
//
// WHY COBRA?
// The binary does more than serve HTTP. "serve" runs the daemon, "run"
// executes a single file through the same pools, and "hash-key" produces the
// bcrypt hashes the config file expects. Cobra gives each of those its own
// flags and help text, one file per subcommand.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// exitError ends the process with a status code and no message, for when
// the command already printed everything worth saying.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
