// Command caseledger runs the case ledger CLI.
package main

import (
	"fmt"
	"os"

	"github.com/dimagi/caseledger/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
