// Command biosync runs the sync and resilience core of a fingerprint
// attendance device.
package main

import (
	"fmt"
	"os"

	"github.com/DEOS-Org/biosync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
