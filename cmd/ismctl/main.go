// Command ismctl administers an inter-site message federation and runs
// its sites.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/sitenet/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
