// Command tillsync runs an offline-first point-of-sale terminal and its
// sync engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/tillsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
