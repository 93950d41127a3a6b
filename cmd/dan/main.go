// Command dan runs and operates the payment channel runtime.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cenwadike/dan/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
