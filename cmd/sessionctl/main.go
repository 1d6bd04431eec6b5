// Command sessionctl inspects and maintains branching session stores.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/sessionstore/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}

	// Commands print their own ExitErrors; anything else is a cobra usage error.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCommandError)
	}
	os.Exit(exitErr.Code)
}
