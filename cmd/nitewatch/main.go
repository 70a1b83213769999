package main

import (
	"fmt"
	"os"

	"nitewatch/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nitewatch:", err)
		os.Exit(cli.ExitCode(err))
	}
}
