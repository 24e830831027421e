package main

import (
	"fmt"
	"os"

	"github.com/synap/synap/internal/cli/command"
	"github.com/synap/synap/internal/infra/buildinfo"
)

func main() {
	command.Version = buildinfo.Version
	command.Commit = buildinfo.Commit
	command.BuildTime = buildinfo.BuildTime

	app := command.App()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
