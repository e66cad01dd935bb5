// Package main is the entry point for the aof CLI.
package main

import (
	"os"

	"github.com/randalmurphal/aof/internal/cli"
	aoferrors "github.com/randalmurphal/aof/internal/errors"
)

func main() {
	if err := cli.Execute(); err != nil {
		if aofErr := aoferrors.AsAOFError(err); aofErr != nil {
			os.Exit(aofErr.ExitCode())
		}
		os.Exit(2)
	}
}
