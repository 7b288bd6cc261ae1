// Package main is the entry point for the warden binary.
// It delegates immediately to the CLI command tree, unless it was re-executed
// as the bootstrapper of a sandboxed target.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/neoclaw-ai/warden/internal/bootstrap"
	"github.com/neoclaw-ai/warden/internal/cli"
	"github.com/neoclaw-ai/warden/internal/logging"
)

func main() {
	if bootstrap.IsBootstrapProcess() {
		bootstrap.Main()
	}

	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				logging.Logger().Error("sandbox failed", "err", exitErr.Err)
			}
			os.Exit(exitErr.Code)
		}
		logging.Logger().Error("fatal error", "err", err)
		os.Exit(1)
	}
}
