// Package main is the entry point for the Aegis alert engine.
package main

import (
	"context"
	"fmt"
	"os"

	"aegis/bootstrap"
	"aegis/cmd"
)

// run initializes and starts the alert engine.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()

	return nil
}

// main is the entry point.
func main() {
	// Check if running as CLI command
	if len(os.Args) > 1 && os.Args[1] == "retention" {
		// Strip "retention" from os.Args since the command already knows
		// it is the retention command
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		retentionCmd := cmd.NewRetentionCmd()
		if err := retentionCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Otherwise run as normal server
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
