package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tickscope/tickscope/internal/cli"
	cliframework "github.com/urfave/cli/v3"
)

const version = "0.1.0-dev"

func main() {
	app := &cliframework.Command{
		Name:    "tickscope",
		Usage:   "Live capture ingestion and metric inspection for tick-based simulations",
		Version: version,
		Commands: []*cliframework.Command{
			cli.ServeCommand(),
			cli.WatchCommand(),
			cli.DoctorCommand(version),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "❌ error: %v\n", err)
		os.Exit(1)
	}
}
