package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"nanochat/internal/version"
)

func main() {
	app := &cli.Command{
		Name:    "nanochat",
		Usage:   "Small transformer chat model runner",
		Version: version.String(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			chatCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
