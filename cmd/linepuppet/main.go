package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/linepuppet/pkg/connector"
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := connector.LoadConfig(ctx.String("config"), !ctx.Bool("no-update"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err = cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyConfig, cfg)
	return nil
}

var checkConfigCommand = &cli.Command{
	Name:   "check-config",
	Usage:  "Load and validate the config file, then exit",
	Before: prepareApp,
	Action: func(ctx *cli.Context) error {
		cfg := getConfig(ctx)
		network, address := cfg.Puppeteer.Connection.Network()
		fmt.Printf("Config OK: listening on %s:%s\n", network, address)
		return nil
	},
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version information",
	Action: func(ctx *cli.Context) error {
		fmt.Printf("linepuppet %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:    "linepuppet",
		Usage:   "Mirror the LINE Chrome extension to a Matrix bridge",
		Version: Tag,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
				EnvVars: []string{"LINEPUPPET_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "Don't write missing config keys back to the config file",
			},
		},
		DefaultCommand: runCommand.Name,
		Commands: []*cli.Command{
			runCommand,
			checkConfigCommand,
			versionCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
