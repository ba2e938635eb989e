package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"peerhub/pkg/config"
	"peerhub/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const configKey = "config"

func Instance(out io.Writer) *cli.App {
	var (
		configPath string
		logLevel   string
	)
	return &cli.App{
		Name:      "peerhub",
		Usage:     "dual-transport peer messaging hub",
		Version:   version,
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			serverCmd(),
			clientCmd(),
			versionCmd(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to YAML config file",
				EnvVars:     []string{"PEERHUB_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Overrides log.level: debug, info, warn, error",
				Destination: &logLevel,
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Args().First() == "version" {
				return nil
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if _, err := observability.SetupLogger(cfg.Log); err != nil {
				return fmt.Errorf("setup logger: %w", err)
			}
			zap.L().Debug("effective configuration", zap.Any("config", cfg))
			ctx.App.Metadata = map[string]interface{}{configKey: cfg}
			return nil
		},
		After: func(*cli.Context) error {
			_ = zap.L().Sync()
			return nil
		},
	}
}

func Run(ctx context.Context, args []string) error {
	return Instance(color.Output).RunContext(ctx, args)
}

func configFrom(ctx *cli.Context) *config.Config {
	if cfg, ok := ctx.App.Metadata[configKey].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(ctx *cli.Context) error {
			_, err := fmt.Fprintf(ctx.App.Writer, "peerhub %s\n", version)
			return err
		},
	}
}
