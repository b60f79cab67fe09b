package main

import (
	"context"
	"os"
	"time"

	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("conduit")

	cmd := &cli.Command{
		Name:                  "conduit",
		Usage:                 "Run and serve workflow executions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "node-manifest",
				Usage:   "YAML manifest of enabled node types, all built-ins when empty",
				Sources: cli.EnvVars("NODE_MANIFEST"),
			},
			&cli.DurationFlag{
				Name:    "default-node-timeout",
				Usage:   "Node timeout applied when neither node nor workflow sets one",
				Value:   engine.DefaultNodeTimeout,
				Sources: cli.EnvVars("DEFAULT_NODE_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "max-parallel",
				Usage:   "Concurrent node invocations per execution",
				Value:   engine.DefaultMaxParallel,
				Sources: cli.EnvVars("MAX_PARALLEL"),
			},
			&cli.StringFlag{
				Name:    "credentials-key",
				Usage:   "Master key used to seal credentials",
				Sources: cli.EnvVars("CREDENTIALS_KEY"),
			},
			&cli.StringFlag{
				Name:    "credentials-store",
				Usage:   "Credential store: memory or a redis:// URL",
				Value:   "memory",
				Sources: cli.EnvVars("CREDENTIALS_STORE"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			ServeCommand(),
			RunCommand(),
			ValidateCommand(),
			NodesCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

func engineOptions(command *cli.Command) []engine.Option {
	return []engine.Option{
		engine.WithDefaultNodeTimeout(command.Duration("default-node-timeout")),
		engine.WithMaxParallel(command.Int("max-parallel")),
		engine.WithLogger(log.WithModule("engine")),
	}
}

const shutdownTimeout = 10 * time.Second
