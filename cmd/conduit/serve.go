package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/conduit/pkg/cmd"
	"github.com/dukex/conduit/pkg/dispatcher"
	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/urfave/cli/v3"
)

func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Serve the API, webhooks and schedules",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL: file://<dir> or postgres://...",
				Value:   "file://./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "notifier",
				Usage:   "Realtime notifier transport (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("NOTIFIER"),
			},
			&cli.DurationFlag{
				Name:    "schedule-tick",
				Usage:   "Period of the schedule timer loop",
				Value:   dispatcher.DefaultTick,
				Sources: cli.EnvVars("SCHEDULE_TICK"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.WithModule("serve")
	logger.Info("Initializing Conduit")

	tracer := otelhelper.Noop()

	if command.Bool("tracing") {
		t, shutdown, err := otelhelper.NewTracer(ctx, "conduit")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.WithError(err).Error("Failed to shutdown tracer provider")
			}
		}()

		tracer = t
	}

	persistence, err := cmd.NewPersistence(ctx, log.WithModule("persistence"), command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.Background()); err != nil {
			logger.WithError(err).Error("Failed to close persistence")
		}
	}()

	registry, err := cmd.NewRegistry(log.WithModule("registry"), command.String("node-manifest"))
	if err != nil {
		return err
	}

	events, err := cmd.NewNotifier(command.String("notifier"), log.WithModule("notifier"))
	if err != nil {
		return err
	}

	defer func() {
		if err := events.Close(); err != nil {
			logger.WithError(err).Error("Failed to close notifier")
		}
	}()

	vault, store, err := cmd.NewVault(ctx, log.WithModule("credentials"),
		command.String("credentials-store"), command.String("credentials-key"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("Failed to close credential store")
		}
	}()

	eng := engine.New(registry, persistence, append(engineOptions(command),
		engine.WithCredentials(vault),
		engine.WithNotifier(events),
		engine.WithTracer(tracer),
	)...)

	disp := dispatcher.New(eng, persistence,
		dispatcher.WithTracer(tracer),
		dispatcher.WithTick(command.Duration("schedule-tick")),
	)

	restored, err := disp.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore active workflows: %w", err)
	}

	logger.WithField("workflows", restored).Info("Triggers restored")

	go func() {
		if err := disp.Run(ctx); err != nil {
			logger.WithError(err).Error("Schedule loop failed")
		}
	}()

	api := NewAPI(logger, persistence, registry, eng, disp, events, vault)
	app := api.App()

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- api.Start(app, command.Int("port"))
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.WithError(err).Error("Failed to shutdown api")
	}

	// Let in-flight executions write their history before the stores close.
	waitDone := make(chan struct{})

	go func() {
		eng.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(shutdownTimeout):
		logger.WithField("running", len(eng.Running())).Warn("Executions still running at shutdown")
	}

	return nil
}
