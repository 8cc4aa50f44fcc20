package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/pflag"

	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeper: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configFile string
	var migrateOnly bool

	flagSet := pflag.NewFlagSet("gatekeeper", pflag.ContinueOnError)
	flagSet.StringVar(&configFile, "config", os.Getenv("GATEKEEPER_CONFIG_FILE"), "YAML file with extra capabilities, permissions and roles")
	flagSet.BoolVar(&migrateOnly, "migrate-only", false, "apply migrations and seed the catalogue, then exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: gatekeeper [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.LoadConfigWithFile(configFile)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	ctx := context.Background()

	tp, err := observability.InitTracing(ctx, cfg.Observability.Tracing(), logger)
	if err != nil {
		return err
	}

	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return err
	}

	registry := observability.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		if err := observability.RegisterDBStats(registry, db, "gatekeeper"); err != nil {
			return fmt.Errorf("failed to register database metrics: %w", err)
		}
	}

	manager, err := newManager(cfg, db, registry, logger)
	if err != nil {
		db.Close()
		return err
	}
	if err := manager.Initialize(ctx); err != nil {
		db.Close()
		return err
	}
	if migrateOnly {
		logger.Info("Migrations applied and catalogue seeded")
		return db.Close()
	}

	stopSweeper, err := manager.StartSweeper()
	if err != nil {
		db.Close()
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      newHandler(cfg, db, manager, registry, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		stopSweeper()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		defer observability.RecoverPanic(logger, "http server")
		logger.WithField("addr", server.Addr).Info("Starting gatekeeper")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			cancel()
		}
	}()

	shutdownErr := shutdown.WaitForShutdown(ctx)
	// Connections are drained by now
	if err := db.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close database")
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	default:
	}
	return shutdownErr
}
