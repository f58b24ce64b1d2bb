package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vitalwatch/internal/api"
	"vitalwatch/internal/auth"
	"vitalwatch/internal/config"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/ingest"
	"vitalwatch/internal/logging"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/notify"
	"vitalwatch/internal/query"
	"vitalwatch/internal/storage"
)

var version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "vitalwatch",
		Short:         "Patient vital-sign ingestion and monitoring backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("VITALWATCH_CONFIG"), "Config file (YAML or JSON); defaults plus environment when empty")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and any enabled broker consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the storage schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := config.OpenManager(config.ResolvePath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := storage.NewStore(mgr.Get().Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", mgr.Get().Storage.Driver)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default config to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(args[0])
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	return cmd
}

func runServer() error {
	mgr, err := config.OpenManager(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	logger.Info("storage ready", "driver", cfg.Storage.Driver)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("jwt secret not set; dashboard reads will be rejected")
	}

	collector := metrics.New()
	authz := auth.NewAPIKeyAuthorizer(mgr)
	opts := []engine.Option{engine.WithMetrics(collector)}
	if n := notify.NewKafkaNotifier(cfg.Notify, logger); n != nil {
		defer n.Close()
		opts = append(opts, engine.WithNotifier(n))
	}
	eng := engine.NewEngine(store, authz, logger, opts...)

	ingest.StartKafka(ctx, mgr, eng, logger)
	if _, err := ingest.StartMQTT(ctx, mgr, eng, logger); err != nil {
		logger.Error("mqtt ingest unavailable", "err", err)
	}

	srv := api.NewServer(mgr, api.Deps{
		Ingester:      eng,
		Query:         query.NewService(store),
		Authenticator: auth.NewJWTAuthenticator(mgr),
		Authorizer:    authz,
		Metrics:       collector,
	}, logger, version)
	httpServer := api.Start(ctx, mgr, srv, logger)

	go mgr.Watch(3*time.Second, func(*config.Config) {
		logger.Info("config reloaded", "path", mgr.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	<-ctx.Done()
	logger.Info("shutting down")
	// Drain in-flight requests before the store closes.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}
