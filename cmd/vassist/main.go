// Command vassist runs the campus delivery service and talks to it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/centromex/vassist/internal/config"
	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/telemetry"
)

var version = "dev"

// Global flags
var (
	configFile string
	apiURL     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "vassist",
	Short: "Campus peer-to-peer delivery service",
	Long: `vassist matches delivery requests with fulfillers on campus.

Examples:
  vassist serve                           # HTTP API, purge job and optional Telegram bot
  vassist create --item Book --pickup Library --drop "Hostel B"
  vassist claim REQ_1 --name Asha
  vassist watch REQ_1                     # print status changes as they happen
  vassist watch --pending                 # print new requests as they arrive`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Base URL of the vassist API (overrides api.url)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(botCmd)
	for _, c := range requestCmds {
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	v, err := config.New(configFile)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if level == "debug" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}

// app holds what the long-running commands share.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  db.Store
	close  func()
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initializing zap logger: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Enabled: cfg.TelemetryEnabled,
		Stdout:  cfg.TelemetryStdout,
		Version: version,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Opening store", zap.String("driver", cfg.StoreDriver))
	store, err := db.Open(ctx, db.Config{
		Driver:         cfg.StoreDriver,
		DSN:            cfg.StoreDSN,
		ConnectTimeout: cfg.StoreConnectTimeout,
	}, logger)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  telemetry.WrapStore(store, cfg.TelemetryEnabled),
		close: func() {
			if err := store.Close(); err != nil {
				logger.Error("Closing store", zap.Error(err))
			}
			if err := shutdownTelemetry(context.Background()); err != nil {
				logger.Error("Flushing telemetry", zap.Error(err))
			}
			// Sync on a console fd reports EINVAL on Linux.
			_ = logger.Sync()
		},
	}, nil
}
