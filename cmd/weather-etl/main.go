package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/i474232898/weather-etl/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg   *config.AppConfig
		undo  func()
		flush func() error
	)

	root := &cobra.Command{
		Use:           "weather-etl",
		Short:         "Fetch, normalize and bulk-load weather observations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			undo = zap.ReplaceGlobals(logger)
			flush = logger.Sync
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if flush != nil {
				_ = flush()
			}
			if undo != nil {
				undo()
			}
		},
	}

	getCfg := func() *config.AppConfig { return cfg }
	root.AddCommand(
		newProvisionCmd(getCfg),
		newFetchCmd(getCfg),
		newNormalizeCmd(getCfg),
		newLoadCmd(getCfg),
		newVerifyCmd(getCfg),
		newRunCmd(getCfg),
		newServeCmd(getCfg),
	)
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
