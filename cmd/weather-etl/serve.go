package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/weather-etl/internal/api/http"
	"github.com/i474232898/weather-etl/internal/config"
	"github.com/i474232898/weather-etl/internal/scheduler"
)

func newServeCmd(cfg func() *config.AppConfig) *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the daily schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cfg()
			return withApp(cmd, c, func(ctx context.Context, a *app) error {
				return serve(ctx, c, a, !noSchedule)
			})
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve the API only, leave triggering to an external orchestrator")
	return cmd
}

func serve(ctx context.Context, cfg *config.AppConfig, a *app, schedule bool) error {
	if schedule {
		// Daily driver with whole-run retries.
		sched := scheduler.New(a.runner, cfg.Schedule, cfg.RunRetries, cfg.RetryDelay)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	}

	app := newHTTPApp(a)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			zap.L().Error("fiber server stopped", zap.Error(err))
		}
	}()
	zap.L().Info("http api listening", zap.String("port", cfg.Port))

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		zap.L().Warn("error during shutdown", zap.Error(err))
	}
	return nil
}

func newHTTPApp(a *app) *fiber.App {
	// Whole runs are served synchronously, so the write timeout is generous.
	app := fiber.New(fiber.Config{
		AppName:               "weather-etl",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Minute,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weather-etl",
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes.
	httpapi.RegisterRoutes(app, a.runner, a.ledger)
	return app
}
