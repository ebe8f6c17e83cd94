package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/i474232898/weather-etl/internal/archive"
	"github.com/i474232898/weather-etl/internal/artifact"
	"github.com/i474232898/weather-etl/internal/config"
	"github.com/i474232898/weather-etl/internal/elastic"
	"github.com/i474232898/weather-etl/internal/loader"
	"github.com/i474232898/weather-etl/internal/notify"
	"github.com/i474232898/weather-etl/internal/pipeline"
	"github.com/i474232898/weather-etl/internal/provision"
	"github.com/i474232898/weather-etl/internal/scheduler"
	"github.com/i474232898/weather-etl/internal/store"
	"github.com/i474232898/weather-etl/internal/verify"
	"github.com/i474232898/weather-etl/internal/weather/providers"
)

// app is the wired pipeline for one process.
type app struct {
	runner *pipeline.Runner
	ledger pipeline.RunStore
	close  func() error
}

func newApp(ctx context.Context, cfg *config.AppConfig) (*app, error) {
	layout := artifact.Layout{
		RawDir:          cfg.RawDir(),
		ProcessedDir:    cfg.ProcessedDir(),
		RawPrefix:       cfg.RawPrefix,
		ProcessedPrefix: cfg.ProcessedPrefix,
	}
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	provs, err := providers.FromConfig(cfg, httpClient)
	if err != nil {
		return nil, err
	}

	var esOpts []elastic.Option
	if cfg.ESUsername != "" {
		esOpts = append(esOpts, elastic.WithBasicAuth(cfg.ESUsername, cfg.ESPassword))
	}
	es := elastic.NewClient(cfg.ESURL, &http.Client{Timeout: cfg.ESTimeout}, esOpts...)

	ledger, closeLedger, err := store.Open(cfg.LedgerDriver, cfg.LedgerPath, cfg.LedgerMaxHistory)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Layout:    layout,
		Providers: provs,
		Provisioner: provision.New(es, provision.Options{
			TemplateName: cfg.TemplateName,
			PipelineName: cfg.PipelineName,
			WriteIndex:   cfg.IndexName,
			ArchiveIndex: cfg.ArchiveIndex,
			Alias:        cfg.AliasName,
			AssetsDir:    cfg.AssetsDir,
		}),
		Loader: loader.New(es, layout, loader.Options{
			Target:          cfg.WriteTarget(),
			Pipeline:        cfg.PipelineName,
			BatchSize:       cfg.BatchSize,
			RefreshInterval: cfg.RefreshInterval,
		}),
		Verifier: verify.New(es, cfg.WriteTarget()),
		Ledger:   ledger,
	}

	if cfg.MinioEndpoint != "" {
		arch, err := archive.New(archive.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			_ = closeLedger()
			return nil, err
		}
		if err := arch.EnsureBucket(ctx); err != nil {
			zap.L().Warn("archive bucket not ready, uploads may fail", zap.Error(err))
		}
		deps.Archiver = arch
	}
	if cfg.AMQPURL != "" {
		deps.Notifier = notify.NewPublisher(cfg.AMQPURL, cfg.AMQPQueue)
	}

	return &app{
		runner: pipeline.New(deps),
		ledger: ledger,
		close:  closeLedger,
	}, nil
}

// withApp builds the app, runs fn and releases the ledger.
func withApp(cmd *cobra.Command, cfg *config.AppConfig, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil {
			zap.L().Warn("closing ledger", zap.Error(cerr))
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newProvisionCmd(cfg func() *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Apply index template, ingest pipeline, indices and aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg(), func(ctx context.Context, a *app) error {
				_, err := a.runner.RunStep(ctx, "", pipeline.StepProvision, "")
				return err
			})
		},
	}
}

func newFetchCmd(cfg func() *config.AppConfig) *cobra.Command {
	var runKey, provider string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch raw payloads for a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg(), func(ctx context.Context, a *app) error {
				names := a.runner.ProviderNames()
				if provider != "" {
					names = []string{provider}
				}
				for _, name := range names {
					path, err := a.runner.Fetch(ctx, runKey, name)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), path)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runKey, "run-key", "", "run key (defaults to a UTC timestamp)")
	cmd.Flags().StringVar(&provider, "provider", "", "single provider (defaults to all)")
	return cmd
}

func newNormalizeCmd(cfg func() *config.AppConfig) *cobra.Command {
	var runKey, provider string
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Normalize a run's raw artifacts into NDJSON records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg(), func(ctx context.Context, a *app) error {
				n, err := a.runner.RunStep(ctx, runKey, pipeline.StepNormalize, provider)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "normalized %d records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runKey, "run-key", "", "run key")
	cmd.Flags().StringVar(&provider, "provider", "", "single provider (defaults to all)")
	_ = cmd.MarkFlagRequired("run-key")
	return cmd
}

func newLoadCmd(cfg func() *config.AppConfig) *cobra.Command {
	var runKey string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Bulk-load a run's normalized records",
		Long: "Bulk-load a run's normalized records. Without --run-key only the most " +
			"recently modified normalized artifact is loaded; that mode is meant for " +
			"manual use and is not safe while other runs are writing.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg(), func(ctx context.Context, a *app) error {
				n, err := a.runner.Load(ctx, runKey)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %d documents\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runKey, "run-key", "", "run key (empty loads the latest artifact)")
	return cmd
}

func newVerifyCmd(cfg func() *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run the post-load checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg(), func(ctx context.Context, a *app) error {
				rep, err := a.runner.Verify(ctx, "")
				if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newRunCmd(cfg func() *config.AppConfig) *cobra.Command {
	var (
		runKey string
		retry  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every step for one run key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cfg()
			if runKey == "" {
				runKey = scheduler.LogicalDate(time.Now())
			}
			return withApp(cmd, c, func(ctx context.Context, a *app) error {
				var (
					res pipeline.RunResult
					err error
				)
				if retry {
					res, err = scheduler.New(a.runner, c.Schedule, c.RunRetries, c.RetryDelay).RunWithRetries(ctx, runKey)
				} else {
					res, err = a.runner.RunAll(ctx, runKey)
				}
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&runKey, "run-key", "", "run key (defaults to yesterday, UTC)")
	cmd.Flags().BoolVar(&retry, "retry", false, "retry the whole run per RUN_RETRIES and RETRY_DELAY")
	return cmd
}
