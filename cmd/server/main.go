package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"EventPost/internal/app"
	"EventPost/internal/config"
	"EventPost/internal/csvparser"
	"EventPost/internal/logging"
	"EventPost/internal/metrics"
	"EventPost/internal/queue"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "eventpost",
		Short:         "EventPost transactional email service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(enqueueCSVCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, metrics endpoint and workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true)
		},
	}
}

func workCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run workers and the sweeper without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(false)
		},
	}
}

func run(withAPI bool) error {

	// ------------------------------------------------
	// Logger + Config
	// ------------------------------------------------
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ------------------------------------------------
	// Components
	// ------------------------------------------------
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialise app: %w", err)
	}
	defer a.Close()

	if err := a.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("analytics migration failed: %w", err)
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
			cancel()
		}
	}()

	// ------------------------------------------------
	// Worker Pool, Sweeper, Gauges
	// ------------------------------------------------
	a.StartBackground(ctx)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	var apiServer interface{ Shutdown(context.Context) error }
	if withAPI {
		srv := a.APIServer()
		apiServer = srv

		go func() {
			if err := srv.Start(":" + cfg.APIPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server error", zap.Error(err))
				cancel()
			}
		}()
	}

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new jobs before draining the workers.
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}

	a.StopBackground()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
	return nil
}

func enqueueCSVCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "enqueue-csv",
		Short: "Queue one email per row of a CSV file (to, subject, template, priority, data columns)",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := csvparser.ParseFile(path)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}

			return withQueue(func(ctx context.Context, cfg *config.Config, broker *queue.Broker, logger *zap.Logger) error {
				for i, req := range reqs {
					job, err := broker.Enqueue(ctx, req, queue.Options{Priority: req.Priority})
					if err != nil {
						return fmt.Errorf("enqueue row %d (queued %d): %w", i+1, i, err)
					}
					logger.Debug("email queued", zap.String("job_id", job.ID), logging.Recipient(req.To))
				}
				fmt.Printf("queued %d emails\n", len(reqs))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "path to the CSV file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statsCmd() *cobra.Command {
	var breakdown bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue counts and success rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, cfg *config.Config, broker *queue.Broker, logger *zap.Logger) error {
				reporter := metrics.NewReporter(broker, metrics.DefaultScanLimit, logger)

				var (
					out interface{}
					err error
				)
				if breakdown {
					out, err = reporter.Breakdown(ctx)
				} else {
					out, err = reporter.Snapshot(ctx)
				}
				if err != nil {
					return err
				}

				b, _ := json.MarshalIndent(out, "", "  ")
				fmt.Println(string(b))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&breakdown, "breakdown", false, "group finished jobs by template, hour and failure reason")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recover stalled jobs and purge expired ones once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, cfg *config.Config, broker *queue.Broker, logger *zap.Logger) error {
				sweeper := queue.NewSweeper(broker, queue.SweeperConfig{
					Interval:           cfg.SweepInterval,
					CompletedRetention: cfg.CompletedRetention,
					FailedRetention:    cfg.FailedRetention,
				}, logger)

				res, err := sweeper.RunOnce(ctx)
				if err != nil {
					return err
				}
				if res.Skipped {
					fmt.Println("another sweeper holds the lock, nothing done")
					return nil
				}
				fmt.Printf("recovered %d stalled jobs, removed %d expired jobs\n", res.Recovered, res.Removed)
				return nil
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the analytics tables or indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			store, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			logger.Info("analytics migrations completed", zap.String("driver", cfg.AnalyticsDriver))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("eventpost %s\n", version)
		},
	}
}

func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogRedactPII)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

// withQueue runs fn against a broker connected from the environment.
func withQueue(fn func(ctx context.Context, cfg *config.Config, broker *queue.Broker, logger *zap.Logger) error) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, broker, err := app.ConnectQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, cfg, broker, logger)
}
