package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"zilscope/internal/config"
	"zilscope/internal/ingest"
	"zilscope/internal/normalize"
	"zilscope/internal/source"
	"zilscope/internal/store/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "zilscope",
		Short:        "Exchange event indexer and reward distributor",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("pg-dsn", "", "Postgres DSN")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run ingestion workers for every configured contract event",
		RunE:  runWorker,
	}

	workerCmd.Flags().String("source-url", "", "explorer API base URL")
	workerCmd.Flags().String("source-api-key", "", "explorer API key")
	workerCmd.Flags().String("network", "mainnet", "chain network name")
	workerCmd.Flags().Int("page-size", 25, "transactions per source page")
	workerCmd.Flags().Float64("rate-per-second", 4.0, "source request rate limit")
	workerCmd.Flags().Uint64("block-window", 1000, "blocks per ingestion window")
	workerCmd.Flags().Duration("poll-interval", time.Minute, "incremental sync interval")
	workerCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	workerCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	workerCmd.Flags().String("metrics-addr", "", "Prometheus listen address, empty disables")

	root.AddCommand(workerCmd)
	root.AddCommand(newDistributeCmd())
	root.AddCommand(newReservesCmd())
	root.AddCommand(newExportCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := source.NewClient(source.Config{
		BaseURL:       cfg.SourceURL,
		APIKey:        cfg.SourceAPIKey,
		Network:       cfg.Network,
		PageSize:      cfg.PageSize,
		MaxRetries:    cfg.MaxRetries,
		RatePerSecond: cfg.RatePerSecond,
	})
	if err != nil {
		return err
	}

	registry := normalize.NewRegistry()
	for _, contract := range cfg.Contracts {
		shape, _ := normalize.ParseShape(contract.Shape)
		for _, event := range contract.Events {
			registry.Register(contract.Address, event, shape)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.MetricsAddr, logger)
		})
	}

	for _, contract := range cfg.Contracts {
		shape, _ := normalize.ParseShape(contract.Shape)
		for _, event := range contract.Events {
			worker := ingest.NewWorker(ingest.Config{
				ContractAddress: contract.Address,
				EventName:       event,
				Shape:           shape,
				BlockWindow:     cfg.BlockWindow,
				PollInterval:    cfg.PollInterval,
				MaxRetries:      uint64(cfg.MaxRetries),
				RetryBackoff:    cfg.RetryBackoff,
			}, client, store, registry, logger)
			group.Go(func() error {
				err := worker.Run(groupCtx)
				if errors.Is(err, ingest.ErrGapDetected) {
					// stops this worker only; the gap needs operator
					// intervention but the other streams stay live
					logger.Error("worker halted on block sync gap", zap.Error(err))
					return nil
				}
				return err
			})
		}
	}

	logger.Info("workers started",
		zap.Int("contracts", len(cfg.Contracts)),
		zap.String("source", cfg.SourceURL),
		zap.Uint64("block_window", cfg.BlockWindow),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
