package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docbatch/internal/api"
	"docbatch/internal/circuit"
	"docbatch/internal/config"
	"docbatch/internal/database"
	"docbatch/internal/extract"
	"docbatch/internal/ingest"
	"docbatch/internal/logging"
	"docbatch/internal/queue"
	"docbatch/internal/ratelimit"
	"docbatch/internal/retry"
	"docbatch/internal/storage"
	"docbatch/internal/tracker"
	"docbatch/internal/websocket"
	"docbatch/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:           "docbatch",
		Short:         "Concurrent document batch-processing service",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if debug {
				cfg.Logging.Level = "debug"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	logger.Info().Str("path", cfg.Database.Path).Msg("database initialized")

	store, err := storage.NewFileStore(cfg.Storage.UploadDir)
	if err != nil {
		return err
	}

	jobs := tracker.New(tracker.WithLogger(logging.Component(logger, "tracker")))

	limiter := ratelimit.NewPerMinute(cfg.Queue.RequestsPerMinute, cfg.Queue.BurstCapacity)
	breaker := circuit.New(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.Circuit.RecoveryTimeout,
		HalfOpenMax:      cfg.Circuit.HalfOpenMax,
	}, circuit.WithLogger(logging.Component(logger, "circuit")))
	executor := retry.NewExecutor(breaker, retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		MaxJitter:  cfg.Retry.MaxJitter,
	}, retry.WithLogger(logging.Component(logger, "retry")))

	q := queue.New(queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		ChunkSize:   cfg.Queue.ChunkSize,
		ChunkDelay:  cfg.Queue.ChunkDelay,
	}, jobs, limiter, breaker, executor, queue.WithLogger(logging.Component(logger, "queue")))

	extractor := extract.New(extract.Config{
		URL:     cfg.Extractor.URL,
		APIKey:  cfg.Extractor.APIKey,
		Timeout: cfg.Extractor.Timeout,
	}, extract.WithLogger(logging.Component(logger, "extract")))

	processor := ingest.NewProcessor(ingest.Rules{
		AllowedExtensions: cfg.Storage.AllowedExtensions,
		MaxFileSize:       cfg.Storage.MaxFileSize(),
	}, extractor, store, db, ingest.WithLogger(logging.Component(logger, "ingest")))

	wsManager := websocket.New(jobs.List, logging.Component(logger, "websocket"))
	jobs.OnUpdate(wsManager.Publish)

	sweeper := worker.New(jobs, cfg.Server.SweepInterval, cfg.Queue.JobRetention, logging.Component(logger, "sweeper"))

	apiServer := api.NewServer(api.Config{
		MaxBulkFiles: cfg.Queue.MaxBulkFiles,
		MaxSyncFiles: cfg.Queue.MaxSyncFiles,
		JobRetention: cfg.Queue.JobRetention,
	}, q, processor, db, wsManager, logging.Component(logger, "api"))

	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           c.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sweeper.Start(gCtx)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		wsManager.Close()
		httpErr := httpServer.Shutdown(shutdownCtx)
		if err := q.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("queue did not drain before the shutdown timeout")
		}
		return httpErr
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
