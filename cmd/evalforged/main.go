// Command evalforged runs the batch execution engine: the HTTP API, the
// run execution workers, and the stale-run watchdog, all in one process.
// Multiple instances can share one Redis and one database; coordination
// keys and claim CAS keep them from stepping on each other's runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/coordination"
	"github.com/evalforge/evalforge/internal/engine"
	"github.com/evalforge/evalforge/internal/httpapi"
	"github.com/evalforge/evalforge/internal/lifecycle"
	"github.com/evalforge/evalforge/internal/llm"
	"github.com/evalforge/evalforge/internal/notify"
	"github.com/evalforge/evalforge/internal/scheduler"
	"github.com/evalforge/evalforge/internal/service"
	"github.com/evalforge/evalforge/internal/store"
	"github.com/evalforge/evalforge/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "evalforged",
		Short:        "Batch answer generation and evaluation engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and execution workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	root.AddCommand(serve)
	return root
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()

	coord := coordination.New(rdb, coordination.Config{
		LockWait:     cfg.Engine.LockWait,
		LockHold:     cfg.Engine.LockHold,
		InterruptTTL: cfg.Engine.InterruptTTL,
	}, logger)
	if err := coord.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	pool := worker.New(cfg.Engine.PoolSize, cfg.Engine.QueueSize, logger)
	pool.Start(ctx)
	defer pool.Stop()

	hub := notify.NewHub(logger)
	defer hub.Close()

	instance := instanceID()
	notifier := notify.NewNotifier(hub, instance, logger)

	llmClient := llm.NewClient(llm.Config{
		Endpoint:          cfg.LLM.Endpoint,
		APIKey:            cfg.LLM.APIKey,
		Timeout:           cfg.LLM.Timeout,
		SlowModelTimeout:  cfg.LLM.SlowModelTimeout,
		SlowModels:        cfg.LLM.SlowModels,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
		MaxRetries:        cfg.LLM.MaxRetries,
	}, logger)

	processor := engine.NewKindProcessor(
		engine.NewGenerationProcessor(llmClient),
		engine.NewEvaluationProcessor(),
	)
	tracker := engine.NewTracker(st, notifier, logger)
	eng := engine.New(st, tracker, coord, processor, notifier, cfg.Engine.ChunkSize, logger)

	mgr := lifecycle.New(st, coord, pool, eng, notifier, instance, logger)
	svc := service.New(st, mgr, llmClient, logger)

	var watchdog *scheduler.Watchdog
	if cfg.Scheduler.Enabled {
		watchdog = scheduler.New(st, mgr, notifier, scheduler.Config{
			ScanInterval:    cfg.Scheduler.ScanInterval,
			StaleTimeout:    cfg.Scheduler.StaleTimeout,
			AutoResumeAfter: cfg.Scheduler.AutoResumeAfter,
		}, logger)
		watchdog.Start(ctx)
		defer watchdog.Stop()
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: httpapi.New(svc, hub, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "instance", instance)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// instanceID identifies this process to the claim CAS and the lock service.
// Hostname plus a random suffix keeps two processes on one host distinct.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "evalforged"
	}
	return host + "-" + uuid.NewString()[:8]
}
