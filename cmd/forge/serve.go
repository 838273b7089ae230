package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codeforge/internal/bus"
	"codeforge/internal/classifier"
	"codeforge/internal/config"
	"codeforge/internal/executor"
	"codeforge/internal/intake"
	"codeforge/internal/llm"
	"codeforge/internal/outbox"
	"codeforge/internal/parser"
	"codeforge/internal/store"
	"codeforge/internal/strategy"
	"codeforge/internal/validator"
)

var offline bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: HTTP intake, worker pool, reaper, and event pump",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&offline, "offline", false, "Use the built-in mock LLM client instead of real providers")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	client, watcher, err := buildLLMClient(ctx, cfg)
	if err != nil {
		return err
	}
	if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start price watcher: %w", err)
		}
		defer watcher.Stop()
	}

	pump := outbox.New(st, b, cfg, logger)
	exec := executor.New(st,
		classifier.New(cfg, logger),
		strategy.NewSelector(cfg, logger),
		client,
		validator.New(logger),
		parser.New(logger),
		pump, cfg, logger)
	pool := executor.NewPool(exec, st, cfg, logger)
	reaper := executor.NewReaper(st, pump, cfg, logger)

	svc := intake.NewService(st, pool, cfg, logger)
	consumer := intake.NewConsumer(svc, logger)
	srv := intake.NewServer(cfg, svc, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return reaper.Run(ctx) })
	g.Go(func() error { return pump.Run(ctx) })
	g.Go(func() error { return b.ConsumeBuildFailed(ctx, consumer.HandleBuildFailure) })
	g.Go(func() error {
		logger.Info("http intake listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("forge serving",
		zap.String("store", cfg.Store.Path),
		zap.String("bus", cfg.Bus.URL),
		zap.Int("workers", cfg.Executor.WorkerPoolSize),
		zap.Bool("offline", offline))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("forge stopped")
	return nil
}

// buildLLMClient returns the provider-routing adapter, or the mock client in
// offline mode. The price watcher is only meaningful with a real adapter and
// an on-disk config to watch.
func buildLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, *llm.PriceWatcher, error) {
	if offline {
		logger.Warn("offline mode: using the mock LLM client")
		return &llm.MockClient{}, nil, nil
	}

	adapter, err := llm.NewAdapter(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init llm adapter: %w", err)
	}
	if configPath == "" {
		return adapter, nil, nil
	}
	watcher, err := llm.NewPriceWatcher(configPath, adapter.Prices(), logger)
	if err != nil {
		logger.Warn("price watcher disabled", zap.Error(err))
		return adapter, nil, nil
	}
	return adapter, watcher, nil
}
