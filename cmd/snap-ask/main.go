package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/snap-ask/internal/logging"
	"github.com/tendant/snap-ask/pkg/pipeline"
	"github.com/tendant/snap-ask/pkg/runner"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "snap-ask: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := runner.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := runner.New(ctx, cfg, runner.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("snap-ask ready",
			zap.String("addr", cfg.Server.Addr),
			zap.String("ocr_engine", r.OCREngine()),
			zap.String("llm_provider", r.Provider()),
			zap.Strings("endpoints", []string{
				"POST " + pipeline.AskPath,
				"GET  /health",
				"GET  /metrics",
			}),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		log.Info("Server stopped")
		return nil
	})

	return g.Wait()
}
