package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"lendtrack/internal/app"
	"lendtrack/internal/config"
	"lendtrack/internal/lending"
	"lendtrack/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("lending: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Env, cfg.Telemetry.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("failed to flush traces", zap.Error(err))
		}
	}()

	meters, err := telemetry.SetupMetrics(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.MetricsInterval)
	if err != nil {
		return err
	}
	defer func() {
		if err := meters.Shutdown(context.Background()); err != nil {
			logger.Error("failed to flush metrics", zap.Error(err))
		}
	}()

	store, err := app.OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := lending.NewService(store, app.NewDirectory(cfg.Membership, logger), logger)
	limiter := lending.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)

	server := &http.Server{
		Addr:         cfg.HTTPServer.Addr,
		Handler:      lending.NewHandler(svc, limiter, logger).Routes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server started",
			zap.String("address", cfg.HTTPServer.Addr),
			zap.String("storage", cfg.Storage.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down the server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	logger.Info("server shutdown successfully")
	return nil
}
