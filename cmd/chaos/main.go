// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lendtrack/internal/app"
	"lendtrack/internal/chaos"
	"lendtrack/internal/config"
	"lendtrack/internal/lending"
	"lendtrack/internal/telemetry"
)

func main() {
	concurrency := flag.Int("concurrency", 32, "concurrent members per experiment")
	duration := flag.Duration("duration", 2*time.Second, "observation window per experiment")
	interval := flag.Duration("interval", 250*time.Millisecond, "metric sampling interval")
	pause := flag.Duration("pause", time.Second, "pause between experiments")
	flag.Parse()

	failed, err := run(chaos.Settings{
		Concurrency:    *concurrency,
		Duration:       *duration,
		SampleInterval: *interval,
	}, *pause)
	if err != nil {
		log.Fatalf("chaos: %v", err)
	}
	if failed > 0 {
		log.Fatalf("chaos: %d experiment(s) failed their hypothesis", failed)
	}
}

func run(settings chaos.Settings, pause time.Duration) (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return 0, err
	}

	logger, err := telemetry.NewLogger(cfg.Env, cfg.Telemetry.LogLevel)
	if err != nil {
		return 0, err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	svc := lending.NewService(store, app.NewDirectory(cfg.Membership, logger), logger)
	engine := chaos.NewEngine(logger)
	for _, exp := range chaos.LendingExperiments(svc, settings) {
		engine.Register(exp)
	}

	failed, err := engine.RunGameDay(ctx, chaos.GameDay{
		Name:      "Lending Invariants Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     pause,
	})
	if err != nil {
		return failed, err
	}

	logger.Info("game day complete",
		zap.Int("experiments", len(engine.Results())),
		zap.Int("failed", failed),
	)
	return failed, nil
}
