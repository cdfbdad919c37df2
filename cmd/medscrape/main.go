// Package main contains the entrypoint for the medscrape pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/teshager/medscrape/internal/config"
	"github.com/teshager/medscrape/internal/logger"
	"github.com/teshager/medscrape/internal/pipeline"
	"github.com/teshager/medscrape/internal/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run loads configuration, builds the pipeline, and executes the requested
// phase. With a schedule configured and phase "all", it keeps running the
// full pipeline on the cron expression until interrupted. Returns the
// process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	phase := flag.String("phase", "all", "Pipeline phase to run: scrape, etl, detect, or all")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	p := pipeline.New(cfg, log)

	var phaseFn func(context.Context) error
	switch *phase {
	case "scrape":
		phaseFn = func(ctx context.Context) error {
			_, err := p.RunScrape(ctx)
			return err
		}
	case "etl":
		phaseFn = func(ctx context.Context) error {
			_, err := p.RunETL(ctx)
			return err
		}
	case "detect":
		phaseFn = func(ctx context.Context) error {
			_, err := p.RunDetect(ctx)
			return err
		}
	case "all":
		phaseFn = p.Run
	default:
		log.Error("Unknown phase", "phase", *phase)
		return 1
	}

	if cfg.Schedule != "" && *phase == "all" {
		return runScheduled(ctx, cfg.Schedule, phaseFn, log)
	}

	if err := phaseFn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Pipeline run failed", "phase", *phase, "error", err)
		return 1
	}

	log.Info("Pipeline run finished", "phase", *phase)
	return 0
}

// runScheduled runs the pipeline on the given cron expression until the
// context is cancelled. A failed scheduled run is logged and the schedule
// keeps going.
func runScheduled(ctx context.Context, cronExpr string, phaseFn func(context.Context) error, log *slog.Logger) int {
	sched, err := scheduler.New(log)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	job := func() {
		if err := phaseFn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Scheduled pipeline run failed", "error", err)
		}
	}
	if err := sched.AddJob("pipeline", cronExpr, job); err != nil {
		log.Error("Failed to schedule pipeline", "schedule", cronExpr, "error", err)
		return 1
	}

	log.Info("Pipeline scheduled", "schedule", cronExpr)
	<-ctx.Done()

	log.Info("Shutting down scheduler...")
	if err := sched.Stop(); err != nil {
		log.Error("Scheduler shutdown failed", "error", err)
		return 1
	}

	log.Info("Stopped gracefully.")
	return 0
}
