// Package main contains the entrypoint for the zapdesk service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruanpv/zapdesk/internal/ai"
	"github.com/ruanpv/zapdesk/internal/config"
	"github.com/ruanpv/zapdesk/internal/database"
	"github.com/ruanpv/zapdesk/internal/logger"
	"github.com/ruanpv/zapdesk/internal/pipeline"
	"github.com/ruanpv/zapdesk/internal/realtime"
	"github.com/ruanpv/zapdesk/internal/scheduler"
	"github.com/ruanpv/zapdesk/internal/server"
	"github.com/ruanpv/zapdesk/internal/whatsapp"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components (config, logger, db, AI client, pipeline,
// hub, scheduler, HTTP server), supervises them until shutdown, and returns
// the process exit code.
func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	log.Info("Logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	aiClient, err := ai.NewClient(ctx, cfg.AI, log)
	if err != nil {
		log.Error("Failed to initialize AI client", "error", err)
		return 1
	}

	waClient := whatsapp.NewClient(cfg.WhatsApp, log)
	hub := realtime.NewHub(log)

	statusEngine := pipeline.NewStatusEngine(store, hub, cfg.Pipeline.DeliveredDelay, cfg.Pipeline.ReadDelay, log)
	pipe := pipeline.New(cfg.Pipeline, store, aiClient, waClient, hub, statusEngine, nil, log)

	sched, err := scheduler.New(log, map[string]scheduler.Task{
		"device_queue_drain": {Interval: cfg.Pipeline.DrainInterval, Run: pipe.DrainDeviceQueue},
		"db_maintenance":     {Interval: cfg.Database.MaintenanceInterval, Run: store.RunMaintenance},
	})
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	srv := server.New(cfg.Server, pipe, waClient, hub, store, log)

	log.Info("Starting zapdesk...")
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(gCtx)
	})

	g.Go(func() error {
		err := pipe.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := sched.Start(); err != nil {
			return err
		}
		<-gCtx.Done()
		return sched.Stop()
	})

	runErr := g.Wait()
	hub.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Service stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Service stopped gracefully")
	time.Sleep(time.Second)
	return 0
}
