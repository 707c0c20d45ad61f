package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DemonGiggle/criticizer/internal/artifact"
	"github.com/DemonGiggle/criticizer/internal/config"
	"github.com/DemonGiggle/criticizer/internal/dispatch"
	"github.com/DemonGiggle/criticizer/internal/failure"
	"github.com/DemonGiggle/criticizer/internal/fetcher"
	"github.com/DemonGiggle/criticizer/internal/logging"
	"github.com/DemonGiggle/criticizer/internal/outbox"
	"github.com/DemonGiggle/criticizer/internal/providers"
	"github.com/DemonGiggle/criticizer/internal/queue"
	"github.com/DemonGiggle/criticizer/internal/store"
	"github.com/DemonGiggle/criticizer/internal/telemetry"
	"github.com/DemonGiggle/criticizer/internal/validator"
	workerproc "github.com/DemonGiggle/criticizer/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.New(st.Pool())

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	artifacts, err := artifact.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	changeFetcher, err := fetcher.NewP4(cfg.AllowlistPrefixes, cfg.P4Binary, cfg.FetchTimeout, logger)
	if err != nil {
		log.Fatalf("init fetcher: %v", err)
	}

	provider := providers.NewNotifyProvider(cfg.NotifyBaseURL, cfg.NotifyDeadline)
	deliverer := outbox.NewDeliverer(st, provider, cfg.NotifyDeadline, logger)
	dispatcher := dispatch.New(st, q, logger)
	failures := failure.NewPipeline(st, q, logger)

	processor := workerproc.NewProcessor(cfg, q, st, failures, workerID, logger)
	stages := workerproc.NewStages(workerproc.StagesParams{
		Config:    cfg,
		Fetcher:   changeFetcher,
		Model:     providers.NewModelClient(cfg.ModelBaseURL, cfg.ModelDeadline),
		Validator: validator.New(validator.Config{
			SchemaMajor:      cfg.SchemaMajor,
			SchemaMinorFloor: cfg.SchemaMinorFloor,
			PromptMajorMinor: cfg.PromptMajorMinor,
			AllowPatchDrift:  cfg.PromptPatchDrift,
		}),
		Artifacts: artifacts,
		Notifier:  deliverer,
		Results:   st,
		Finalizer: dispatcher,
		Replays:   failures,
		Log:       logger,
	})
	stages.Register(processor)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	// Background reconciliation of ambiguous sends runs alongside the claim
	// loop; it is idempotent across workers.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if repaired, err := deliverer.ReconcileAmbiguous(ctx, 100); err == nil && repaired > 0 {
					log.Printf("reconciled %d ambiguous outbox rows", repaired)
				}
			}
		}
	}()

	log.Printf("worker %s started with lease=%s backoff_initial=%s", workerID, cfg.LeaseDuration, cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
