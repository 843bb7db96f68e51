package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"availability-backend/config"
	"availability-backend/internal/aggregate"
	"availability-backend/internal/alert"
	"availability-backend/internal/api"
	"availability-backend/internal/broadcast"
	"availability-backend/internal/db"
	"availability-backend/internal/forecast"
	"availability-backend/internal/ingest"
	"availability-backend/internal/jobs"
	"availability-backend/internal/logging"
	"availability-backend/internal/metrics"
	"availability-backend/internal/scraper"
	"availability-backend/internal/store"
	"availability-backend/internal/tracker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Log)
	log.Info().Str("path", configPath).Msg("configuration loaded")
	metrics.Register()

	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		log.Warn().Msg("VAPID keys are not configured, alert notifications cannot be delivered")
	}
	webpushOptions := webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
		HTTPClient:      &http.Client{Timeout: time.Duration(cfg.Push.SendTimeoutSeconds) * time.Second},
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	appStore := store.NewGormStore(gormDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core pipeline.
	stateTracker := tracker.New(appStore, cfg.Tracker)
	hub := broadcast.NewHub(cfg.Broadcast)
	engine, err := forecast.NewEngine(appStore, cfg.Forecast, cfg.Aggregate.Window)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create forecast engine")
	}
	alertPool, err := alert.NewWorkerPool(appStore, alert.NewWebPushDeliverer(appStore, &webpushOptions), cfg.WorkerPool, cfg.Alerts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create alert worker pool")
	}
	pipeline := ingest.NewPipeline(stateTracker, engine, alertPool, hub)
	workers := ingest.NewWorkers(pipeline, cfg.WorkerPool)

	var wg sync.WaitGroup
	goRun := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	goRun(hub.Run)
	alertPool.Start(ctx)
	workers.Start(ctx)

	// Inbound sources.
	var consumers []*ingest.Consumer
	if cfg.Kafka.Enabled {
		for i := 0; i < cfg.Kafka.Consumers; i++ {
			consumer, err := ingest.NewConsumer(cfg.Kafka, pipeline)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to create kafka consumer")
			}
			consumers = append(consumers, consumer)
			goRun(consumer.Run)
		}
	}
	scraperSvc := scraper.NewService(cfg.Scraper, appStore, workers)
	goRun(scraperSvc.Run)

	// Periodic jobs.
	jobLoc, err := time.LoadLocation(cfg.Forecast.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid forecast timezone")
	}
	locker := jobs.NewLocker(cfg.Redis)
	scheduler := jobs.NewScheduler(locker, jobLoc)
	for _, job := range []jobs.Job{
		jobs.SweepJob(ingest.NewSweeper(stateTracker, pipeline, cfg.Tracker.SweepBatchSize), cfg.Tracker.SweepSchedule),
		jobs.AggregateJob(aggregate.New(appStore, cfg.Aggregate), cfg.Aggregate.Schedule, time.Now),
		jobs.ForecastRefreshJob(engine, cfg.Forecast.RefreshSchedule),
		jobs.RetentionJob(appStore, cfg.Retention.EventLogDays, cfg.Retention.Schedule, time.Now),
	} {
		if err := scheduler.Add(job); err != nil {
			log.Fatal().Err(err).Msg("failed to schedule job")
		}
	}
	scheduler.Start()

	handler := api.NewHandler(api.Deps{
		Store:          appStore,
		Forecasts:      engine,
		Alerts:         alert.NewService(appStore, cfg.Alerts),
		Events:         pipeline,
		Hub:            hub,
		WebPush:        &webpushOptions,
		WSWriteTimeout: time.Duration(cfg.Broadcast.WriteTimeoutSeconds) * time.Second,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(handler, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	scheduler.Stop()
	cancel()
	wg.Wait()
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close kafka consumer")
		}
	}
	if closer, ok := locker.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("server gracefully stopped")
}
