package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"meeting-jobcore/internal/archive"
	"meeting-jobcore/internal/config"
	"meeting-jobcore/internal/enrichment"
	"meeting-jobcore/internal/lease"
	"meeting-jobcore/internal/logging"
	"meeting-jobcore/internal/minutes"
	"meeting-jobcore/internal/notify"
	"meeting-jobcore/internal/outbox"
	"meeting-jobcore/internal/queue"
	"meeting-jobcore/internal/ratelimit"
	"meeting-jobcore/internal/store"
	"meeting-jobcore/internal/telemetry"
	"meeting-jobcore/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}
	pool := st.Pool()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.New(pool, cfg.MaxJobAttempts)
	outboxStore := outbox.NewPgStore(pool)

	dispatcher := notify.NewDispatcher().Handle("chat", notify.NewChatDeliverer(
		&http.Client{Timeout: cfg.DeliveryTimeout},
		ratelimit.NewTokenBucket(rdb, "rl:notify:", cfg.NotifyRateCapacity, cfg.NotifyRateRefill, time.Hour),
		logger,
	))
	var mailer notify.Mailer
	if cfg.SMTPAddr != "" {
		smtpMailer, err := notify.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err != nil {
			logger.Fatal().Err(err).Msg("init smtp mailer")
		}
		mailer = smtpMailer
		dispatcher.Handle("email", notify.NewEmailDeliverer(smtpMailer))
	} else {
		logger.Warn().Msg("SMTP_ADDR not set; send_email jobs will not be claimed")
	}

	relay := outbox.NewRelay(outboxStore, dispatcher, outbox.Settings{
		BatchSize:       cfg.OutboxBatchSize,
		MaxAttempts:     cfg.OutboxMaxAttempts,
		Backoff:         cfg.OutboxBackoff,
		RecoveryGrace:   cfg.OutboxRecoveryGrace,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, logger)

	enrichStore := enrichment.NewPgStore(pool, q)
	handlers := &worker.Handlers{
		Meetings:  enrichStore,
		Publisher: worker.NewPgPipeline(pool, q, outboxStore),
		Mailer:    mailer,
		Logger:    logger,
	}
	var sweeper worker.Sweeper
	if cfg.ArtifactBaseURL != "" {
		source := enrichment.NewHTTPSource(cfg.ArtifactBaseURL, cfg.ArtifactToken, cfg.ArtifactTimeout)
		handlers.Enricher = enrichment.NewMachine(enrichStore, source, cfg.EnrichmentBackoff, cfg.EnrichmentMaxAttempts, logger)
		sweeper = enrichment.NewSweeper(enrichStore, cfg.EnrichmentMaxAttempts, cfg.EnrichmentSweepBatch, logger)
	} else {
		logger.Warn().Msg("ARTIFACT_BASE_URL not set; enrich_meeting jobs will not be claimed")
	}
	if cfg.GeminiAPIKey != "" {
		summarizer, err := minutes.NewGeminiSummarizer(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("init gemini summarizer")
		}
		handlers.Summarizer = summarizer
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set; generate_minutes jobs will not be claimed")
	}
	if cfg.ArchiveS3Bucket != "" {
		uploader, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("init s3 uploader")
		}
		handlers.Uploader = uploader
	} else {
		handlers.Uploader = archive.NewLocalUploader(cfg.ArchiveLocalDir)
	}

	router := worker.NewRouter()
	handlers.Register(router)

	maintenance := worker.NewMaintenance(logger)
	if err := worker.ScheduleStandard(maintenance, q, relay, sweeper, worker.Schedule{
		RecoverInterval:    cfg.RecoverInterval,
		StaleThreshold:     cfg.StaleProcessingThreshold,
		CleanupInterval:    cfg.CleanupInterval,
		CompletedRetention: cfg.CompletedRetention,
		SweepInterval:      cfg.EnrichmentSweepInterval,
		StatsInterval:      cfg.StatsInterval,
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule maintenance")
	}

	loop := worker.NewLoop(worker.LoopConfig{
		Role:              cfg.WorkerRole,
		InstanceID:        cfg.InstanceID,
		PollInterval:      cfg.PollInterval,
		StandbyInterval:   cfg.StandbyInterval,
		LeaseDuration:     cfg.LeaseDuration(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		JobTimeout:        cfg.JobTimeout,
		StaleThreshold:    cfg.StaleProcessingThreshold,
	}, q, relay, lease.New(pool, logger), router, maintenance, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("instance_id", cfg.InstanceID).
		Dur("poll_interval", cfg.PollInterval).
		Dur("lease_duration", cfg.LeaseDuration()).
		Interface("job_types", router.Types()).
		Msg("worker starting")

	for {
		err := loop.Run(ctx)
		if errors.Is(err, worker.ErrLeaseLost) && ctx.Err() == nil {
			logger.Warn().Msg("lease lost; returning to standby")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("worker stopped")
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info().Msg("worker exited")
}
