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

	"meeting-jobcore/internal/api"
	"meeting-jobcore/internal/config"
	"meeting-jobcore/internal/enrichment"
	"meeting-jobcore/internal/logging"
	"meeting-jobcore/internal/outbox"
	"meeting-jobcore/internal/queue"
	"meeting-jobcore/internal/ratelimit"
	"meeting-jobcore/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "api").Logger()

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.New(st.Pool(), cfg.MaxJobAttempts)
	// Trigger never fetches artifacts, so the API needs no artifact source.
	machine := enrichment.NewMachine(enrichment.NewPgStore(st.Pool(), q), nil, cfg.EnrichmentBackoff, cfg.EnrichmentMaxAttempts, logger)

	server := api.New(api.Deps{
		Jobs:       q,
		Audits:     outbox.NewPgStore(st.Pool()),
		Enrichment: machine,
		Limiter:    ratelimit.NewTokenBucket(rdb, "rl:api:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Health:     st,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
