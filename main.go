package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleetwatch.dev/config"
	"fleetwatch.dev/fanout"
	"fleetwatch.dev/history"
	"fleetwatch.dev/hub"
	"fleetwatch.dev/presence"
	"fleetwatch.dev/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.New().String()[:8]
	}

	logger := newLogger(cfg.LogLevel).With().Str("server", cfg.ServerID).Logger()

	var rdb *redis.Client
	if cfg.PresenceBackend == "redis" || cfg.BrokerBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	storeOpts := presence.Options{
		HardTimeout:  2 * cfg.CourierTimeout,
		GracePeriod:  cfg.GracePeriod,
		MaxPerBranch: cfg.MaxCouriersPerBranch,
	}

	var store presence.Store
	var limiter ratelimit.Limiter
	switch cfg.PresenceBackend {
	case "redis":
		store = presence.NewRedisStore(rdb, storeOpts)
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.MaxLocationsPerMinute, logger)
	default:
		store = presence.NewMemoryStore(storeOpts)
		limiter = ratelimit.NewWindow(cfg.MaxLocationsPerMinute)
	}

	var broker fanout.Broker
	switch cfg.BrokerBackend {
	case "redis":
		broker = fanout.NewRedisBroker(rdb, logger)
	case "kafka":
		broker = fanout.NewKafkaBroker(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	default:
		broker = fanout.NewMemoryBroker()
	}
	defer broker.Close()

	buffer := history.NewBuffer(cfg.HistoryMaxSamples, cfg.HistoryWindow)
	h := hub.New(cfg, store, broker, limiter, buffer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := presence.NewSweeper(store, cfg.CleanupInterval, logger)
	sweeper.OnEvict = h.HandleEvictions
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("sweeper")
	}
	defer sweeper.Stop()

	// periodic ops visibility, riding the same scheduler as the sweeper
	stats := cron.New()
	stats.AddFunc("@every 1m", func() {
		conns, topics := h.Stats()
		logger.Info().Int("connections", conns).Int("branches", topics).Msg("stats")
		if w, ok := limiter.(*ratelimit.Window); ok {
			w.Prune()
		}
	})
	stats.Start()
	defer stats.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/couriers", h.GetCouriersHandler)
	mux.HandleFunc("/history", h.GetHistoryHandler)
	mux.HandleFunc("/health", h.HealthHandler)
	mux.HandleFunc("/stats", h.StatsHandler)

	srv := &http.Server{
		Addr:    cfg.Address,
		Handler: hub.WithCors(mux),
	}

	go func() {
		logger.Info().Str("address", cfg.Address).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
