package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/db"
	"github.com/hackgods/telehealth-booking/internal/logging"
	"github.com/hackgods/telehealth-booking/internal/metrics"
	"github.com/hackgods/telehealth-booking/internal/pricing"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("error", false)
		boot.Fatal().Err(err).Msg("config load error")
	}
	if err := checkStore(cfg); err != nil {
		boot := logging.New("error", false)
		boot.Fatal().Err(err).Msg("invalid store")
	}

	logger := logging.New(cfg.LogLevel, cfg.IsProduction()).With().Str("service", "expiry-worker").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Int("batch_size", cfg.ReaperBatchSize).
		Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: int32(cfg.PostgresMaxConn), ApplicationName: "expiry-worker"})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	repo := appointment.NewPgRepository(pgPool)
	bookingMetrics := metrics.NewBookingMetrics(prometheus.NewRegistry())
	svc := appointment.NewService(repo, pricing.NewEngine(pricing.DefaultCatalog()), cfg, logger, bookingMetrics)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)

	reaper := appointment.NewReaper(svc, locker, cfg.ReaperBatchSize, logger)
	reaper.Run(rootCtx, cfg.WorkerInterval)

	logger.Info().Msg("expiry-worker stopped")
}

// checkStore rejects the in-memory store: its holds live in another process.
func checkStore(cfg config.Config) error {
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("expiry-worker needs the %s store, got %q", config.StorePostgres, cfg.StoreDriver)
	}
	return nil
}
