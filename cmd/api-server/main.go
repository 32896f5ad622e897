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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-booking/internal/api"
	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/db"
	"github.com/hackgods/telehealth-booking/internal/logging"
	"github.com/hackgods/telehealth-booking/internal/metrics"
	"github.com/hackgods/telehealth-booking/internal/pricing"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
	"github.com/hackgods/telehealth-booking/internal/relay"
	"github.com/hackgods/telehealth-booking/internal/room"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("error", false)
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.LogLevel, cfg.IsProduction()).With().Str("service", "api-server").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Dur("hold_ttl", cfg.HoldTTL).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bookingMetrics := metrics.NewBookingMetrics(reg)
	relayMetrics := metrics.NewRelayMetrics(reg)

	catalog := pricing.DefaultCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = pricing.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("pricing catalog load error")
		}
	}

	var (
		store  appointment.Store
		checks []api.DependencyCheck
		locker redisclient.Locker
	)

	switch cfg.StoreDriver {
	case config.StoreMemory:
		mem := appointment.NewMemoryStore()
		seedDemoSlots(mem, logger)
		store = mem
		logger.Warn().Msg("using in-memory store; bookings are lost on restart")

	default:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: int32(cfg.PostgresMaxConn), ApplicationName: "api-server"})
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
		defer closeRedis(rdb, logger)
		logger.Info().Msg("connected to Redis")

		store = appointment.NewPgRepository(pgPool)
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		checks = []api.DependencyCheck{
			{Name: "postgres", Critical: true, Ping: pgPool.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		}
	}

	svc := appointment.NewService(store, pricing.NewEngine(catalog), cfg, logger, bookingMetrics)
	registry := room.NewRegistry(store)
	hub := relay.NewHub(logger, relayMetrics)

	var reaper *appointment.Reaper
	if cfg.EmbeddedReaper || cfg.StoreDriver == config.StoreMemory {
		reaper = appointment.NewReaper(svc, locker, cfg.ReaperBatchSize, logger)
		go reaper.Run(rootCtx, cfg.WorkerInterval)
		logger.Info().Dur("interval", cfg.WorkerInterval).Msg("embedded hold reaper running")
	}

	routerCfg := api.RouterConfig{
		Service:        svc,
		Rooms:          registry,
		Relay:          relay.NewHandler(hub, registry, cfg, logger, relayMetrics),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Checks:         checks,
		AdminJWTSecret: cfg.AdminJWTSecret,
		Logger:         logger,
		Env:            cfg.Env,
		Version:        cfg.Version,
	}
	if reaper != nil {
		routerCfg.Reaper = reaper
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}

	logger.Info().Msg("api-server stopped")
}

func closeRedis(rdb *redis.Client, logger zerolog.Logger) {
	if err := rdb.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing redis")
	}
}

// seedDemoSlots gives the in-memory store two days of half-hour slots for a
// few doctors at one clinic so the API is usable without Postgres.
func seedDemoSlots(store *appointment.MemoryStore, logger zerolog.Logger) []appointment.SlotKey {
	clinic := uuid.New()
	doctors := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	types := []appointment.AppointmentType{appointment.TypeClinic, appointment.TypeVideo, appointment.TypeChat}

	day := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	var keys []appointment.SlotKey
	for d := 0; d < 2; d++ {
		for h := 9; h < 17; h++ {
			for _, m := range []int{0, 30} {
				start := day.Add(time.Duration(d)*24*time.Hour + time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
				for i, doc := range doctors {
					c := clinic
					keys = append(keys, appointment.SlotKey{
						DoctorID: doc,
						ClinicID: &c,
						Type:     types[i%len(types)],
						Start:    start,
						End:      start.Add(30 * time.Minute),
					})
				}
			}
		}
	}
	store.AddSlots(keys...)

	evt := logger.Info().Str("clinic_id", clinic.String()).Int("slots", len(keys))
	for i, doc := range doctors {
		evt = evt.Str(string(types[i])+"_doctor_id", doc.String())
	}
	evt.Msg("seeded demo slots")
	return keys
}
