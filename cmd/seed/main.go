package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/db"
	"github.com/hackgods/telehealth-booking/internal/logging"
)

var slotTypes = []string{"clinic", "video", "audio", "chat"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("error", false)
		boot.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.IsProduction()).With().Str("service", "seed").Logger()
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: int32(cfg.PostgresMaxConn), ApplicationName: "seed"})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	_ = gofakeit.Seed(time.Now().UnixNano())

	doctors := envInt("SEED_DOCTORS", 20)
	clinics := envInt("SEED_CLINICS", 4)
	days := envInt("SEED_DAYS", 5)

	if err := seedSlots(context.Background(), pool, logger, doctors, clinics, days); err != nil {
		logger.Fatal().Err(err).Msg("seed slots")
	}
	if err := seedPatients(context.Background(), pool, logger, envInt("SEED_PATIENTS", 2000)); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	logger.Info().Msg("seed complete")
}

// seedSlots spreads doctors across clinics and lays out half-hour slots
// from 09:00 to 17:00 UTC for the next few days. Each doctor works one
// appointment type.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, doctors, clinics, days int) error {
	clinicIDs := make([]uuid.UUID, clinics)
	for i := range clinicIDs {
		clinicIDs[i] = uuid.New()
	}

	tomorrow := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	total := 0

	for i := 0; i < doctors; i++ {
		doctorID := uuid.New()
		clinicID := clinicIDs[i%len(clinicIDs)]
		apptType := slotTypes[gofakeit.Number(0, len(slotTypes)-1)]

		batch := &pgx.Batch{}
		for d := 0; d < days; d++ {
			for h := 9; h < 17; h++ {
				for _, m := range []int{0, 30} {
					start := tomorrow.Add(time.Duration(d)*24*time.Hour + time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
					batch.Queue(`
						INSERT INTO slots (doctor_id, clinic_id, type, start_at, end_at, blocked)
						VALUES ($1, $2, $3, $4, $5, false)
						ON CONFLICT DO NOTHING
					`, doctorID, clinicID, apptType, start, start.Add(30*time.Minute))
				}
			}
		}

		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		total += batch.Len()

		logger.Debug().
			Str("doctor_id", doctorID.String()).
			Str("clinic_id", clinicID.String()).
			Str("type", apptType).
			Msg("doctor seeded")
	}

	clinicStrs := make([]string, len(clinicIDs))
	for i, id := range clinicIDs {
		clinicStrs[i] = id.String()
	}
	logger.Info().Int("slots", total).Int("doctors", doctors).Strs("clinic_ids", clinicStrs).Msg("slots seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, count int) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
				ON CONFLICT (email) DO NOTHING
			`, uuid.New(), gofakeit.Name(), gofakeit.Email(), gofakeit.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}

	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
