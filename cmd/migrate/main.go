package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/logging"
	"github.com/hackgods/telehealth-booking/migrations"
)

// Usage:
//
//	migrate [up]       apply all pending migrations
//	migrate down       roll back one step
//	migrate force N    mark version N as clean
func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("error", false)
		boot.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.IsProduction()).With().Str("service", "migrate").Logger()

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("ping db")
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		logger.Fatal().Err(err).Msg("db driver")
	}
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		logger.Fatal().Err(err).Msg("source driver")
	}

	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		logger.Fatal().Err(err).Msg("create migrator")
	}
	defer func() { _, _ = m.Close() }()

	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Strs("args", os.Args[1:]).Msg("invalid arguments")
	}

	switch cmd.name {
	case "force":
		if err := m.Force(cmd.version); err != nil {
			logger.Fatal().Err(err).Int("version", cmd.version).Msg("force version")
		}
		logger.Info().Int("version", cmd.version).Msg("forced migration version")
		return

	case "down":
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("rolled back one migration")
		return
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal().Err(err).Msg("migrate up")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logger.Fatal().Err(err).Msg("read version")
	}
	logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("migrations complete")
}

type command struct {
	name    string // up, down or force
	version int
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 || args[0] == "up" {
		return command{name: "up"}, nil
	}
	switch args[0] {
	case "down":
		return command{name: "down"}, nil
	case "force":
		if len(args) < 2 {
			return command{}, errors.New("force needs a version")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return command{}, fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		return command{name: "force", version: version}, nil
	}
	return command{}, fmt.Errorf("unknown command %q", args[0])
}
