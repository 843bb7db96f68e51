package db

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"availability-backend/config"
	"availability-backend/internal/model"
)

// Init opens the configured database, applies pool settings and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	logLevel := logger.Warn
	if cfg.LogSQL {
		logLevel = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	log.Info().Str("driver", cfg.Driver).Msg("running database migrations")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	if cfg.EnableTimescale && cfg.Driver == "postgres" {
		log.Info().Msg("TimescaleDB is enabled, applying TimescaleDB-specific DDL")
		if err := applyTimescaleDDL(db); err != nil {
			log.Warn().Err(err).Msg("failed to apply some TimescaleDB DDL, continuing without it")
		}
	}

	log.Info().Msg("database initialization complete")
	return db, nil
}

// Migrate creates or updates every table the pipeline owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Site{},
		&model.Device{},
		&model.CurrentState{},
		&model.TransitionRecord{},
		&model.AggregateBin{},
		&model.Subscription{},
		&model.PushEndpoint{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "postgres":
		return postgres.Open(cfg.DSN), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func applyTimescaleDDL(db *gorm.DB) error {
	ddls := []string{
		"CREATE EXTENSION IF NOT EXISTS timescaledb;",

		// Hypertables need the time column in every unique index, so the surrogate key is widened.
		"ALTER TABLE transition_records DROP CONSTRAINT IF EXISTS transition_records_pkey;",
		"ALTER TABLE transition_records ADD PRIMARY KEY (id, occurred_at);",
		"SELECT create_hypertable('transition_records', 'occurred_at', if_not_exists => TRUE, migrate_data => TRUE);",

		"CREATE INDEX IF NOT EXISTS idx_transition_records_device_occurred_at ON transition_records (device_id, occurred_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_aggregate_bins_scope_window ON aggregate_bins (scope, scope_id, window_start DESC);",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
