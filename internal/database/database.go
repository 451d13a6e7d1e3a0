package database

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"

	"github.com/THEMKM/seraaj-eventsourced-sub001/config"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

// Open connects to the primary database and registers read replicas when
// any are configured. Reads marked with dbresolver.Read go to a replica;
// everything else stays on the primary.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.Source == "" {
		return nil, errors.New("database: source is required")
	}

	primary := postgres.Open(cfg.Source)
	db, err := gorm.Open(primary, &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if len(cfg.ReadSources) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.ReadSources))
		for _, dsn := range cfg.ReadSources {
			replicas = append(replicas, postgres.Open(dsn))
		}

		resolver := dbresolver.Register(dbresolver.Config{
			Sources:  []gorm.Dialector{primary},
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		})
		if cfg.MaxOpenConns > 0 {
			resolver = resolver.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			resolver = resolver.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			resolver = resolver.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		if err := db.Use(resolver); err != nil {
			return nil, fmt.Errorf("failed to register read replicas: %w", err)
		}
		log.Info().Int("replicas", len(replicas)).Msg("Read replicas registered")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.AutoMigrate {
		if err := models.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return db, nil
}

// Close releases the connection pool
func Close(db *gorm.DB) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}
