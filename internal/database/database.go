package database

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/trading-journal/internal/database/migrations"
)

// NewDatabase opens the journal database and brings the schema up to
// date. The open is retried with bounded exponential backoff before the
// failure is surfaced to the invoking command.
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "journal.db"
	}

	var db *gorm.DB
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err := backoff.Retry(func() error {
		var err error
		db, err = gorm.Open(sqlite.Open(path), &gorm.Config{})
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("database open failed, retrying")
		}
		return err
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to open database after retries: %w", err)
	}

	// Serialize writers at the connection level; position rows are the
	// contention point when concurrent ingestion runs target one symbol.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	// Run migrations
	if err := migrations.AddExecutionLedger(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddPositionsAndTrades(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
