// Package db wires the one Postgres connection every repo in
// internal/data/repos shares: a DSN assembled from env vars, a GORM
// logger tuned to stay quiet about record-not-found (a polling actor hits
// that constantly and it is not noteworthy), and an AutoMigrate pass over
// every table this core owns.
package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/flowforge/taskflow-core/internal/domain"
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DSN assembles a libpq connection string from TASKFLOW_POSTGRES_* env vars,
// defaulting to a local dev database.
func DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getEnv("TASKFLOW_POSTGRES_USER", "postgres"),
		getEnv("TASKFLOW_POSTGRES_PASSWORD", ""),
		getEnv("TASKFLOW_POSTGRES_HOST", "localhost"),
		getEnv("TASKFLOW_POSTGRES_PORT", "5432"),
		getEnv("TASKFLOW_POSTGRES_NAME", "taskflow"),
	)
}

// Connect opens the GORM connection used by every repository in this
// process. Foreign-key constraint creation is left enabled, unlike the
// teacher's setting, since this schema's task/step/dependency/transition
// relationships are exactly the kind of invariant a migration-time FK catches
// early. The domain models declare no GORM associations, though, so
// AutoMigrate creates no foreign keys between these tables.
func Connect(dsn string) (*gorm.DB, error) {
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	database, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := database.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}
	return database, nil
}

// AutoMigrate creates or updates every table this core owns: task/step
// system-of-record, the append-only transition audit log, and the queue's
// backing tables (queue_messages, dead_letter_entries).
func AutoMigrate(database *gorm.DB) error {
	return database.AutoMigrate(
		&domain.Task{},
		&domain.Step{},
		&domain.StepDependency{},
		&domain.TransitionRecord{},
		&domain.QueueMessage{},
		&domain.DeadLetterEntry{},
	)
}
