// Package database opens the gorm connection and brings the schema up to date.
package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/MarcoPoloResearchLab/cardbot/internal/collection"
	"github.com/MarcoPoloResearchLab/cardbot/internal/drops"
	"github.com/MarcoPoloResearchLab/cardbot/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config describes the connection.
type Config struct {
	// DSN is a postgres URL or key/value string, or a SQLite path.
	DSN     string
	PoolMin int
	PoolMax int
	Logger  *zap.Logger
}

// Open connects to the configured database, sizes the pool and migrates the schema.
func Open(cfg Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialect := "sqlite"
	dialector := sqlite.Open(dsn)
	if IsPostgresDSN(dsn) {
		dialect = "postgres"
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dialect == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(cfg.PoolMin)
		sqlDB.SetMaxOpenConns(cfg.PoolMax)
	}

	if err := db.AutoMigrate(&users.User{}, &cards.Card{}, &collection.Entry{}, &drops.DropRecord{}, &drops.ChatSettings{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("dialect", dialect))
	return db, nil
}

// IsPostgresDSN reports whether dsn addresses a postgres server.
func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// Ping checks the connection; the HTTP readiness check uses it.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
