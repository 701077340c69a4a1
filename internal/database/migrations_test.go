package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsLegacyCards(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&cards.Card{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := cards.Card{Anime: "Jujutsu Kaisen", Character: "Gojo Satoru", RarityTierID: 9, ImageRef: "file-gojo"}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy card: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored cards.Card
	if err := database.Where("card_id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload card: %v", err)
	}
	if stored.AnimeSlug != "jujutsu-kaisen" {
		testContext.Fatalf("expected slug to be backfilled, got %q", stored.AnimeSlug)
	}
	if stored.ImageHash != cards.ImageHash("file-gojo") {
		testContext.Fatalf("expected image hash to be backfilled, got %q", stored.ImageHash)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", count)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("reapplying migrations should be a no-op: %v", err)
	}
}

func TestOpenMigratesSQLiteSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "cardbot.db")
	database, err := Open(Config{DSN: databasePath, PoolMin: 1, PoolMax: 4})
	if err != nil {
		testContext.Fatalf("open: %v", err)
	}
	for _, table := range []string{"users", "cards", "ownerships", "active_drops", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if err := Ping(context.Background(), database); err != nil {
		testContext.Fatalf("ping: %v", err)
	}
}

func TestIsPostgresDSN(testContext *testing.T) {
	testCases := map[string]bool{
		"postgres://bot:pw@db:5432/cards":          true,
		"postgresql://db/cards":                     true,
		"host=db user=bot dbname=cards sslmode=off": true,
		"cardbot.db":                                false,
		"file:cards?mode=memory":                    false,
	}
	for dsn, expected := range testCases {
		if IsPostgresDSN(dsn) != expected {
			testContext.Fatalf("IsPostgresDSN(%q) != %v", dsn, expected)
		}
	}
}
