package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillAnimeSlugs  = "2024-06-01_backfill_anime_slugs"
	migrationBackfillImageHashes = "2024-06-01_backfill_image_hashes"
	backfillBatchSize            = 200
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillAnimeSlugs, apply: backfillAnimeSlugs},
		{name: migrationBackfillImageHashes, apply: backfillImageHashes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Cards imported from older dumps carry no slug; catalog lookups group by it.
func backfillAnimeSlugs(db *gorm.DB) error {
	var batch []cards.Card
	return db.Where("anime_slug = ''").FindInBatches(&batch, backfillBatchSize, func(tx *gorm.DB, _ int) error {
		for _, card := range batch {
			if err := tx.Model(&cards.Card{}).Where("card_id = ?", card.ID).
				Update("anime_slug", cards.AnimeSlug(card.Anime)).Error; err != nil {
				return err
			}
		}
		return nil
	}).Error
}

func backfillImageHashes(db *gorm.DB) error {
	var batch []cards.Card
	return db.Where("image_hash = ''").FindInBatches(&batch, backfillBatchSize, func(tx *gorm.DB, _ int) error {
		for _, card := range batch {
			if err := tx.Model(&cards.Card{}).Where("card_id = ?", card.ID).
				Update("image_hash", cards.ImageHash(card.ImageRef)).Error; err != nil {
				return err
			}
		}
		return nil
	}).Error
}
