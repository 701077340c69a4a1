package drops

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/svcerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSettingsLoad = "drops.settings_load"
	opSettingsSave = "drops.settings_save"
)

// ChatSettings is the durable per-chat drop configuration. A zero Threshold
// means the scheduler default applies.
type ChatSettings struct {
	ChatID    int64     `gorm:"column:chat_id;primaryKey;autoIncrement:false" json:"chat_id"`
	Threshold int64     `gorm:"column:drop_threshold;not null" json:"drop_threshold"`
	Enabled   bool      `gorm:"column:drop_enabled;not null" json:"drop_enabled"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (ChatSettings) TableName() string {
	return "chat_settings"
}

// SettingsStore persists ChatSettings.
type SettingsStore interface {
	LoadSettings(ctx context.Context, chatID int64) (ChatSettings, bool, error)
	SaveSettings(ctx context.Context, settings ChatSettings) error
}

// LoadSettings reads the chat's row. The boolean is false when none exists.
func (r *Repository) LoadSettings(ctx context.Context, chatID int64) (ChatSettings, bool, error) {
	var settings ChatSettings
	err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChatSettings{}, false, nil
	}
	if err != nil {
		return ChatSettings{}, false, svcerr.Storage(opSettingsLoad, "query_failed", err)
	}
	return settings, true, nil
}

// SaveSettings upserts the chat's row.
func (r *Repository) SaveSettings(ctx context.Context, settings ChatSettings) error {
	settings.UpdatedAt = time.Now().UTC()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"drop_threshold": settings.Threshold,
			"drop_enabled":   settings.Enabled,
			"updated_at":     settings.UpdatedAt,
		}),
	}).Create(&settings).Error
	if err != nil {
		return svcerr.Storage(opSettingsSave, "upsert_failed", err)
	}
	return nil
}
