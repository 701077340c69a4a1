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
	opMirrorOpen   = "drops.mirror_open"
	opMirrorClaim  = "drops.mirror_claim"
	opMirrorRemove = "drops.mirror_remove"
	opMirrorGet    = "drops.mirror_get"
)

// ErrDropNotFound indicates no durable drop row exists for the chat.
var ErrDropNotFound = errors.New("drops: drop not found")

// DropRecord is the durable row for a chat's latest drop.
type DropRecord struct {
	ChatID    int64      `gorm:"column:chat_id;primaryKey;autoIncrement:false" json:"chat_id"`
	DropID    string     `gorm:"column:drop_id;size:36;not null;uniqueIndex" json:"drop_id"`
	CardID    int64      `gorm:"column:card_id;not null" json:"card_id"`
	Character string     `gorm:"column:character_name;size:256;not null" json:"character"`
	OpenedAt  time.Time  `gorm:"column:opened_at;not null" json:"opened_at"`
	ClaimedBy *int64     `gorm:"column:claimed_by" json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (DropRecord) TableName() string {
	return "active_drops"
}

// Repository stores DropRecords with gorm.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("drops: database connection required")
	}
	return &Repository{db: db}, nil
}

// RecordOpen replaces the chat's row with a fresh, unclaimed drop.
func (r *Repository) RecordOpen(ctx context.Context, drop ActiveDrop) error {
	record := DropRecord{
		ChatID:    drop.ChatID,
		DropID:    drop.DropID,
		CardID:    drop.Card.ID,
		Character: drop.Card.Character,
		OpenedAt:  drop.OpenedAt.UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"drop_id":        record.DropID,
			"card_id":        record.CardID,
			"character_name": record.Character,
			"opened_at":      record.OpenedAt,
			"claimed_by":     nil,
			"claimed_at":     nil,
		}),
	}).Create(&record).Error
	if err != nil {
		return svcerr.Storage(opMirrorOpen, "upsert_failed", err)
	}
	return nil
}

// RecordClaim sets the winner only while the row is unclaimed. The affected
// row count is the answer: true means this call stored the winner.
func (r *Repository) RecordClaim(ctx context.Context, dropID string, userID int64, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&DropRecord{}).
		Where("drop_id = ? AND claimed_by IS NULL", dropID).
		Updates(map[string]interface{}{"claimed_by": userID, "claimed_at": at.UTC()})
	if result.Error != nil {
		return false, svcerr.Storage(opMirrorClaim, "update_failed", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Remove deletes the row for dropID, leaving newer drops alone.
func (r *Repository) Remove(ctx context.Context, dropID string) error {
	if err := r.db.WithContext(ctx).Where("drop_id = ?", dropID).Delete(&DropRecord{}).Error; err != nil {
		return svcerr.Storage(opMirrorRemove, "delete_failed", err)
	}
	return nil
}

// Get loads the chat's row.
func (r *Repository) Get(ctx context.Context, chatID int64) (DropRecord, error) {
	var record DropRecord
	err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DropRecord{}, svcerr.New(opMirrorGet, "not_found", ErrDropNotFound)
	}
	if err != nil {
		return DropRecord{}, svcerr.Storage(opMirrorGet, "query_failed", err)
	}
	return record, nil
}

// CountUnclaimed counts durable rows still waiting for a winner.
func (r *Repository) CountUnclaimed(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&DropRecord{}).Where("claimed_by IS NULL").Count(&count).Error; err != nil {
		return 0, svcerr.Storage(opMirrorGet, "count_failed", err)
	}
	return count, nil
}
