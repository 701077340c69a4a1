// Package collection tracks which cards each user owns and how many copies.
package collection

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCredit = "collection.credit"
	opGet    = "collection.get"
	opList   = "collection.list"
	opOwners = "collection.owners"
)

var (
	// ErrEntryNotFound indicates the user does not own the card.
	ErrEntryNotFound = errors.New("collection: entry not found")
	errMissingDB     = errors.New("collection: database connection required")
)

// Entry is one (user, card) ownership row.
type Entry struct {
	UserID        int64     `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	CardID        int64     `gorm:"column:card_id;primaryKey;autoIncrement:false;index"`
	Quantity      int64     `gorm:"column:quantity;not null;default:1"`
	FirstCaughtAt time.Time `gorm:"column:first_caught_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "ownerships"
}

// ServiceConfig describes the collection service dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service credits and lists ownership entries.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the collection service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDB
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// Credit adds one copy of the card to the user's collection. The first copy
// creates the row; later copies increment quantity in the same statement.
func (s *Service) Credit(ctx context.Context, userID, cardID int64) (Entry, error) {
	now := s.now().UTC()
	entry := Entry{
		UserID:        userID,
		CardID:        cardID,
		Quantity:      1,
		FirstCaughtAt: now,
		UpdatedAt:     now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "card_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"quantity":   gorm.Expr("ownerships.quantity + 1"),
			"updated_at": now,
		}),
	}).Create(&entry).Error
	if err != nil {
		s.logger.Error("collection service error",
			zap.String("operation", opCredit),
			zap.String("reason", "upsert_failed"),
			zap.Int64("user_id", userID),
			zap.Int64("card_id", cardID),
			zap.Error(err))
		return Entry{}, svcerr.Storage(opCredit, "upsert_failed", err)
	}
	return s.Get(ctx, userID, cardID)
}

// Get returns a single ownership entry.
func (s *Service) Get(ctx context.Context, userID, cardID int64) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND card_id = ?", userID, cardID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, svcerr.New(opGet, "not_found", ErrEntryNotFound)
	}
	if err != nil {
		return Entry{}, svcerr.Storage(opGet, "query_failed", err)
	}
	return entry, nil
}

// List returns the user's entries, most recently credited first.
func (s *Service) List(ctx context.Context, userID int64) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("card_id ASC").
		Find(&entries).Error; err != nil {
		return nil, svcerr.Storage(opList, "query_failed", err)
	}
	return entries, nil
}

// ListByTier returns the user's entries whose card sits in the rarity tier,
// most recently credited first.
func (s *Service) ListByTier(ctx context.Context, userID int64, tierID int) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Select("ownerships.*").
		Joins("JOIN cards ON cards.card_id = ownerships.card_id").
		Where("ownerships.user_id = ? AND cards.rarity_tier_id = ?", userID, tierID).
		Order("ownerships.updated_at DESC").
		Order("ownerships.card_id ASC").
		Find(&entries).Error; err != nil {
		return nil, svcerr.Storage(opList, "query_failed", err)
	}
	return entries, nil
}

// OwnerCount counts the users holding at least one copy of the card.
func (s *Service) OwnerCount(ctx context.Context, cardID int64) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Where("card_id = ?", cardID).Count(&count).Error; err != nil {
		return 0, svcerr.Storage(opOwners, "count_failed", err)
	}
	return count, nil
}

// Owners returns up to limit holders of the card, earliest catchers first.
func (s *Service) Owners(ctx context.Context, cardID int64, limit int) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where("card_id = ?", cardID).
		Order("first_caught_at ASC").
		Order("user_id ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, svcerr.Storage(opOwners, "query_failed", err)
	}
	return entries, nil
}
