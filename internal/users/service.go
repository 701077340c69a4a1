package users

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
	opEnsure      = "users.ensure"
	opGet         = "users.get"
	opRecordCatch = "users.record_catch"
	opSetRole     = "users.set_role"
	opLeaderboard = "users.leaderboard"
	opTotals      = "users.totals"
)

var (
	// ErrUserNotFound indicates no user row exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrInvalidUserID indicates a zero user identifier.
	ErrInvalidUserID = errors.New("users: invalid user id")
)

// ServiceConfig describes the dependencies required for user bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the users table.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("users: database connection required")
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

// Ensure inserts the user when absent and returns the stored row. A non-empty
// display name replaces the stored one.
func (s *Service) Ensure(ctx context.Context, userID int64, displayName string) (User, error) {
	if userID == 0 {
		return User{}, svcerr.New(opEnsure, "invalid_user_id", ErrInvalidUserID)
	}

	now := s.now().UTC()
	candidate := User{
		ID:          userID,
		DisplayName: normalize(displayName),
		Role:        RoleUser,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}
	if candidate.DisplayName != "" {
		conflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
		}
	}

	if err := s.db.WithContext(ctx).Clauses(conflict).Create(&candidate).Error; err != nil {
		s.logError(opEnsure, "insert_failed", err, zap.Int64("user_id", userID))
		return User{}, svcerr.Storage(opEnsure, "insert_failed", err)
	}

	return s.Get(ctx, userID)
}

// Get loads a user by identifier.
func (s *Service) Get(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, svcerr.New(opGet, "not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Int64("user_id", userID))
		return User{}, svcerr.Storage(opGet, "query_failed", err)
	}
	return user, nil
}

// RecordCatch stamps last_catch_at and bumps the catch total. The timestamp
// only moves forward; an older stamp than the stored one leaves the row as is.
func (s *Service) RecordCatch(ctx context.Context, userID int64, at time.Time) error {
	at = at.UTC()
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ? AND (last_catch_at IS NULL OR last_catch_at < ?)", userID, at).
		Updates(map[string]interface{}{
			"last_catch_at": at,
			"total_catches": gorm.Expr("total_catches + 1"),
			"updated_at":    s.now().UTC(),
		})
	if result.Error != nil {
		s.logError(opRecordCatch, "update_failed", result.Error, zap.Int64("user_id", userID))
		return svcerr.Storage(opRecordCatch, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("catch timestamp not advanced",
			zap.Int64("user_id", userID),
			zap.Time("at", at))
	}
	return nil
}

// SetRole changes the user's role, creating the user if needed.
func (s *Service) SetRole(ctx context.Context, userID int64, role Role) (User, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return User{}, svcerr.New(opSetRole, "invalid_role", err)
	}
	if _, err := s.Ensure(ctx, userID, ""); err != nil {
		return User{}, err
	}
	err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"role": role, "updated_at": s.now().UTC()}).Error
	if err != nil {
		s.logError(opSetRole, "update_failed", err, zap.Int64("user_id", userID))
		return User{}, svcerr.Storage(opSetRole, "update_failed", err)
	}
	s.logger.Info("user role changed", zap.Int64("user_id", userID), zap.String("role", string(role)))
	return s.Get(ctx, userID)
}

// HasRole reports whether the stored user ranks at least required. Unknown
// users hold RoleUser.
func (s *Service) HasRole(ctx context.Context, userID int64, required Role) (bool, error) {
	user, err := s.Get(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return RoleUser.AtLeast(required), nil
	}
	if err != nil {
		return false, err
	}
	return user.Role.AtLeast(required), nil
}

// Totals summarises every known user.
type Totals struct {
	Users   int64 `json:"users"`
	Catches int64 `json:"catches"`
}

// Leaderboard returns users with at least one catch, most catches first. Ties
// go to the lower user ID.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]User, error) {
	var leaders []User
	if err := s.db.WithContext(ctx).
		Where("total_catches > ?", 0).
		Order("total_catches DESC").
		Order("user_id ASC").
		Limit(limit).
		Find(&leaders).Error; err != nil {
		s.logError(opLeaderboard, "query_failed", err)
		return nil, svcerr.Storage(opLeaderboard, "query_failed", err)
	}
	return leaders, nil
}

// Totals counts users and sums their catches.
func (s *Service) Totals(ctx context.Context) (Totals, error) {
	var totals Totals
	if err := s.db.WithContext(ctx).
		Model(&User{}).
		Select("COUNT(*) AS users, COALESCE(SUM(total_catches), 0) AS catches").
		Scan(&totals).Error; err != nil {
		s.logError(opTotals, "query_failed", err)
		return Totals{}, svcerr.Storage(opTotals, "query_failed", err)
	}
	return totals, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
