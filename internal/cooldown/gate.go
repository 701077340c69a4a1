// Package cooldown enforces the minimum interval between a user's catches.
package cooldown

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/users"
	"go.uber.org/zap"
)

// DefaultWindow is the stock interval between catches.
const DefaultWindow = 24 * time.Hour

// Store is the user persistence the gate reads and stamps.
type Store interface {
	Get(ctx context.Context, userID int64) (users.User, error)
	RecordCatch(ctx context.Context, userID int64, at time.Time) error
}

// Decision is the outcome of a cooldown check.
type Decision struct {
	Allowed   bool
	Remaining time.Duration
}

// Config wires a Gate.
type Config struct {
	Store  Store
	Window time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// Gate answers whether a user may catch now. Checks are read-only.
type Gate struct {
	store  Store
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewGate constructs a Gate.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Store == nil {
		return nil, errors.New("cooldown: store required")
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: cfg.Store, window: window, now: clock, logger: logger}, nil
}

// Window reports the configured interval.
func (g *Gate) Window() time.Duration {
	return g.window
}

// Check evaluates a loaded user against the window.
func (g *Gate) Check(user users.User) Decision {
	if user.LastCatchAt == nil {
		return Decision{Allowed: true}
	}
	remaining := g.window - g.now().Sub(*user.LastCatchAt)
	if remaining <= 0 {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Remaining: remaining}
}

// CheckUser loads the user and checks it. Unknown users are allowed.
func (g *Gate) CheckUser(ctx context.Context, userID int64) (Decision, error) {
	user, err := g.store.Get(ctx, userID)
	if errors.Is(err, users.ErrUserNotFound) {
		return Decision{Allowed: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	return g.Check(user), nil
}

// RecordCatch stamps a successful catch at the given instant.
func (g *Gate) RecordCatch(ctx context.Context, userID int64, at time.Time) error {
	if err := g.store.RecordCatch(ctx, userID, at); err != nil {
		g.logger.Error("cooldown record failed",
			zap.Int64("user_id", userID),
			zap.Time("at", at),
			zap.Error(err))
		return err
	}
	return nil
}
