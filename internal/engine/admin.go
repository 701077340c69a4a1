package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/cardbot/internal/drops"
	"github.com/MarcoPoloResearchLab/cardbot/internal/users"
	"go.uber.org/zap"
)

// DropLedger reads the durable drop rows.
type DropLedger interface {
	Get(ctx context.Context, chatID int64) (drops.DropRecord, error)
	CountUnclaimed(ctx context.Context) (int64, error)
}

// DropStatus combines the chat's counter progress with its current drop.
type DropStatus struct {
	drops.Status
	Active     *drops.ActiveDrop `json:"active,omitempty"`
	LastRecord *drops.DropRecord `json:"last_record,omitempty"`
}

// DropStats summarises drops across chats.
type DropStats struct {
	ActiveDrops       int   `json:"active_drops"`
	RecordedUnclaimed int64 `json:"recorded_unclaimed"`
}

// ForceDrop opens a drop immediately. It refuses while an unclaimed drop is
// live in the chat.
func (e *Engine) ForceDrop(ctx context.Context, actorID, chatID int64) (Event, error) {
	if err := e.requireRole(ctx, actorID, users.RoleAdmin); err != nil {
		return Event{}, err
	}
	card, ok := e.pickCard(ctx, chatID)
	if !ok {
		return Event{Type: EventDropOffered, ChatID: chatID, Outcome: OutcomeCatalogEmpty}, nil
	}
	drop, opened := e.arbiter.OpenDropIfIdle(ctx, chatID, card)
	if !opened {
		return Event{}, fmt.Errorf("%w: %s", ErrDropActive, drop.DropID)
	}
	event := Event{Type: EventDropOffered, ChatID: chatID, DropID: drop.DropID, Card: &drop.Card}
	e.logger.Info("drop forced", zap.Int64("chat_id", chatID), zap.Int64("actor_id", actorID))
	e.publish(event)
	return event, nil
}

// ClearDrop removes the chat's drop and reports whether one existed.
func (e *Engine) ClearDrop(ctx context.Context, actorID, chatID int64) (bool, error) {
	if err := e.requireRole(ctx, actorID, users.RoleAdmin); err != nil {
		return false, err
	}
	return e.arbiter.Clear(ctx, chatID), nil
}

// SetThreshold changes how many messages the chat needs per drop.
func (e *Engine) SetThreshold(ctx context.Context, actorID, chatID, threshold int64) (DropStatus, error) {
	if err := e.requireRole(ctx, actorID, users.RoleAdmin); err != nil {
		return DropStatus{}, err
	}
	if err := e.scheduler.SetThreshold(ctx, chatID, threshold); err != nil {
		return DropStatus{}, err
	}
	return e.dropStatus(ctx, chatID)
}

// SetDropsEnabled switches drops on or off for the chat.
func (e *Engine) SetDropsEnabled(ctx context.Context, actorID, chatID int64, enabled bool) (DropStatus, error) {
	if err := e.requireRole(ctx, actorID, users.RoleAdmin); err != nil {
		return DropStatus{}, err
	}
	if err := e.scheduler.SetEnabled(ctx, chatID, enabled); err != nil {
		return DropStatus{}, err
	}
	return e.dropStatus(ctx, chatID)
}

// DropStatus reports the chat's progress toward the next drop.
func (e *Engine) DropStatus(ctx context.Context, actorID, chatID int64) (DropStatus, error) {
	if err := e.requireRole(ctx, actorID, users.RoleAdmin); err != nil {
		return DropStatus{}, err
	}
	return e.dropStatus(ctx, chatID)
}

// DropStats counts live unclaimed drops.
func (e *Engine) DropStats(ctx context.Context, actorID int64) (DropStats, error) {
	if err := e.requireRole(ctx, actorID, users.RoleAdmin); err != nil {
		return DropStats{}, err
	}
	stats := DropStats{ActiveDrops: e.arbiter.ActiveCount()}
	if e.ledger != nil {
		unclaimed, err := e.ledger.CountUnclaimed(ctx)
		if err != nil {
			return DropStats{}, err
		}
		stats.RecordedUnclaimed = unclaimed
	}
	return stats, nil
}

// SetRole changes a user's role. Only owners may do it.
func (e *Engine) SetRole(ctx context.Context, actorID, userID int64, role string) (users.User, error) {
	if err := e.requireRole(ctx, actorID, users.RoleOwner); err != nil {
		return users.User{}, err
	}
	parsed, err := users.ParseRole(role)
	if err != nil {
		return users.User{}, err
	}
	return e.users.SetRole(ctx, userID, parsed)
}

func (e *Engine) dropStatus(ctx context.Context, chatID int64) (DropStatus, error) {
	status, err := e.scheduler.Status(ctx, chatID)
	if err != nil {
		return DropStatus{}, err
	}
	result := DropStatus{Status: status}
	if current, ok := e.arbiter.Active(chatID); ok {
		result.Active = &current
	}
	if e.ledger != nil {
		record, err := e.ledger.Get(ctx, chatID)
		switch {
		case err == nil:
			result.LastRecord = &record
		case !errors.Is(err, drops.ErrDropNotFound):
			return DropStatus{}, err
		}
	}
	return result, nil
}

func (e *Engine) requireRole(ctx context.Context, actorID int64, required users.Role) error {
	allowed, err := e.users.HasRole(ctx, actorID, required)
	if err != nil {
		return err
	}
	if !allowed {
		e.logger.Warn("admin action refused", zap.Int64("actor_id", actorID), zap.String("required_role", string(required)))
		return fmt.Errorf("%w: requires %s", ErrForbidden, required)
	}
	return nil
}
