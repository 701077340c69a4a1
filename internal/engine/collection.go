package engine

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/MarcoPoloResearchLab/cardbot/internal/collection"
	"github.com/MarcoPoloResearchLab/cardbot/internal/users"
	"go.uber.org/zap"
)

// CollectionItem is one owned card with its count.
type CollectionItem struct {
	Card          cards.Card `json:"card"`
	Quantity      int64      `json:"quantity"`
	FirstCaughtAt time.Time  `json:"first_caught_at"`
}

// Collection lists the user's cards, most recently credited first. A non-zero
// tierID keeps only cards of that rarity.
func (e *Engine) Collection(ctx context.Context, userID int64, tierID int) ([]CollectionItem, error) {
	var (
		entries []collection.Entry
		err     error
	)
	if tierID != 0 {
		entries, err = e.collection.ListByTier(ctx, userID, tierID)
	} else {
		entries, err = e.collection.List(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	items := make([]CollectionItem, 0, len(entries))
	for _, entry := range entries {
		card, err := e.catalog.Get(ctx, entry.CardID)
		if errors.Is(err, cards.ErrCardNotFound) {
			e.logger.Warn("owned card missing from catalog", zap.Int64("user_id", userID), zap.Int64("card_id", entry.CardID))
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, CollectionItem{Card: card, Quantity: entry.Quantity, FirstCaughtAt: entry.FirstCaughtAt})
	}
	return items, nil
}

// EditCard applies an admin edit to a catalog card.
func (e *Engine) EditCard(ctx context.Context, actorID, cardID int64, edit cards.Draft) (cards.Card, error) {
	if err := e.requireRole(ctx, actorID, users.RoleAdmin); err != nil {
		return cards.Card{}, err
	}
	card, err := e.catalog.Update(ctx, cardID, edit)
	if err != nil {
		return cards.Card{}, err
	}
	e.logger.Info("card edited", zap.Int64("card_id", cardID), zap.Int64("actor_id", actorID))
	return card, nil
}

// RetireCard takes a card out of future drops and catches. Owned copies stay.
func (e *Engine) RetireCard(ctx context.Context, actorID, cardID int64) error {
	if err := e.requireRole(ctx, actorID, users.RoleAdmin); err != nil {
		return err
	}
	if err := e.catalog.Deactivate(ctx, cardID); err != nil {
		return err
	}
	e.logger.Info("card retired", zap.Int64("card_id", cardID), zap.Int64("actor_id", actorID))
	return nil
}
