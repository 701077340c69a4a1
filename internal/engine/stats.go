package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"go.uber.org/zap"
)

const (
	// DefaultLeaderboardSize is the page size when none is requested.
	DefaultLeaderboardSize = 10
	// MaxLeaderboardSize caps one leaderboard read.
	MaxLeaderboardSize = 100
	topOwnersLimit     = 10
)

// LeaderboardEntry is one ranked player.
type LeaderboardEntry struct {
	Rank         int    `json:"rank"`
	UserID       int64  `json:"user_id"`
	DisplayName  string `json:"display_name"`
	TotalCatches int64  `json:"total_catches"`
}

// TierShare is the number of active cards in a tier.
type TierShare struct {
	RarityTierID int    `json:"rarity_tier_id"`
	Name         string `json:"name,omitempty"`
	Cards        int64  `json:"cards"`
}

// GlobalStats are game-wide totals.
type GlobalStats struct {
	Users   int64       `json:"users"`
	Cards   int64       `json:"cards"`
	Catches int64       `json:"catches"`
	Rarity  []TierShare `json:"rarity"`
}

// CardOwner is one holder of a card.
type CardOwner struct {
	UserID        int64     `json:"user_id"`
	DisplayName   string    `json:"display_name"`
	Quantity      int64     `json:"quantity"`
	FirstCaughtAt time.Time `json:"first_caught_at"`
}

// CardInfo describes a card and who holds it.
type CardInfo struct {
	Card       cards.Card  `json:"card"`
	OwnerCount int64       `json:"owner_count"`
	TopOwners  []CardOwner `json:"top_owners"`
}

// Leaderboard ranks players by total catches.
func (e *Engine) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}
	if limit > MaxLeaderboardSize {
		return nil, fmt.Errorf("%w: limit %d above %d", ErrInvalidEvent, limit, MaxLeaderboardSize)
	}
	leaders, err := e.users.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	ranked := make([]LeaderboardEntry, 0, len(leaders))
	for index, user := range leaders {
		ranked = append(ranked, LeaderboardEntry{
			Rank:         index + 1,
			UserID:       user.ID,
			DisplayName:  user.DisplayName,
			TotalCatches: user.TotalCatches,
		})
	}
	return ranked, nil
}

// GlobalStats totals users, active cards and catches, with the rarity spread
// of the catalog.
func (e *Engine) GlobalStats(ctx context.Context) (GlobalStats, error) {
	totals, err := e.users.Totals(ctx)
	if err != nil {
		return GlobalStats{}, err
	}
	counts, err := e.catalog.TierCounts(ctx)
	if err != nil {
		return GlobalStats{}, err
	}
	stats := GlobalStats{Users: totals.Users, Catches: totals.Catches, Rarity: make([]TierShare, 0, len(counts))}
	for _, count := range counts {
		share := TierShare{RarityTierID: count.RarityTierID, Cards: count.Cards}
		if e.tiers != nil {
			if tier, err := e.tiers.Tier(count.RarityTierID); err == nil {
				share.Name = tier.Name
			}
		}
		stats.Cards += count.Cards
		stats.Rarity = append(stats.Rarity, share)
	}
	return stats, nil
}

// CardInfo loads a card with its owner count and earliest holders.
func (e *Engine) CardInfo(ctx context.Context, cardID int64) (CardInfo, error) {
	card, err := e.catalog.Get(ctx, cardID)
	if err != nil {
		return CardInfo{}, err
	}
	count, err := e.collection.OwnerCount(ctx, cardID)
	if err != nil {
		return CardInfo{}, err
	}
	entries, err := e.collection.Owners(ctx, cardID, topOwnersLimit)
	if err != nil {
		return CardInfo{}, err
	}
	info := CardInfo{Card: card, OwnerCount: count, TopOwners: make([]CardOwner, 0, len(entries))}
	for _, entry := range entries {
		owner := CardOwner{UserID: entry.UserID, Quantity: entry.Quantity, FirstCaughtAt: entry.FirstCaughtAt}
		if user, err := e.users.Get(ctx, entry.UserID); err == nil {
			owner.DisplayName = user.DisplayName
		} else {
			e.logger.Debug("card owner name unavailable", zap.Int64("user_id", entry.UserID), zap.Error(err))
		}
		info.TopOwners = append(info.TopOwners, owner)
	}
	return info, nil
}
