package cards

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/cardbot/internal/rarity"
	"go.uber.org/zap"
)

// TierSource is the slice of the catalog the picker reads.
type TierSource interface {
	CountByTier(ctx context.Context, tierID int) (int64, error)
	CardAt(ctx context.Context, tierID int, offset int64) (Card, error)
}

// PickerConfig wires a Picker.
type PickerConfig struct {
	Table  *rarity.Table
	Source TierSource
	// Random chooses the card within a tier. Defaults to a runtime seed.
	Random rarity.RandomSource
	Logger *zap.Logger
}

// Picker selects a card: draw a tier, then a uniform card inside it. Empty
// tiers fall back to the next non-empty tier in ascending tier ID.
type Picker struct {
	table  *rarity.Table
	source TierSource
	random rarity.RandomSource
	logger *zap.Logger
}

// NewPicker validates the configuration and builds a Picker.
func NewPicker(cfg PickerConfig) (*Picker, error) {
	if cfg.Table == nil {
		return nil, errors.New("cards: rarity table required")
	}
	if cfg.Source == nil {
		return nil, errors.New("cards: tier source required")
	}
	random := cfg.Random
	if random == nil {
		random = rarity.NewSource()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Picker{table: cfg.Table, source: cfg.Source, random: random, logger: logger}, nil
}

// Pick returns a card, or ErrCatalogEmpty when no tier holds an active card.
func (p *Picker) Pick(ctx context.Context) (Card, error) {
	drawn := p.table.Draw()
	card, found, err := p.pickInTier(ctx, drawn)
	if err != nil || found {
		return card, err
	}

	for _, tier := range p.table.Tiers() {
		if tier.ID == drawn {
			continue
		}
		card, found, err = p.pickInTier(ctx, tier.ID)
		if err != nil {
			return Card{}, err
		}
		if found {
			p.logger.Debug("drawn tier empty, fell back",
				zap.Int("drawn_tier_id", drawn),
				zap.Int("rarity_tier_id", tier.ID))
			return card, nil
		}
	}
	return Card{}, ErrCatalogEmpty
}

func (p *Picker) pickInTier(ctx context.Context, tierID int) (Card, bool, error) {
	count, err := p.source.CountByTier(ctx, tierID)
	if err != nil {
		return Card{}, false, err
	}
	if count == 0 {
		return Card{}, false, nil
	}
	offset := int64(p.random.Float64() * float64(count))
	if offset >= count {
		offset = count - 1
	}
	card, err := p.source.CardAt(ctx, tierID, offset)
	if errors.Is(err, ErrCardNotFound) {
		// Deactivated between count and fetch; treat the tier as empty.
		return Card{}, false, nil
	}
	if err != nil {
		return Card{}, false, err
	}
	return card, true, nil
}
