// Package cards owns the card catalog and the weighted card picker.
package cards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/rarity"
	"github.com/MarcoPoloResearchLab/cardbot/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opCreate     = "cards.create"
	opGet        = "cards.get"
	opUpdate     = "cards.update"
	opDeactivate = "cards.deactivate"
	opCount      = "cards.count"
	opCardAt     = "cards.card_at"
	opAnime      = "cards.anime"
	opCharacters = "cards.characters"
	opSearch     = "cards.search"
	opTiers      = "cards.tiers"

	defaultSearchLimit = 20
)

// CatalogConfig describes the catalog dependencies.
type CatalogConfig struct {
	Database *gorm.DB
	// Tiers validates rarity references on write. Optional.
	Tiers  *rarity.Table
	Clock  func() time.Time
	Logger *zap.Logger
}

// Catalog reads and writes cards.
type Catalog struct {
	db     *gorm.DB
	tiers  *rarity.Table
	now    func() time.Time
	logger *zap.Logger
}

// NewCatalog constructs a Catalog.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Database == nil {
		return nil, errors.New("cards: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{db: cfg.Database, tiers: cfg.Tiers, now: clock, logger: logger}, nil
}

// Create stores a new active card. The anime name is canonicalised against the
// existing catalog and the image must not already back an active card.
func (c *Catalog) Create(ctx context.Context, draft Draft) (Card, error) {
	normalized, err := draft.normalized()
	if err != nil {
		return Card{}, svcerr.New(opCreate, "invalid_card", err)
	}
	if err := c.checkTier(normalized.RarityTierID); err != nil {
		return Card{}, svcerr.New(opCreate, "invalid_tier", err)
	}

	canonical, err := c.CanonicalAnime(ctx, normalized.Anime)
	if err != nil {
		return Card{}, err
	}

	now := c.now().UTC()
	card := Card{
		Anime:        canonical,
		AnimeSlug:    AnimeSlug(canonical),
		Character:    normalized.Character,
		RarityTierID: normalized.RarityTierID,
		ImageRef:     normalized.ImageRef,
		ImageHash:    ImageHash(normalized.ImageRef),
		UploaderID:   normalized.UploaderID,
		Tags:         cleanTags(normalized.Tags),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Card{}).
			Where("image_hash = ? AND active = ?", card.ImageHash, true).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateImage
		}
		return tx.Create(&card).Error
	})
	if errors.Is(err, ErrDuplicateImage) {
		return Card{}, svcerr.New(opCreate, "duplicate_image", ErrDuplicateImage)
	}
	if err != nil {
		c.logError(opCreate, "insert_failed", err)
		return Card{}, svcerr.Storage(opCreate, "insert_failed", err)
	}

	c.logger.Info("card created",
		zap.Int64("card_id", card.ID),
		zap.String("anime", card.Anime),
		zap.String("character", card.Character),
		zap.Int("rarity_tier_id", card.RarityTierID),
		zap.Int64("uploader_id", card.UploaderID))
	return card, nil
}

// Get loads a card by identifier, active or not.
func (c *Catalog) Get(ctx context.Context, id int64) (Card, error) {
	var card Card
	err := c.db.WithContext(ctx).Where("card_id = ?", id).Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Card{}, svcerr.New(opGet, "not_found", ErrCardNotFound)
	}
	if err != nil {
		c.logError(opGet, "query_failed", err, zap.Int64("card_id", id))
		return Card{}, svcerr.Storage(opGet, "query_failed", err)
	}
	return card, nil
}

// FindByImage returns the active card using the image reference, if any.
func (c *Catalog) FindByImage(ctx context.Context, imageRef string) (Card, bool, error) {
	var card Card
	err := c.db.WithContext(ctx).
		Where("image_hash = ? AND active = ?", ImageHash(imageRef), true).
		Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Card{}, false, nil
	}
	if err != nil {
		return Card{}, false, svcerr.Storage(opGet, "query_failed", err)
	}
	return card, true, nil
}

// Update applies an administrative edit. Zero-valued draft fields are left
// unchanged; a non-nil empty Tags clears the tags.
func (c *Catalog) Update(ctx context.Context, id int64, edit Draft) (Card, error) {
	updates := map[string]interface{}{"updated_at": c.now().UTC()}
	if anime := collapseSpaces(edit.Anime); anime != "" {
		canonical, err := c.CanonicalAnime(ctx, anime)
		if err != nil {
			return Card{}, err
		}
		updates["anime"] = canonical
		updates["anime_slug"] = AnimeSlug(canonical)
	}
	if character := collapseSpaces(edit.Character); character != "" {
		updates["character_name"] = character
	}
	if edit.RarityTierID != 0 {
		if err := c.checkTier(edit.RarityTierID); err != nil {
			return Card{}, svcerr.New(opUpdate, "invalid_tier", err)
		}
		updates["rarity_tier_id"] = edit.RarityTierID
	}
	if edit.Tags != nil {
		updates["tags"] = datatypes.JSONSlice[string](cleanTags(edit.Tags))
	}
	if ref := strings.TrimSpace(edit.ImageRef); ref != "" {
		if existing, found, err := c.FindByImage(ctx, ref); err != nil {
			return Card{}, err
		} else if found && existing.ID != id {
			return Card{}, svcerr.New(opUpdate, "duplicate_image", ErrDuplicateImage)
		}
		updates["image_ref"] = ref
		updates["image_hash"] = ImageHash(ref)
	}

	result := c.db.WithContext(ctx).Model(&Card{}).Where("card_id = ?", id).Updates(updates)
	if result.Error != nil {
		c.logError(opUpdate, "update_failed", result.Error, zap.Int64("card_id", id))
		return Card{}, svcerr.Storage(opUpdate, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Card{}, svcerr.New(opUpdate, "not_found", ErrCardNotFound)
	}
	return c.Get(ctx, id)
}

// Deactivate removes a card from future drops without touching ownerships.
func (c *Catalog) Deactivate(ctx context.Context, id int64) error {
	result := c.db.WithContext(ctx).Model(&Card{}).
		Where("card_id = ?", id).
		Updates(map[string]interface{}{"active": false, "updated_at": c.now().UTC()})
	if result.Error != nil {
		return svcerr.Storage(opDeactivate, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return svcerr.New(opDeactivate, "not_found", ErrCardNotFound)
	}
	return nil
}

// CountByTier counts active cards in a tier.
func (c *Catalog) CountByTier(ctx context.Context, tierID int) (int64, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&Card{}).
		Where("rarity_tier_id = ? AND active = ?", tierID, true).
		Count(&count).Error; err != nil {
		c.logError(opCount, "query_failed", err, zap.Int("rarity_tier_id", tierID))
		return 0, svcerr.Storage(opCount, "query_failed", err)
	}
	return count, nil
}

// CardAt returns the offset-th active card of a tier in identifier order.
func (c *Catalog) CardAt(ctx context.Context, tierID int, offset int64) (Card, error) {
	var card Card
	err := c.db.WithContext(ctx).
		Where("rarity_tier_id = ? AND active = ?", tierID, true).
		Order("card_id ASC").
		Offset(int(offset)).
		Limit(1).
		Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Card{}, svcerr.New(opCardAt, "not_found", ErrCardNotFound)
	}
	if err != nil {
		c.logError(opCardAt, "query_failed", err, zap.Int("rarity_tier_id", tierID))
		return Card{}, svcerr.Storage(opCardAt, "query_failed", err)
	}
	return card, nil
}

// AnimeList returns the distinct anime names of active cards, alphabetically.
func (c *Catalog) AnimeList(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.db.WithContext(ctx).Model(&Card{}).
		Where("active = ?", true).
		Distinct("anime").
		Order("anime ASC").
		Pluck("anime", &names).Error; err != nil {
		return nil, svcerr.Storage(opAnime, "query_failed", err)
	}
	return names, nil
}

// TierCount is the number of active cards in one rarity tier.
type TierCount struct {
	RarityTierID int   `json:"rarity_tier_id"`
	Cards        int64 `json:"cards"`
}

// TierCounts groups active cards by tier, lowest tier first. Empty tiers are
// omitted.
func (c *Catalog) TierCounts(ctx context.Context) ([]TierCount, error) {
	var counts []TierCount
	if err := c.db.WithContext(ctx).Model(&Card{}).
		Select("rarity_tier_id, COUNT(*) AS cards").
		Where("active = ?", true).
		Group("rarity_tier_id").
		Order("rarity_tier_id ASC").
		Scan(&counts).Error; err != nil {
		c.logError(opCount, "query_failed", err)
		return nil, svcerr.Storage(opCount, "query_failed", err)
	}
	return counts, nil
}

// UnknownTiers lists tier IDs held by active cards that the rarity table does
// not define. The picker never reaches such cards.
func (c *Catalog) UnknownTiers(ctx context.Context) ([]int, error) {
	if c.tiers == nil {
		return nil, nil
	}
	var stored []int
	if err := c.db.WithContext(ctx).Model(&Card{}).
		Where("active = ?", true).
		Distinct("rarity_tier_id").
		Order("rarity_tier_id ASC").
		Pluck("rarity_tier_id", &stored).Error; err != nil {
		return nil, svcerr.Storage(opTiers, "query_failed", err)
	}
	var unknown []int
	for _, id := range stored {
		if _, err := c.tiers.Tier(id); err != nil {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}

// Characters returns the distinct character names for an anime.
func (c *Catalog) Characters(ctx context.Context, anime string) ([]string, error) {
	var names []string
	if err := c.db.WithContext(ctx).Model(&Card{}).
		Where("anime_slug = ? AND active = ?", AnimeSlug(anime), true).
		Distinct("character_name").
		Order("character_name ASC").
		Pluck("character_name", &names).Error; err != nil {
		return nil, svcerr.Storage(opCharacters, "query_failed", err)
	}
	return names, nil
}

// CanonicalAnime maps a name onto the spelling already stored in the
// catalog when the slugs agree; otherwise the trimmed input is returned.
func (c *Catalog) CanonicalAnime(ctx context.Context, anime string) (string, error) {
	trimmed := collapseSpaces(anime)
	var stored []string
	err := c.db.WithContext(ctx).Model(&Card{}).
		Where("anime_slug = ?", AnimeSlug(trimmed)).
		Order("card_id ASC").
		Limit(1).
		Pluck("anime", &stored).Error
	if err != nil {
		return "", svcerr.Storage(opAnime, "query_failed", err)
	}
	if len(stored) == 0 {
		return trimmed, nil
	}
	return stored[0], nil
}

// Search finds active cards whose anime, character or tags contain the query.
func (c *Catalog) Search(ctx context.Context, query string, limit int) ([]Card, error) {
	trimmed := strings.ToLower(collapseSpaces(query))
	if trimmed == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	pattern := "%" + escapeLike(trimmed) + "%"
	var found []Card
	if err := c.db.WithContext(ctx).
		Where("active = ?", true).
		Where("(LOWER(anime) LIKE ? ESCAPE '\\' OR LOWER(character_name) LIKE ? ESCAPE '\\' OR LOWER(CAST(tags AS TEXT)) LIKE ? ESCAPE '\\')",
			pattern, pattern, pattern).
		Order("card_id ASC").
		Limit(limit).
		Find(&found).Error; err != nil {
		return nil, svcerr.Storage(opSearch, "query_failed", err)
	}
	return found, nil
}

func (c *Catalog) checkTier(tierID int) error {
	if c.tiers == nil {
		return nil
	}
	if _, err := c.tiers.Tier(tierID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCard, err)
	}
	return nil
}

func (c *Catalog) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	c.logger.Error("card catalog error", attrs...)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// cleanTags lowercases, trims and deduplicates tags, keeping first-seen order.
func cleanTags(tags []string) []string {
	cleaned := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		trimmed := strings.ToLower(collapseSpaces(tag))
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	return cleaned
}
