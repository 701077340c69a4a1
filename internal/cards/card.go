package cards

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"gorm.io/datatypes"
)

const maxNameLength = 256

var (
	// ErrCardNotFound indicates that no card exists for the identifier.
	ErrCardNotFound = errors.New("cards: card not found")
	// ErrDuplicateImage indicates an active card already uses the image.
	ErrDuplicateImage = errors.New("cards: duplicate image")
	// ErrCatalogEmpty indicates there is no active card to pick.
	ErrCatalogEmpty = errors.New("cards: catalog empty")
	// ErrInvalidCard indicates a card draft that fails validation.
	ErrInvalidCard = errors.New("cards: invalid card")
)

// Card is a collectible catalog entry. Cards are never owned by a user row;
// ownership lives in the collection package.
type Card struct {
	ID           int64                       `gorm:"column:card_id;primaryKey;autoIncrement" json:"id"`
	Anime        string                      `gorm:"column:anime;size:256;not null" json:"anime"`
	AnimeSlug    string                      `gorm:"column:anime_slug;size:256;not null;index" json:"-"`
	Character    string                      `gorm:"column:character_name;size:256;not null" json:"character"`
	RarityTierID int                         `gorm:"column:rarity_tier_id;not null;index" json:"rarity_tier_id"`
	ImageRef     string                      `gorm:"column:image_ref;size:512;not null" json:"image_ref"`
	ImageHash    string                      `gorm:"column:image_hash;size:64;not null;index" json:"-"`
	UploaderID   int64                       `gorm:"column:uploader_id;not null;default:0" json:"uploader_id"`
	Tags         datatypes.JSONSlice[string] `gorm:"column:tags" json:"tags,omitempty"`
	Active       bool                        `gorm:"column:active;not null;default:true;index" json:"active"`
	CreatedAt    time.Time                   `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time                   `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing cards.
func (Card) TableName() string {
	return "cards"
}

// Draft carries the fields needed to create a card.
type Draft struct {
	Anime        string
	Character    string
	RarityTierID int
	ImageRef     string
	UploaderID   int64
	Tags         []string
}

func (d Draft) normalized() (Draft, error) {
	d.Anime = collapseSpaces(d.Anime)
	d.Character = collapseSpaces(d.Character)
	d.ImageRef = strings.TrimSpace(d.ImageRef)
	switch {
	case d.Anime == "":
		return Draft{}, fmt.Errorf("%w: anime required", ErrInvalidCard)
	case d.Character == "":
		return Draft{}, fmt.Errorf("%w: character required", ErrInvalidCard)
	case d.ImageRef == "":
		return Draft{}, fmt.Errorf("%w: image required", ErrInvalidCard)
	case d.RarityTierID <= 0:
		return Draft{}, fmt.Errorf("%w: rarity tier required", ErrInvalidCard)
	case len(d.Anime) > maxNameLength || len(d.Character) > maxNameLength:
		return Draft{}, fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidCard, maxNameLength)
	}
	return d, nil
}

// ImageHash fingerprints an image reference for duplicate detection.
func ImageHash(imageRef string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(imageRef)))
	return hex.EncodeToString(sum[:])
}

// AnimeSlug returns the canonical key used to match anime names that differ
// only in case, punctuation or accents.
func AnimeSlug(anime string) string {
	if made := slug.Make(anime); made != "" {
		return made
	}
	// slug drops scripts it cannot transliterate.
	return strings.ToLower(collapseSpaces(anime))
}

func collapseSpaces(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
