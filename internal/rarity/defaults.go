package rarity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultTiers is the stock eleven-tier table.
func DefaultTiers() []Tier {
	return []Tier{
		{ID: 1, Name: "Normal", Weight: 30, Emoji: "🛞"},
		{ID: 2, Name: "Common", Weight: 25, Emoji: "🌀"},
		{ID: 3, Name: "Uncommon", Weight: 20, Emoji: "🥏"},
		{ID: 4, Name: "Rare", Weight: 15, Emoji: "☘️"},
		{ID: 5, Name: "Epic", Weight: 10, Emoji: "🫧"},
		{ID: 6, Name: "Limited Edition", Weight: 7, Emoji: "🎐"},
		{ID: 7, Name: "Platinum", Weight: 5, Emoji: "❄️"},
		{ID: 8, Name: "Emerald", Weight: 3, Emoji: "💎"},
		{ID: 9, Name: "Crystal", Weight: 2, Emoji: "🌸"},
		{ID: 10, Name: "Mythical", Weight: 1.5, Emoji: "🧿"},
		{ID: 11, Name: "Legendary", Weight: 0.5, Emoji: "⚡"},
	}
}

type tierFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// LoadFile reads a YAML tier list of the form `tiers: [{id, name, weight, emoji}]`.
// An empty path yields DefaultTiers.
func LoadFile(path string) ([]Tier, error) {
	if path == "" {
		return DefaultTiers(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rarity file: %w", err)
	}
	var parsed tierFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if len(parsed.Tiers) == 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("%s declares no tiers", path)}
	}
	return parsed.Tiers, nil
}
