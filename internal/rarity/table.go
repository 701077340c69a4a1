package rarity

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrConfiguration marks an unusable rarity table. It is fatal at startup.
	ErrConfiguration = errors.New("rarity: invalid configuration")
	// ErrUnknownTier indicates a lookup for a tier that is not configured.
	ErrUnknownTier = errors.New("rarity: unknown tier")
)

// ConfigurationError describes why a tier set was rejected.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConfiguration.Error(), e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Tier is a weighted rarity category.
type Tier struct {
	ID     int     `yaml:"id" json:"id"`
	Name   string  `yaml:"name" json:"name"`
	Weight float64 `yaml:"weight" json:"weight"`
	Emoji  string  `yaml:"emoji" json:"emoji"`
}

// Display renders the tier the way chat prompts show it, e.g. "⚡ Legendary".
func (t Tier) Display() string {
	if t.Emoji == "" {
		return t.Name
	}
	return t.Emoji + " " + t.Name
}

// RandomSource yields uniform values in [0, 1).
type RandomSource interface {
	Float64() float64
}

// NewSeededSource returns a deterministic source for reproducible draws.
func NewSeededSource(seed uint64) RandomSource {
	return &lockedSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewSource returns a source seeded from the runtime.
func NewSource() RandomSource {
	return &lockedSource{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Table is an immutable weighted catalogue of tiers.
type Table struct {
	tiers       []Tier
	cumulative  []float64
	totalWeight float64
	byID        map[int]int
	source      RandomSource
}

// NewTable validates the tiers and orders them by ascending ID.
func NewTable(tiers []Tier, source RandomSource) (*Table, error) {
	if len(tiers) == 0 {
		return nil, &ConfigurationError{Reason: "no tiers configured"}
	}
	if source == nil {
		source = NewSource()
	}

	ordered := append([]Tier(nil), tiers...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	table := &Table{
		tiers:      ordered,
		cumulative: make([]float64, len(ordered)),
		byID:       make(map[int]int, len(ordered)),
		source:     source,
	}
	for index, tier := range ordered {
		if tier.ID <= 0 {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("tier id %d must be positive", tier.ID)}
		}
		if _, exists := table.byID[tier.ID]; exists {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate tier id %d", tier.ID)}
		}
		if tier.Weight <= 0 {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("tier %d weight must be positive", tier.ID)}
		}
		table.byID[tier.ID] = index
		table.totalWeight += tier.Weight
		table.cumulative[index] = table.totalWeight
	}
	return table, nil
}

// Draw picks a tier ID with probability weight/total.
func (t *Table) Draw() int {
	r := t.source.Float64() * t.totalWeight
	for index, bound := range t.cumulative {
		if bound > r {
			return t.tiers[index].ID
		}
	}
	// r can only reach here through float rounding at the upper edge.
	return t.tiers[len(t.tiers)-1].ID
}

// Tiers returns the tiers in draw order.
func (t *Table) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}

// Tier looks up a tier by ID.
func (t *Table) Tier(id int) (Tier, error) {
	index, ok := t.byID[id]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %d", ErrUnknownTier, id)
	}
	return t.tiers[index], nil
}

// ByName finds a tier by case-insensitive name.
func (t *Table) ByName(name string) (Tier, error) {
	trimmed := strings.TrimSpace(name)
	for _, tier := range t.tiers {
		if strings.EqualFold(tier.Name, trimmed) {
			return tier, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, trimmed)
}

// Probability returns the tier's share of the total weight in percent.
func (t *Table) Probability(id int) float64 {
	index, ok := t.byID[id]
	if !ok {
		return 0
	}
	return t.tiers[index].Weight / t.totalWeight * 100
}
