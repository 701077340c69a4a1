// Package stages keeps per-user workflow state with a sliding expiry.
package stages

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL is how long an untouched workflow survives.
const DefaultTTL = 30 * time.Minute

// Stage is a workflow state.
type Stage string

const (
	None             Stage = "none"
	AnimeSelect      Stage = "anime_select"
	AddingAnime      Stage = "adding_anime"
	CharacterSelect  Stage = "character_select"
	AddingCharacter  Stage = "adding_character"
	RaritySelect     Stage = "rarity_select"
	AwaitingPhoto    Stage = "awaiting_photo"
	ConfirmPhoto     Stage = "confirm_photo"
	AwaitingNewValue Stage = "awaiting_new_value"
	AwaitingNewPhoto Stage = "awaiting_new_photo"
	SearchResults    Stage = "search_results"
)

var knownStages = map[Stage]struct{}{
	None: {}, AnimeSelect: {}, AddingAnime: {}, CharacterSelect: {}, AddingCharacter: {},
	RaritySelect: {}, AwaitingPhoto: {}, ConfirmPhoto: {}, AwaitingNewValue: {},
	AwaitingNewPhoto: {}, SearchResults: {},
}

// ErrUnknownStage indicates a stage outside the workflow.
var ErrUnknownStage = errors.New("stages: unknown stage")

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := knownStages[s]
	return ok
}

// Snapshot is a copy of a user's workflow state.
type Snapshot struct {
	Stage     Stage             `json:"stage"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// Value reads one field; absent fields read as "".
func (s Snapshot) Value(key string) string {
	return s.Fields[key]
}

// State is the mutable view handed to Update callbacks.
type State struct {
	Stage  Stage
	Fields map[string]string
}

// Set stores a field.
func (s *State) Set(key, value string) {
	s.Fields[key] = value
}

// Delete removes a field.
func (s *State) Delete(key string) {
	delete(s.Fields, key)
}

// Config wires a Manager.
type Config struct {
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

type entry struct {
	mu        sync.Mutex
	stage     Stage
	fields    map[string]string
	createdAt time.Time
	expiresAt time.Time
	// removed is set once the entry has left the map; holders retry on a
	// fresh entry.
	removed bool
}

func (e *entry) live(now time.Time) bool {
	return !e.removed && now.Before(e.expiresAt)
}

// Manager owns every user's workflow state. Each user has an entry with its
// own lock, so users never contend with each other.
type Manager struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg Config) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{ttl: ttl, now: clock, logger: logger}
}

// TTL reports the sliding expiry.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Get returns the user's state. Expired state reads as None and is purged.
func (m *Manager) Get(userID int64) Snapshot {
	value, ok := m.entries.Load(userID)
	if !ok {
		return Snapshot{Stage: None}
	}
	current := value.(*entry)
	current.mu.Lock()
	defer current.mu.Unlock()
	if !current.live(m.now()) {
		m.removeLocked(userID, current)
		return Snapshot{Stage: None}
	}
	fields := make(map[string]string, len(current.fields))
	for key, field := range current.fields {
		fields[key] = field
	}
	return Snapshot{
		Stage:     current.stage,
		Fields:    fields,
		CreatedAt: current.createdAt,
		ExpiresAt: current.expiresAt,
	}
}

// Value reads one field of the user's live state.
func (m *Manager) Value(userID int64, key string) (string, bool) {
	snapshot := m.Get(userID)
	value, ok := snapshot.Fields[key]
	return value, ok
}

// InWorkflow reports whether the user has a live stage other than None.
func (m *Manager) InWorkflow(userID int64) bool {
	return m.Get(userID).Stage != None
}

// Set stores one field and refreshes the expiry.
func (m *Manager) Set(userID int64, key, value string) error {
	return m.Update(userID, func(state *State) error {
		state.Set(key, value)
		return nil
	})
}

// SetStage moves the user to stage and refreshes the expiry.
func (m *Manager) SetStage(userID int64, stage Stage) error {
	return m.Update(userID, func(state *State) error {
		state.Stage = stage
		return nil
	})
}

// Update applies mutate atomically under the user's lock. The callback works
// on a copy; returning an error discards every change. A result of stage None
// with no fields removes the entry.
func (m *Manager) Update(userID int64, mutate func(*State) error) error {
	current := m.lockLive(userID)
	defer current.mu.Unlock()

	state := State{Stage: current.stage, Fields: make(map[string]string, len(current.fields)+1)}
	for key, value := range current.fields {
		state.Fields[key] = value
	}
	if err := mutate(&state); err != nil {
		if current.stage == None && len(current.fields) == 0 {
			m.removeLocked(userID, current)
		}
		return err
	}
	if !state.Stage.Valid() {
		if current.stage == None && len(current.fields) == 0 {
			m.removeLocked(userID, current)
		}
		return ErrUnknownStage
	}
	if state.Stage == None && len(state.Fields) == 0 {
		m.removeLocked(userID, current)
		return nil
	}
	current.stage = state.Stage
	current.fields = state.Fields
	current.expiresAt = m.now().Add(m.ttl)
	return nil
}

// Clear ends the user's workflow.
func (m *Manager) Clear(userID int64) {
	value, ok := m.entries.Load(userID)
	if !ok {
		return
	}
	current := value.(*entry)
	current.mu.Lock()
	m.removeLocked(userID, current)
	current.mu.Unlock()
}

// Sweep purges every expired entry and returns how many it removed.
func (m *Manager) Sweep() int {
	now := m.now()
	purged := 0
	m.entries.Range(func(key, value any) bool {
		current := value.(*entry)
		current.mu.Lock()
		if !current.removed && !now.Before(current.expiresAt) {
			m.removeLocked(key.(int64), current)
			purged++
		}
		current.mu.Unlock()
		return true
	})
	if purged > 0 {
		m.logger.Debug("expired workflow stages purged", zap.Int("count", purged))
	}
	return purged
}

// Len counts entries held in memory, expired or not.
func (m *Manager) Len() int {
	count := 0
	m.entries.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// lockLive returns the user's entry locked, creating or resetting it when
// absent or expired.
func (m *Manager) lockLive(userID int64) *entry {
	for {
		value, ok := m.entries.Load(userID)
		if !ok {
			value, _ = m.entries.LoadOrStore(userID, &entry{stage: None})
		}
		current := value.(*entry)
		current.mu.Lock()
		if current.removed {
			current.mu.Unlock()
			continue
		}
		now := m.now()
		if !now.Before(current.expiresAt) {
			current.stage = None
			current.fields = nil
			current.createdAt = now
			current.expiresAt = now.Add(m.ttl)
		}
		return current
	}
}

func (m *Manager) removeLocked(userID int64, current *entry) {
	if current.removed {
		return
	}
	current.removed = true
	current.fields = nil
	m.entries.CompareAndDelete(userID, current)
}
