package drops

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCreditAttempts = 3
	defaultCreditBackoff  = 50 * time.Millisecond
)

// Outcome enumerates claim results.
type Outcome string

const (
	OutcomeWon            Outcome = "won"
	OutcomeNotActive      Outcome = "not_active"
	OutcomeAlreadyClaimed Outcome = "already_claimed"
	OutcomeNameMismatch   Outcome = "name_mismatch"
)

// ActiveDrop is the card currently offered in a chat.
type ActiveDrop struct {
	DropID    string     `json:"drop_id"`
	ChatID    int64      `json:"chat_id"`
	Card      cards.Card `json:"card"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClaimedBy *int64     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// Claimed reports whether a winner has been recorded.
func (d ActiveDrop) Claimed() bool {
	return d.ClaimedBy != nil
}

func (d *ActiveDrop) clone() ActiveDrop {
	copied := *d
	if d.ClaimedBy != nil {
		claimedBy := *d.ClaimedBy
		copied.ClaimedBy = &claimedBy
	}
	if d.ClaimedAt != nil {
		claimedAt := *d.ClaimedAt
		copied.ClaimedAt = &claimedAt
	}
	return copied
}

// ClaimResult is returned by AttemptClaim. CreditErr is set when a won card
// could not be persisted after all retries; the outcome stays OutcomeWon.
type ClaimResult struct {
	Outcome   Outcome
	Drop      ActiveDrop
	CreditErr error
}

// Crediter persists a won card into the winner's collection.
type Crediter interface {
	Credit(ctx context.Context, userID, cardID int64) error
}

// CrediterFunc adapts a function to Crediter.
type CrediterFunc func(ctx context.Context, userID, cardID int64) error

// Credit calls f.
func (f CrediterFunc) Credit(ctx context.Context, userID, cardID int64) error {
	return f(ctx, userID, cardID)
}

// Mirror keeps a durable copy of each chat's drop. It is informational; the
// in-memory slot decides winners.
type Mirror interface {
	RecordOpen(ctx context.Context, drop ActiveDrop) error
	RecordClaim(ctx context.Context, dropID string, userID int64, at time.Time) (bool, error)
	Remove(ctx context.Context, dropID string) error
}

// ArbiterConfig wires an Arbiter.
type ArbiterConfig struct {
	Crediter Crediter
	Mirror   Mirror
	// DropTTL expires unclaimed drops. Zero keeps them until replaced.
	DropTTL        time.Duration
	CreditAttempts int
	CreditBackoff  time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

type chatSlot struct {
	// openMu orders mirror writes of successive drops in the chat.
	openMu sync.Mutex
	mu     sync.Mutex
	drop   *ActiveDrop
}

// Arbiter holds at most one drop per chat and resolves claims first writer
// wins. Each chat has its own slot; chats never block each other.
type Arbiter struct {
	slots          sync.Map
	crediter       Crediter
	mirror         Mirror
	ttl            time.Duration
	creditAttempts int
	creditBackoff  time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// NewArbiter constructs an Arbiter.
func NewArbiter(cfg ArbiterConfig) (*Arbiter, error) {
	if cfg.Crediter == nil {
		return nil, errors.New("drops: crediter required")
	}
	attempts := cfg.CreditAttempts
	if attempts <= 0 {
		attempts = defaultCreditAttempts
	}
	backoff := cfg.CreditBackoff
	if backoff <= 0 {
		backoff = defaultCreditBackoff
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{
		crediter:       cfg.Crediter,
		mirror:         cfg.Mirror,
		ttl:            cfg.DropTTL,
		creditAttempts: attempts,
		creditBackoff:  backoff,
		now:            clock,
		logger:         logger,
	}, nil
}

// OpenDrop offers card in the chat, replacing whatever was there.
func (a *Arbiter) OpenDrop(ctx context.Context, chatID int64, card cards.Card) ActiveDrop {
	drop, _ := a.open(ctx, chatID, card, false)
	return drop
}

// OpenDropIfIdle offers card only when the chat has no live unclaimed drop.
// When it refuses, it returns the blocking drop and false.
func (a *Arbiter) OpenDropIfIdle(ctx context.Context, chatID int64, card cards.Card) (ActiveDrop, bool) {
	return a.open(ctx, chatID, card, true)
}

// open holds openMu throughout, so the idle check and the install cannot
// interleave with another open or a Clear in the same chat.
func (a *Arbiter) open(ctx context.Context, chatID int64, card cards.Card, onlyIfIdle bool) (ActiveDrop, bool) {
	slot := a.slot(chatID)

	slot.openMu.Lock()
	defer slot.openMu.Unlock()

	if onlyIfIdle {
		slot.mu.Lock()
		current := slot.drop
		if current != nil && !current.Claimed() && !a.expired(current) {
			blocking := current.clone()
			slot.mu.Unlock()
			return blocking, false
		}
		slot.mu.Unlock()
	}

	drop := &ActiveDrop{
		DropID:   newDropID(),
		ChatID:   chatID,
		Card:     card,
		OpenedAt: a.now().UTC(),
	}
	if a.mirror != nil {
		if err := a.mirror.RecordOpen(ctx, *drop); err != nil {
			a.logger.Warn("drop mirror open failed",
				zap.Int64("chat_id", chatID),
				zap.String("drop_id", drop.DropID),
				zap.Error(err))
		}
	}

	slot.mu.Lock()
	previous := slot.drop
	slot.drop = drop
	snapshot := drop.clone()
	slot.mu.Unlock()

	fields := []zap.Field{
		zap.Int64("chat_id", chatID),
		zap.String("drop_id", drop.DropID),
		zap.Int64("card_id", card.ID),
	}
	if previous != nil && previous.ClaimedBy == nil {
		fields = append(fields, zap.String("replaced_drop_id", previous.DropID))
	}
	a.logger.Info("drop opened", fields...)
	return snapshot, true
}

// AttemptClaim tries to take the chat's drop for userID. The winner is decided
// from memory under the chat's lock; crediting happens after the lock is
// released.
func (a *Arbiter) AttemptClaim(ctx context.Context, chatID, userID int64, claimedName string) ClaimResult {
	value, ok := a.slots.Load(chatID)
	if !ok {
		return ClaimResult{Outcome: OutcomeNotActive}
	}
	slot := value.(*chatSlot)

	slot.mu.Lock()
	drop := slot.drop
	if drop == nil {
		slot.mu.Unlock()
		return ClaimResult{Outcome: OutcomeNotActive}
	}
	if a.expired(drop) {
		slot.drop = nil
		slot.mu.Unlock()
		a.removeMirror(ctx, drop.DropID)
		return ClaimResult{Outcome: OutcomeNotActive}
	}
	if drop.ClaimedBy != nil {
		snapshot := drop.clone()
		slot.mu.Unlock()
		return ClaimResult{Outcome: OutcomeAlreadyClaimed, Drop: snapshot}
	}
	if !NamesMatch(claimedName, drop.Card.Character) {
		snapshot := drop.clone()
		slot.mu.Unlock()
		return ClaimResult{Outcome: OutcomeNameMismatch, Drop: snapshot}
	}
	claimedAt := a.now().UTC()
	winner := userID
	drop.ClaimedBy = &winner
	drop.ClaimedAt = &claimedAt
	snapshot := drop.clone()
	slot.mu.Unlock()

	a.logger.Info("drop claimed",
		zap.Int64("chat_id", chatID),
		zap.String("drop_id", snapshot.DropID),
		zap.Int64("user_id", userID),
		zap.Int64("card_id", snapshot.Card.ID))

	// The win is already decided; a cancelled request must not abort the credit.
	persistCtx := context.WithoutCancel(ctx)
	result := ClaimResult{Outcome: OutcomeWon, Drop: snapshot}
	result.CreditErr = a.credit(persistCtx, userID, snapshot)
	a.mirrorClaim(persistCtx, snapshot)
	return result
}

// Active returns the chat's current drop, claimed or not. Expired drops read
// as absent.
func (a *Arbiter) Active(chatID int64) (ActiveDrop, bool) {
	value, ok := a.slots.Load(chatID)
	if !ok {
		return ActiveDrop{}, false
	}
	slot := value.(*chatSlot)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.drop == nil || a.expired(slot.drop) {
		return ActiveDrop{}, false
	}
	return slot.drop.clone(), true
}

// Clear drops the chat's current offer. It reports whether one existed.
func (a *Arbiter) Clear(ctx context.Context, chatID int64) bool {
	value, ok := a.slots.Load(chatID)
	if !ok {
		return false
	}
	slot := value.(*chatSlot)
	slot.openMu.Lock()
	defer slot.openMu.Unlock()

	slot.mu.Lock()
	drop := slot.drop
	slot.drop = nil
	slot.mu.Unlock()
	if drop == nil {
		return false
	}
	a.removeMirror(ctx, drop.DropID)
	a.logger.Info("drop cleared", zap.Int64("chat_id", chatID), zap.String("drop_id", drop.DropID))
	return true
}

// ActiveCount counts chats holding an unclaimed, unexpired drop.
func (a *Arbiter) ActiveCount() int {
	count := 0
	a.slots.Range(func(_, value any) bool {
		slot := value.(*chatSlot)
		slot.mu.Lock()
		if slot.drop != nil && slot.drop.ClaimedBy == nil && !a.expired(slot.drop) {
			count++
		}
		slot.mu.Unlock()
		return true
	})
	return count
}

func (a *Arbiter) slot(chatID int64) *chatSlot {
	if value, ok := a.slots.Load(chatID); ok {
		return value.(*chatSlot)
	}
	value, _ := a.slots.LoadOrStore(chatID, &chatSlot{})
	return value.(*chatSlot)
}

func (a *Arbiter) expired(drop *ActiveDrop) bool {
	if a.ttl <= 0 || drop.ClaimedBy != nil {
		return false
	}
	return !a.now().Before(drop.OpenedAt.Add(a.ttl))
}

func (a *Arbiter) credit(ctx context.Context, userID int64, drop ActiveDrop) error {
	backoff := a.creditBackoff
	var err error
	for attempt := 1; attempt <= a.creditAttempts; attempt++ {
		err = a.crediter.Credit(ctx, userID, drop.Card.ID)
		if err == nil {
			return nil
		}
		a.logger.Warn("claim credit attempt failed",
			zap.Int("attempt", attempt),
			zap.Int64("user_id", userID),
			zap.Int64("card_id", drop.Card.ID),
			zap.Error(err))
		if attempt < a.creditAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	a.logger.Error("claim won but credit not persisted",
		zap.String("operation", "drops.claim"),
		zap.String("reason", "credit_inconsistent"),
		zap.Int64("chat_id", drop.ChatID),
		zap.String("drop_id", drop.DropID),
		zap.Int64("user_id", userID),
		zap.Int64("card_id", drop.Card.ID),
		zap.Error(err))
	return err
}

func (a *Arbiter) mirrorClaim(ctx context.Context, drop ActiveDrop) {
	if a.mirror == nil {
		return
	}
	applied, err := a.mirror.RecordClaim(ctx, drop.DropID, *drop.ClaimedBy, *drop.ClaimedAt)
	if err != nil {
		a.logger.Warn("drop mirror claim failed", zap.String("drop_id", drop.DropID), zap.Error(err))
		return
	}
	if !applied {
		a.logger.Warn("drop mirror claim not applied", zap.String("drop_id", drop.DropID))
	}
}

func (a *Arbiter) removeMirror(ctx context.Context, dropID string) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.Remove(ctx, dropID); err != nil {
		a.logger.Warn("drop mirror remove failed", zap.String("drop_id", dropID), zap.Error(err))
	}
}

func newDropID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
