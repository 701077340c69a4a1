// Package engine turns inbound chat events into drops, claims, catches and
// upload prompts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/MarcoPoloResearchLab/cardbot/internal/collection"
	"github.com/MarcoPoloResearchLab/cardbot/internal/cooldown"
	"github.com/MarcoPoloResearchLab/cardbot/internal/drops"
	"github.com/MarcoPoloResearchLab/cardbot/internal/keylock"
	"github.com/MarcoPoloResearchLab/cardbot/internal/rarity"
	"github.com/MarcoPoloResearchLab/cardbot/internal/upload"
	"github.com/MarcoPoloResearchLab/cardbot/internal/users"
	"go.uber.org/zap"
)

// DefaultClaimKeyword is the command word that claims a drop.
const DefaultClaimKeyword = "catch"

var (
	// ErrForbidden indicates the actor lacks the role for an admin action.
	ErrForbidden = errors.New("engine: forbidden")
	// ErrDropActive indicates an unclaimed drop already exists in the chat.
	ErrDropActive = errors.New("engine: drop already active")
	// ErrInvalidEvent indicates an inbound event missing required identifiers.
	ErrInvalidEvent = errors.New("engine: invalid event")
)

// Config wires an Engine.
type Config struct {
	Users      *users.Service
	Collection *collection.Service
	Catalog    *cards.Catalog
	Cooldown   *cooldown.Gate
	Scheduler  *drops.Scheduler
	Arbiter    *drops.Arbiter
	Picker     *cards.Picker
	Workflow   *upload.Workflow
	Publisher  Publisher
	// Ledger is optional; when set, admin status reads include the durable drop rows.
	Ledger DropLedger
	// Tiers names the rarity tiers in stats. Optional.
	Tiers *rarity.Table
	// ClaimKeyword defaults to DefaultClaimKeyword.
	ClaimKeyword string
	// ClaimCooldown gates drop claims through the cooldown as well as catches.
	ClaimCooldown bool
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Engine coordinates the drop, claim, catch and upload flows.
type Engine struct {
	users         *users.Service
	collection    *collection.Service
	catalog       *cards.Catalog
	cooldown      *cooldown.Gate
	scheduler     *drops.Scheduler
	arbiter       *drops.Arbiter
	picker        *cards.Picker
	workflow      *upload.Workflow
	publisher     Publisher
	ledger        DropLedger
	tiers         *rarity.Table
	claimKeyword  string
	claimCooldown bool
	userLocks     *keylock.Map
	now           func() time.Time
	logger        *zap.Logger
}

// New validates the configuration and builds an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Users == nil:
		return nil, errors.New("engine: users service required")
	case cfg.Collection == nil:
		return nil, errors.New("engine: collection service required")
	case cfg.Catalog == nil:
		return nil, errors.New("engine: card catalog required")
	case cfg.Cooldown == nil:
		return nil, errors.New("engine: cooldown gate required")
	case cfg.Scheduler == nil:
		return nil, errors.New("engine: drop scheduler required")
	case cfg.Arbiter == nil:
		return nil, errors.New("engine: claim arbiter required")
	case cfg.Picker == nil:
		return nil, errors.New("engine: card picker required")
	case cfg.Workflow == nil:
		return nil, errors.New("engine: upload workflow required")
	}
	keyword := cfg.ClaimKeyword
	if keyword == "" {
		keyword = DefaultClaimKeyword
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		users:         cfg.Users,
		collection:    cfg.Collection,
		catalog:       cfg.Catalog,
		cooldown:      cfg.Cooldown,
		scheduler:     cfg.Scheduler,
		arbiter:       cfg.Arbiter,
		picker:        cfg.Picker,
		workflow:      cfg.Workflow,
		publisher:     cfg.Publisher,
		ledger:        cfg.Ledger,
		tiers:         cfg.Tiers,
		claimKeyword:  keyword,
		claimCooldown: cfg.ClaimCooldown,
		userLocks:     keylock.New(),
		now:           clock,
		logger:        logger,
	}, nil
}

// HandleMessage processes one chat message. Claims go to the arbiter, private
// text continues an open upload, and other non-command group messages feed the
// drop scheduler.
func (e *Engine) HandleMessage(ctx context.Context, message ChatMessage) ([]Event, error) {
	if message.IsBot {
		return nil, nil
	}
	if message.ChatID == 0 || message.UserID == 0 {
		return nil, fmt.Errorf("%w: chat_id and user_id required", ErrInvalidEvent)
	}
	if _, err := e.users.Ensure(ctx, message.UserID, message.DisplayName); err != nil {
		return nil, err
	}

	if name, ok := parseClaim(message.Text, e.claimKeyword); ok {
		if !isGroupChat(message.ChatType) {
			return nil, nil
		}
		event, err := e.claim(ctx, message.ChatID, message.UserID, name)
		if err != nil {
			return nil, err
		}
		return e.publish(event), nil
	}

	if message.ChatType == ChatTypePrivate && !isCommand(message.Text) && e.workflow.Active(message.UserID) {
		event, err := e.HandleUpload(ctx, UploadText, UploadRequest{
			UserID:      message.UserID,
			DisplayName: message.DisplayName,
			Text:        message.Text,
		})
		if err != nil {
			return nil, err
		}
		return []Event{event}, nil
	}
	if !isGroupChat(message.ChatType) || isCommand(message.Text) {
		return nil, nil
	}
	decision, err := e.scheduler.OnChatMessage(ctx, message.ChatID)
	if err != nil {
		e.logger.Warn("drop counter unavailable, message not counted",
			zap.Int64("chat_id", message.ChatID),
			zap.Error(err))
		return nil, nil
	}
	if !decision.Trigger {
		return nil, nil
	}
	event, ok := e.openDrop(ctx, message.ChatID)
	if !ok {
		return nil, nil
	}
	return e.publish(event), nil
}

// HandleCatch resolves a catch command: cooldown check, card pick, credit and
// stamp, serialized per user.
func (e *Engine) HandleCatch(ctx context.Context, command CatchCommand) ([]Event, error) {
	if command.UserID == 0 {
		return nil, fmt.Errorf("%w: user_id required", ErrInvalidEvent)
	}
	unlock := e.userLocks.Lock(command.UserID)
	defer unlock()

	user, err := e.users.Ensure(ctx, command.UserID, command.DisplayName)
	if err != nil {
		return nil, err
	}
	decision := e.cooldown.Check(user)
	if !decision.Allowed {
		return e.publish(Event{
			Type:             EventCatchResult,
			UserID:           command.UserID,
			Outcome:          OutcomeCooldown,
			RemainingSeconds: ceilSeconds(decision.Remaining),
		}), nil
	}

	card, err := e.picker.Pick(ctx)
	if errors.Is(err, cards.ErrCatalogEmpty) {
		e.logger.Info("catch skipped, catalog empty", zap.Int64("user_id", command.UserID))
		return e.publish(Event{Type: EventCatchResult, UserID: command.UserID, Outcome: OutcomeCatalogEmpty}), nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := e.collection.Credit(ctx, command.UserID, card.ID); err != nil {
		return nil, err
	}
	if err := e.cooldown.RecordCatch(ctx, command.UserID, e.now()); err != nil {
		e.logger.Error("catch credited but cooldown not stamped",
			zap.String("operation", "engine.catch"),
			zap.String("reason", "cooldown_inconsistent"),
			zap.Int64("user_id", command.UserID),
			zap.Int64("card_id", card.ID),
			zap.Error(err))
	}
	return e.publish(Event{Type: EventCatchResult, UserID: command.UserID, Outcome: OutcomeCaught, Card: &card}), nil
}

func (e *Engine) claim(ctx context.Context, chatID, userID int64, name string) (Event, error) {
	unlock := e.userLocks.Lock(userID)
	defer unlock()

	if e.claimCooldown {
		decision, err := e.cooldown.CheckUser(ctx, userID)
		if err != nil {
			return Event{}, err
		}
		if !decision.Allowed {
			return Event{
				Type:             EventClaimResult,
				ChatID:           chatID,
				UserID:           userID,
				Outcome:          OutcomeCooldown,
				RemainingSeconds: ceilSeconds(decision.Remaining),
			}, nil
		}
	}

	result := e.arbiter.AttemptClaim(ctx, chatID, userID, name)
	event := Event{
		Type:    EventClaimResult,
		ChatID:  chatID,
		UserID:  userID,
		DropID:  result.Drop.DropID,
		Outcome: string(result.Outcome),
	}
	if result.Outcome != drops.OutcomeWon {
		return event, nil
	}
	card := result.Drop.Card
	event.Card = &card
	if e.claimCooldown {
		if err := e.cooldown.RecordCatch(context.WithoutCancel(ctx), userID, e.now()); err != nil {
			e.logger.Warn("claim won but cooldown not stamped", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return event, nil
}

func (e *Engine) openDrop(ctx context.Context, chatID int64) (Event, bool) {
	card, ok := e.pickCard(ctx, chatID)
	if !ok {
		return Event{}, false
	}
	drop := e.arbiter.OpenDrop(ctx, chatID, card)
	return Event{Type: EventDropOffered, ChatID: chatID, DropID: drop.DropID, Card: &drop.Card}, true
}

func (e *Engine) pickCard(ctx context.Context, chatID int64) (cards.Card, bool) {
	card, err := e.picker.Pick(ctx)
	if errors.Is(err, cards.ErrCatalogEmpty) {
		e.logger.Info("drop skipped, catalog empty", zap.Int64("chat_id", chatID))
		return cards.Card{}, false
	}
	if err != nil {
		e.logger.Error("drop skipped, card pick failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return cards.Card{}, false
	}
	return card, true
}

func (e *Engine) publish(events ...Event) []Event {
	if e.publisher != nil {
		for _, event := range events {
			e.publisher.Publish(event)
		}
	}
	return events
}

// CreditOwnership adapts the collection service to the arbiter's crediter.
func CreditOwnership(service *collection.Service) drops.Crediter {
	return drops.CrediterFunc(func(ctx context.Context, userID, cardID int64) error {
		_, err := service.Credit(ctx, userID, cardID)
		return err
	})
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
