// Package drops decides when a chat gets a card drop and who wins it.
package drops

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultThreshold is the stock number of messages between drops.
	DefaultThreshold int64 = 50
	// MinThreshold and MaxThreshold bound per-chat overrides.
	MinThreshold int64 = 10
	MaxThreshold int64 = 500
)

// ErrInvalidThreshold indicates a threshold outside [MinThreshold, MaxThreshold].
var ErrInvalidThreshold = errors.New("drops: invalid threshold")

// Decision is the scheduler's verdict for one message.
type Decision struct {
	Trigger   bool
	Disabled  bool
	Count     int64
	Threshold int64
}

// Status describes a chat's progress toward its next drop.
type Status struct {
	ChatID    int64 `json:"chat_id"`
	Enabled   bool  `json:"enabled"`
	Count     int64 `json:"count"`
	Threshold int64 `json:"threshold"`
	Remaining int64 `json:"remaining"`
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Counters CounterStore
	// Settings is optional; without it per-chat settings live in memory only.
	Settings         SettingsStore
	DefaultThreshold int64
	Logger           *zap.Logger
}

// Scheduler counts qualifying messages per chat and triggers a drop on every
// multiple of the chat's threshold. Counters are never reset.
type Scheduler struct {
	counters         CounterStore
	store            SettingsStore
	defaultThreshold int64
	settings         sync.Map
	writeMu          sync.Mutex
	logger           *zap.Logger
}

// NewScheduler constructs a Scheduler. Counters default to process memory.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	counters := cfg.Counters
	if counters == nil {
		counters = NewMemoryCounter()
	}
	threshold := cfg.DefaultThreshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 1 {
		return nil, fmt.Errorf("%w: default %d", ErrInvalidThreshold, threshold)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{counters: counters, store: cfg.Settings, defaultThreshold: threshold, logger: logger}, nil
}

// OnChatMessage counts one message and reports whether it triggers a drop.
// Messages in chats with drops disabled are not counted.
func (s *Scheduler) OnChatMessage(ctx context.Context, chatID int64) (Decision, error) {
	settings := s.chatSettings(ctx, chatID)
	threshold := s.effectiveThreshold(settings)
	if !settings.Enabled {
		return Decision{Disabled: true, Threshold: threshold}, nil
	}
	count, err := s.counters.Increment(ctx, chatID)
	if err != nil {
		s.logger.Error("drop counter increment failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return Decision{}, err
	}
	decision := Decision{Trigger: count%threshold == 0, Count: count, Threshold: threshold}
	if decision.Trigger {
		s.logger.Debug("drop triggered",
			zap.Int64("chat_id", chatID),
			zap.Int64("count", count),
			zap.Int64("threshold", threshold))
	}
	return decision, nil
}

// SetThreshold overrides the threshold for one chat.
func (s *Scheduler) SetThreshold(ctx context.Context, chatID, threshold int64) error {
	if threshold < MinThreshold || threshold > MaxThreshold {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidThreshold, threshold, MinThreshold, MaxThreshold)
	}
	if err := s.update(ctx, chatID, func(settings *ChatSettings) { settings.Threshold = threshold }); err != nil {
		return err
	}
	s.logger.Info("drop threshold changed", zap.Int64("chat_id", chatID), zap.Int64("threshold", threshold))
	return nil
}

// SetEnabled switches drops on or off for one chat.
func (s *Scheduler) SetEnabled(ctx context.Context, chatID int64, enabled bool) error {
	if err := s.update(ctx, chatID, func(settings *ChatSettings) { settings.Enabled = enabled }); err != nil {
		return err
	}
	s.logger.Info("drops toggled", zap.Int64("chat_id", chatID), zap.Bool("enabled", enabled))
	return nil
}

// Threshold returns the chat's effective threshold.
func (s *Scheduler) Threshold(ctx context.Context, chatID int64) int64 {
	return s.effectiveThreshold(s.chatSettings(ctx, chatID))
}

// Status reports the chat's counter and the messages left before the next drop.
func (s *Scheduler) Status(ctx context.Context, chatID int64) (Status, error) {
	count, err := s.counters.Count(ctx, chatID)
	if err != nil {
		return Status{}, err
	}
	settings := s.chatSettings(ctx, chatID)
	threshold := s.effectiveThreshold(settings)
	return Status{
		ChatID:    chatID,
		Enabled:   settings.Enabled,
		Count:     count,
		Threshold: threshold,
		Remaining: threshold - count%threshold,
	}, nil
}

func (s *Scheduler) update(ctx context.Context, chatID int64, mutate func(*ChatSettings)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	settings, err := s.loadSettings(ctx, chatID)
	if err != nil {
		return err
	}
	mutate(&settings)
	if s.store != nil {
		if err := s.store.SaveSettings(ctx, settings); err != nil {
			s.logger.Error("drop settings not saved", zap.Int64("chat_id", chatID), zap.Error(err))
			return err
		}
	}
	s.settings.Store(chatID, settings)
	return nil
}

// chatSettings never fails: a store outage falls back to the defaults
// without caching them.
func (s *Scheduler) chatSettings(ctx context.Context, chatID int64) ChatSettings {
	settings, err := s.loadSettings(ctx, chatID)
	if err != nil {
		s.logger.Warn("drop settings unavailable, using defaults", zap.Int64("chat_id", chatID), zap.Error(err))
		return ChatSettings{ChatID: chatID, Enabled: true}
	}
	return settings
}

func (s *Scheduler) loadSettings(ctx context.Context, chatID int64) (ChatSettings, error) {
	if value, ok := s.settings.Load(chatID); ok {
		return value.(ChatSettings), nil
	}
	settings := ChatSettings{ChatID: chatID, Enabled: true}
	if s.store != nil {
		stored, found, err := s.store.LoadSettings(ctx, chatID)
		if err != nil {
			return ChatSettings{}, err
		}
		if found {
			settings = stored
		}
	}
	actual, _ := s.settings.LoadOrStore(chatID, settings)
	return actual.(ChatSettings), nil
}

func (s *Scheduler) effectiveThreshold(settings ChatSettings) int64 {
	if settings.Threshold > 0 {
		return settings.Threshold
	}
	return s.defaultThreshold
}
