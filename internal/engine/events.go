package engine

import (
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/MarcoPoloResearchLab/cardbot/internal/upload"
)

// Chat types that count toward drops.
const (
	ChatTypeGroup      = "group"
	ChatTypeSupergroup = "supergroup"
	ChatTypePrivate    = "private"
)

// ChatMessage is an inbound chat message relayed by the transport bridge.
type ChatMessage struct {
	ChatID      int64  `json:"chat_id"`
	ChatType    string `json:"chat_type"`
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
	IsBot       bool   `json:"is_bot"`
}

// CatchCommand asks for a cooldown-gated random card.
type CatchCommand struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// EventType names outbound events.
type EventType string

const (
	EventDropOffered    EventType = "drop_offered"
	EventClaimResult    EventType = "claim_result"
	EventCatchResult    EventType = "catch_result"
	EventWorkflowPrompt EventType = "workflow_prompt"
)

// Outcomes produced by the engine in addition to the arbiter's own.
const (
	OutcomeCooldown     = "cooldown"
	OutcomeCaught       = "caught"
	OutcomeCatalogEmpty = "catalog_empty"
)

// Event is an outbound event for the transport to render.
type Event struct {
	Type             EventType      `json:"type"`
	ChatID           int64          `json:"chat_id,omitempty"`
	UserID           int64          `json:"user_id,omitempty"`
	DropID           string         `json:"drop_id,omitempty"`
	Outcome          string         `json:"outcome,omitempty"`
	Card             *cards.Card    `json:"card,omitempty"`
	RemainingSeconds int64          `json:"remaining_seconds,omitempty"`
	Prompt           *upload.Prompt `json:"prompt,omitempty"`
}

// Topics lists the stream topics the event is delivered to.
func (e Event) Topics() []string {
	topics := make([]string, 0, 2)
	if e.ChatID != 0 {
		topics = append(topics, ChatTopic(e.ChatID))
	}
	if e.UserID != 0 {
		topics = append(topics, UserTopic(e.UserID))
	}
	return topics
}

// ChatTopic is the stream topic for a chat.
func ChatTopic(chatID int64) string {
	return "chat:" + strconv.FormatInt(chatID, 10)
}

// UserTopic is the stream topic for a user.
func UserTopic(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// Publisher fans events out to stream subscribers.
type Publisher interface {
	Publish(event Event)
}

func isGroupChat(chatType string) bool {
	switch strings.ToLower(chatType) {
	case ChatTypeGroup, ChatTypeSupergroup:
		return true
	default:
		return false
	}
}

// parseClaim recognises "<keyword> <name>" with an optional leading slash and
// an optional @bot suffix on the keyword.
func parseClaim(text, keyword string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return "", false
	}
	command := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}
	if !strings.EqualFold(command, keyword) {
		return "", false
	}
	return strings.Join(fields[1:], " "), true
}

func isCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}
