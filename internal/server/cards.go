package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/MarcoPoloResearchLab/cardbot/internal/engine"
	"github.com/gin-gonic/gin"
)

type collectionResponse struct {
	UserID int64                   `json:"user_id"`
	Cards  []engine.CollectionItem `json:"cards"`
}

type cardEditPayload struct {
	Anime        string   `json:"anime"`
	Character    string   `json:"character"`
	RarityTierID int      `json:"rarity_tier_id"`
	ImageRef     string   `json:"image_ref"`
	Tags         []string `json:"tags"`
}

func (h *httpHandler) handleCollection(c *gin.Context) {
	userID, ok := int64Param(c, "user_id")
	if !ok {
		return
	}
	tierID := 0
	if raw := c.Query("rarity"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rarity"})
			return
		}
		tierID = parsed
	}
	items, err := h.engine.Collection(c.Request.Context(), userID, tierID)
	if err != nil {
		h.writeError(c, "collection", err)
		return
	}
	c.JSON(http.StatusOK, collectionResponse{UserID: userID, Cards: items})
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	ranked, err := h.engine.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, "leaderboard", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaders": ranked})
}

func (h *httpHandler) handleGlobalStats(c *gin.Context) {
	stats, err := h.engine.GlobalStats(c.Request.Context())
	if err != nil {
		h.writeError(c, "global_stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleCardInfo(c *gin.Context) {
	cardID, ok := int64Param(c, "card_id")
	if !ok {
		return
	}
	info, err := h.engine.CardInfo(c.Request.Context(), cardID)
	if err != nil {
		h.writeError(c, "card_info", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *httpHandler) handleEditCard(c *gin.Context) {
	cardID, ok := int64Param(c, "card_id")
	if !ok {
		return
	}
	var payload cardEditPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	card, err := h.engine.EditCard(c.Request.Context(), actorID(c), cardID, cards.Draft{
		Anime:        payload.Anime,
		Character:    payload.Character,
		RarityTierID: payload.RarityTierID,
		ImageRef:     payload.ImageRef,
		Tags:         payload.Tags,
	})
	if err != nil {
		h.writeError(c, "edit_card", err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *httpHandler) handleRetireCard(c *gin.Context) {
	cardID, ok := int64Param(c, "card_id")
	if !ok {
		return
	}
	if err := h.engine.RetireCard(c.Request.Context(), actorID(c), cardID); err != nil {
		h.writeError(c, "retire_card", err)
		return
	}
	c.Status(http.StatusNoContent)
}
