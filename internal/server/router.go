// Package server exposes the engine over HTTP for chat bridges and streams
// outbound events over websockets.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/auth"
	"github.com/MarcoPoloResearchLab/cardbot/internal/engine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	principalContextKey = "cardbot_principal"
	actorHeader         = "X-Actor-ID"
)

var (
	errMissingEngine        = errors.New("engine dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingDispatcher    = errors.New("event dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// BridgeTokenValidator resolves bearer tokens to bridge principals.
type BridgeTokenValidator interface {
	ValidateToken(token string) (auth.Principal, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Engine       *engine.Engine
	TokenManager BridgeTokenValidator
	Dispatcher   *EventDispatcher
	// Readiness is consulted by /healthz when set.
	Readiness      func(ctx context.Context) error
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		engine:     deps.Engine,
		tokens:     deps.TokenManager,
		dispatcher: deps.Dispatcher,
		readiness:  deps.Readiness,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	v1 := router.Group("/v1")
	v1.Use(handler.authorizeRequest)

	events := v1.Group("/")
	events.Use(requireScope(auth.ScopeEvents))
	events.POST("/events/messages", handler.handleMessage)
	events.POST("/events/catch", handler.handleCatch)
	events.POST("/upload/:action", handler.handleUpload)
	events.GET("/users/:user_id/collection", handler.handleCollection)
	events.GET("/leaderboard", handler.handleLeaderboard)
	events.GET("/stats", handler.handleGlobalStats)
	events.GET("/cards/:card_id", handler.handleCardInfo)

	admin := v1.Group("/")
	admin.Use(requireScope(auth.ScopeAdmin), handler.requireActor)
	admin.POST("/chats/:chat_id/drop", handler.handleForceDrop)
	admin.DELETE("/chats/:chat_id/drop", handler.handleClearDrop)
	admin.GET("/chats/:chat_id/drop", handler.handleDropStatus)
	admin.PUT("/chats/:chat_id/threshold", handler.handleSetThreshold)
	admin.PUT("/chats/:chat_id/enabled", handler.handleSetDropsEnabled)
	admin.GET("/stats/drops", handler.handleDropStats)
	admin.PUT("/users/:user_id/role", handler.handleSetRole)
	admin.PATCH("/cards/:card_id", handler.handleEditCard)
	admin.DELETE("/cards/:card_id", handler.handleRetireCard)

	stream := v1.Group("/")
	stream.Use(requireScope(auth.ScopeStream))
	stream.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", actorHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	engine     *engine.Engine
	tokens     BridgeTokenValidator
	dispatcher *EventDispatcher
	readiness  func(ctx context.Context) error
	logger     *zap.Logger
}

type eventsResponse struct {
	Events []engine.Event `json:"events"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.readiness != nil {
		if err := h.readiness(c.Request.Context()); err != nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMessage(c *gin.Context) {
	var request engine.ChatMessage
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	events, err := h.engine.HandleMessage(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, "message", err)
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: nonNil(events)})
}

func (h *httpHandler) handleCatch(c *gin.Context) {
	var request engine.CatchCommand
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	events, err := h.engine.HandleCatch(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, "catch", err)
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: nonNil(events)})
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	var request engine.UploadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	action := engine.UploadAction(strings.ToLower(c.Param("action")))
	event, err := h.engine.HandleUpload(c.Request.Context(), action, request)
	if err != nil {
		h.writeError(c, "upload", err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *httpHandler) handleForceDrop(c *gin.Context) {
	chatID, ok := int64Param(c, "chat_id")
	if !ok {
		return
	}
	event, err := h.engine.ForceDrop(c.Request.Context(), actorID(c), chatID)
	if err != nil {
		h.writeError(c, "force_drop", err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *httpHandler) handleClearDrop(c *gin.Context) {
	chatID, ok := int64Param(c, "chat_id")
	if !ok {
		return
	}
	cleared, err := h.engine.ClearDrop(c.Request.Context(), actorID(c), chatID)
	if err != nil {
		h.writeError(c, "clear_drop", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *httpHandler) handleDropStatus(c *gin.Context) {
	chatID, ok := int64Param(c, "chat_id")
	if !ok {
		return
	}
	status, err := h.engine.DropStatus(c.Request.Context(), actorID(c), chatID)
	if err != nil {
		h.writeError(c, "drop_status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type thresholdRequestPayload struct {
	Threshold int64 `json:"threshold"`
}

func (h *httpHandler) handleSetThreshold(c *gin.Context) {
	chatID, ok := int64Param(c, "chat_id")
	if !ok {
		return
	}
	var request thresholdRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := h.engine.SetThreshold(c.Request.Context(), actorID(c), chatID, request.Threshold)
	if err != nil {
		h.writeError(c, "set_threshold", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type enabledRequestPayload struct {
	Enabled *bool `json:"enabled"`
}

func (h *httpHandler) handleSetDropsEnabled(c *gin.Context) {
	chatID, ok := int64Param(c, "chat_id")
	if !ok {
		return
	}
	var request enabledRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := h.engine.SetDropsEnabled(c.Request.Context(), actorID(c), chatID, *request.Enabled)
	if err != nil {
		h.writeError(c, "set_drops_enabled", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleDropStats(c *gin.Context) {
	stats, err := h.engine.DropStats(c.Request.Context(), actorID(c))
	if err != nil {
		h.writeError(c, "drop_stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type roleRequestPayload struct {
	Role string `json:"role"`
}

type userResponsePayload struct {
	UserID       int64  `json:"user_id"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role"`
	TotalCatches int64  `json:"total_catches"`
}

func (h *httpHandler) handleSetRole(c *gin.Context) {
	userID, ok := int64Param(c, "user_id")
	if !ok {
		return
	}
	var request roleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Role) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.engine.SetRole(c.Request.Context(), actorID(c), userID, request.Role)
	if err != nil {
		h.writeError(c, "set_role", err)
		return
	}
	c.JSON(http.StatusOK, userResponsePayload{
		UserID:       user.ID,
		DisplayName:  user.DisplayName,
		Role:         string(user.Role),
		TotalCatches: user.TotalCatches,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func requireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := c.Get(principalContextKey)
		if !ok || !principal.(auth.Principal).Allows(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient_scope"})
			return
		}
		c.Next()
	}
}

func (h *httpHandler) requireActor(c *gin.Context) {
	actor, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader(actorHeader)), 10, 64)
	if err != nil || actor == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_actor"})
		return
	}
	c.Set(actorHeader, actor)
	c.Next()
}

func actorID(c *gin.Context) int64 {
	return c.GetInt64(actorHeader)
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return value, true
}

func nonNil(events []engine.Event) []engine.Event {
	if events == nil {
		return []engine.Event{}
	}
	return events
}
